// Package auditarchive exports aging audit_log rows to an S3-compatible
// object store and removes them from the primary database, so the hub's
// audit trail does not grow unbounded while still being retrievable.
package auditarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rjsadow/hub/internal/db"
)

// S3API is the subset of the S3 client the archiver uses, narrow enough to
// fake in tests without standing up a real bucket.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store exports batches of audit log rows as newline-delimited JSON objects.
type Store struct {
	client S3API
	bucket string
	prefix string
}

// NewStore builds a Store configured from AWS defaults. An empty endpoint
// targets the standard AWS S3 endpoint; a non-empty endpoint targets MinIO
// or another S3-compatible service. Static credentials are used when both
// accessKeyID and secretAccessKey are non-empty, otherwise the default
// credential chain applies.
func NewStore(ctx context.Context, bucket, region, endpoint, prefix, accessKeyID, secretAccessKey string) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	return NewStoreWithClient(client, bucket, prefix), nil
}

// NewStoreWithClient builds a Store with an injected S3API client, for
// testing or for pointing at an already-configured client.
func NewStoreWithClient(client S3API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Archiver periodically moves audit_log rows older than Retention into the
// Store and deletes them from the database.
type Archiver struct {
	db        *db.DB
	store     *Store
	retention time.Duration
	batchSize int
}

// NewArchiver builds an Archiver. A nil store disables archival entirely;
// Run then does nothing, matching the "empty bucket disables archival"
// configuration contract.
func NewArchiver(database *db.DB, store *Store, retention time.Duration, batchSize int) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Archiver{db: database, store: store, retention: retention, batchSize: batchSize}
}

// RunOnce exports and deletes one batch of rows older than now-retention.
// It returns the number of rows archived.
func (a *Archiver) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if a.store == nil {
		return 0, nil
	}

	cutoff := now.Add(-a.retention)
	entries, err := a.db.AuditLogBefore(ctx, cutoff, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("audit archive: failed to select rows: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	key, err := a.store.save(ctx, now, entries)
	if err != nil {
		return 0, fmt.Errorf("audit archive: failed to upload batch: %w", err)
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := a.db.DeleteAuditLogIDs(ctx, ids); err != nil {
		return 0, fmt.Errorf("audit archive: uploaded %s but failed to delete archived rows: %w", key, err)
	}

	return len(entries), nil
}

// Run calls RunOnce on the given interval until ctx is canceled. Errors are
// returned on a channel rather than aborting the loop: one failed batch
// should not stop future attempts.
func (a *Archiver) Run(ctx context.Context, interval time.Duration, errs chan<- error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := a.RunOnce(ctx, now); err != nil && errs != nil {
				select {
				case errs <- err:
				default:
				}
			}
		}
	}
}

func (s *Store) save(ctx context.Context, now time.Time, entries []*db.AuditLog) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("failed to encode audit log entry %d: %w", e.ID, err)
		}
	}

	key := fmt.Sprintf("%s%d/%02d/audit-%d.jsonl", s.prefix, now.Year(), now.Month(), now.UnixNano())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit batch to S3: %w", err)
	}
	return key, nil
}
