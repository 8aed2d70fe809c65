package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// secretsManagerAPI is the subset of *secretsmanager.Client used by AWSProvider,
// narrowed for test mocking.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSProvider reads secrets from AWS Secrets Manager using the standard
// AWS credential chain (environment, shared config, instance profile, etc.).
type AWSProvider struct {
	client       secretsManagerAPI
	secretPrefix string
}

// NewAWSProvider creates a new AWS Secrets Manager provider.
func NewAWSProvider(cfg *Config) (*AWSProvider, error) {
	if cfg.AWSRegion == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSProvider{
		client:       secretsmanager.NewFromConfig(awsCfg),
		secretPrefix: cfg.AWSSecretPrefix,
	}, nil
}

// NewAWSProviderWithClient creates an AWSProvider with an injected client (for testing).
func NewAWSProviderWithClient(client secretsManagerAPI, secretPrefix string) *AWSProvider {
	return &AWSProvider{client: client, secretPrefix: secretPrefix}
}

// Name returns the provider name.
func (p *AWSProvider) Name() string {
	return "aws"
}

func (p *AWSProvider) secretID(key string) string {
	if p.secretPrefix != "" {
		return p.secretPrefix + "/" + key
	}
	return key
}

// Get retrieves a secret from AWS Secrets Manager.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.GetWithMetadata(ctx, key)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// GetWithMetadata retrieves a secret with metadata from AWS Secrets Manager.
func (p *AWSProvider) GetWithMetadata(ctx context.Context, key string) (*Secret, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID(key)),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("AWS Secrets Manager request failed: %w", err)
	}

	value := aws.ToString(out.SecretString)
	if value == "" && len(out.SecretBinary) > 0 {
		value = string(out.SecretBinary)
	}

	secret := &Secret{
		Key:     key,
		Value:   value,
		Version: aws.ToString(out.VersionId),
		Metadata: map[string]string{
			"arn":  aws.ToString(out.ARN),
			"name": aws.ToString(out.Name),
		},
	}
	if out.CreatedDate != nil {
		secret.CreatedAt = *out.CreatedDate
	}

	return secret, nil
}

// List returns available secret keys from AWS Secrets Manager.
func (p *AWSProvider) List(ctx context.Context) ([]string, error) {
	input := &secretsmanager.ListSecretsInput{}
	if p.secretPrefix != "" {
		input.Filters = []smtypes.Filter{{
			Key:    smtypes.FilterNameStringTypeName,
			Values: []string{p.secretPrefix},
		}}
	}

	out, err := p.client.ListSecrets(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("AWS Secrets Manager request failed: %w", err)
	}

	keys := make([]string, 0, len(out.SecretList))
	for _, s := range out.SecretList {
		name := aws.ToString(s.Name)
		if p.secretPrefix != "" {
			name = strings.TrimPrefix(name, p.secretPrefix+"/")
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Close releases resources held by the provider. The SDK client has no
// explicit teardown, so this is a no-op kept to satisfy the Provider interface.
func (p *AWSProvider) Close() error {
	return nil
}

// Healthy checks if AWS Secrets Manager is reachable within a short budget.
func (p *AWSProvider) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	return err == nil
}
