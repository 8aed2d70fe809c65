package secrets

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type fakeSecretsManager struct {
	getFn  func(ctx context.Context, in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	listFn func(ctx context.Context, in *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error)
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.getFn(ctx, in)
}

func (f *fakeSecretsManager) ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	return f.listFn(ctx, in)
}

func TestAWSProvider_Name(t *testing.T) {
	p := NewAWSProviderWithClient(&fakeSecretsManager{}, "")
	if got := p.Name(); got != "aws" {
		t.Errorf("Name() = %v, want aws", got)
	}
}

func TestNewAWSProvider_RequiresRegion(t *testing.T) {
	if _, err := NewAWSProvider(&Config{}); err == nil {
		t.Error("expected error when AWSRegion is empty")
	}
}

func TestAWSProvider_GetWithMetadata(t *testing.T) {
	fake := &fakeSecretsManager{
		getFn: func(_ context.Context, in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if aws.ToString(in.SecretId) != "test-key" {
				t.Errorf("SecretId = %v, want test-key", aws.ToString(in.SecretId))
			}
			return &secretsmanager.GetSecretValueOutput{
				ARN:          aws.String("arn:aws:secretsmanager:us-east-1:123456789:secret:test-key"),
				Name:         aws.String("test-key"),
				SecretString: aws.String("my-secret-value"),
				VersionId:    aws.String("v1"),
			}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "")

	secret, err := p.GetWithMetadata(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("GetWithMetadata() error = %v", err)
	}
	if secret.Value != "my-secret-value" {
		t.Errorf("Value = %v, want my-secret-value", secret.Value)
	}
	if secret.Version != "v1" {
		t.Errorf("Version = %v, want v1", secret.Version)
	}
}

func TestAWSProvider_GetWithPrefix(t *testing.T) {
	var gotSecretID string
	fake := &fakeSecretsManager{
		getFn: func(_ context.Context, in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			gotSecretID = aws.ToString(in.SecretId)
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("prefixed-secret")}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "prod/hub")

	if _, err := p.Get(context.Background(), "db-password"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotSecretID != "prod/hub/db-password" {
		t.Errorf("secretID = %v, want prod/hub/db-password", gotSecretID)
	}
}

func TestAWSProvider_GetNotFound(t *testing.T) {
	fake := &fakeSecretsManager{
		getFn: func(_ context.Context, _ *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, &smtypes.ResourceNotFoundException{Message: aws.String("not found")}
		},
	}
	p := NewAWSProviderWithClient(fake, "")

	_, err := p.Get(context.Background(), "nonexistent")
	if err != ErrSecretNotFound {
		t.Errorf("Get() error = %v, want ErrSecretNotFound", err)
	}
}

func TestAWSProvider_GetBinarySecret(t *testing.T) {
	fake := &fakeSecretsManager{
		getFn: func(_ context.Context, _ *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("raw-bytes")}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "")

	value, err := p.Get(context.Background(), "binary-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "raw-bytes" {
		t.Errorf("Get() = %v, want raw-bytes", value)
	}
}

func TestAWSProvider_List(t *testing.T) {
	fake := &fakeSecretsManager{
		listFn: func(_ context.Context, _ *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error) {
			return &secretsmanager.ListSecretsOutput{
				SecretList: []smtypes.SecretListEntry{
					{Name: aws.String("key1")},
					{Name: aws.String("key2")},
				},
			}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "")

	keys, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List() returned %d keys, want 2", len(keys))
	}
}

func TestAWSProvider_ListWithPrefixStripped(t *testing.T) {
	fake := &fakeSecretsManager{
		listFn: func(_ context.Context, _ *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error) {
			return &secretsmanager.ListSecretsOutput{
				SecretList: []smtypes.SecretListEntry{
					{Name: aws.String("prod/hub/key1")},
				},
			}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "prod/hub")

	keys, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "key1" {
		t.Errorf("List() = %v, want [key1]", keys)
	}
}

func TestAWSProvider_Healthy(t *testing.T) {
	fake := &fakeSecretsManager{
		listFn: func(_ context.Context, _ *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error) {
			return &secretsmanager.ListSecretsOutput{}, nil
		},
	}
	p := NewAWSProviderWithClient(fake, "")
	if !p.Healthy(context.Background()) {
		t.Error("Healthy() should return true when API is accessible")
	}
}

func TestAWSProvider_HealthyFailed(t *testing.T) {
	fake := &fakeSecretsManager{
		listFn: func(_ context.Context, _ *secretsmanager.ListSecretsInput) (*secretsmanager.ListSecretsOutput, error) {
			return nil, errForbidden
		},
	}
	p := NewAWSProviderWithClient(fake, "")
	if p.Healthy(context.Background()) {
		t.Error("Healthy() should return false when API returns error")
	}
}

func TestAWSProvider_Close(t *testing.T) {
	p := NewAWSProviderWithClient(&fakeSecretsManager{}, "")
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

var errForbidden = &smtypes.InvalidRequestException{Message: aws.String("forbidden")}
