// Package keyring sources the history encryption passphrase. The passphrase
// never lives in the database; it comes from the environment, a Vault KV
// secret, or AWS Secrets Manager (optionally KMS-wrapped), and a TTL'd cache
// keeps provider round trips off the capture path.
package keyring

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("keyring provider unavailable")
	ErrNoPassphrase        = errors.New("no passphrase configured")
)

// Provider fetches the encryption passphrase from one backing source.
type Provider interface {
	Passphrase(ctx context.Context) (string, error)
}

// New picks the provider for the configured source. source is one of
// "env", "vault", "aws"; envKey is the passphrase already loaded from the
// environment and only the env provider uses it.
func New(ctx context.Context, source, envKey string) (Provider, error) {
	switch strings.ToLower(source) {
	case "", "env":
		return newEnvProvider(envKey)
	case "vault":
		return newVaultProvider(ctx)
	case "aws":
		return newAWSProvider(ctx)
	default:
		return nil, errors.Errorf("unknown key source %q", source)
	}
}

type envProvider struct {
	value string
}

func newEnvProvider(value string) (*envProvider, error) {
	if value == "" {
		return nil, ErrNoPassphrase
	}
	return &envProvider{value: value}, nil
}

func (e *envProvider) Passphrase(context.Context) (string, error) {
	return e.value, nil
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
	field      string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create vault client")
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/clipvault"),
		field:      getEnvOrDefault("VAULT_SECRET_FIELD", "passphrase"),
	}, nil
}

func (v *vaultProvider) Passphrase(ctx context.Context) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath)
	if err != nil {
		return "", errors.Wrap(err, "read vault secret")
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrapf(ErrNoPassphrase, "vault path %s empty", v.secretPath)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: unexpected secret format")
	}
	value, ok := data[v.field].(string)
	if !ok || value == "" {
		return "", errors.Wrapf(ErrNoPassphrase, "vault field %s missing", v.field)
	}
	return value, nil
}

type awsProvider struct {
	smClient  *secretsmanager.Client
	kmsClient *awskms.Client
	secretID  string
	wrapped   bool
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return &awsProvider{
		smClient:  secretsmanager.NewFromConfig(cfg),
		kmsClient: awskms.NewFromConfig(cfg),
		secretID:  getEnvOrDefault("AWS_SECRET_ID", "clipvault/passphrase"),
		wrapped:   strings.ToLower(os.Getenv("AWS_SECRET_KMS_WRAPPED")) == "true",
	}, nil
}

// Passphrase reads the configured Secrets Manager entry. When the secret is
// stored KMS-wrapped, the string value is base64 KMS ciphertext and a
// Decrypt call recovers the passphrase.
func (a *awsProvider) Passphrase(ctx context.Context) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &a.secretID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", a.secretID)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	if !a.wrapped {
		return *result.SecretString, nil
	}
	blob, err := base64.StdEncoding.DecodeString(*result.SecretString)
	if err != nil {
		return "", errors.Wrap(err, "decode wrapped secret")
	}
	out, err := a.kmsClient.Decrypt(ctx, &awskms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", errors.Wrap(err, "kms unwrap secret")
	}
	return string(out.Plaintext), nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
