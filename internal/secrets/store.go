// Package secrets retrieves named secrets and materializes key material on disk
// for as short a time as possible.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const keyFileMode os.FileMode = 0o400

// Errors.
var (
	ErrEmptySecret        = errors.New("secret has no string value")
	ErrInvalidCredentials = errors.New("secret does not hold username and password")
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config holds secret store configuration.
type Config struct {
	Region   string
	Endpoint string
	TempDir  string // defaults to os.TempDir()
}

// Store reads secrets from AWS Secrets Manager.
type Store struct {
	client  SecretsManagerAPI
	tempDir string
}

// New creates a Store from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewStore(client, cfg.TempDir), nil
}

// NewStore creates a Store around an existing client.
func NewStore(client SecretsManagerAPI, tempDir string) *Store {
	return &Store{client: client, tempDir: tempDir}
}

// Get returns the string value of the named secret.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	value := aws.ToString(out.SecretString)
	if value == "" {
		return "", fmt.Errorf("get secret %s: %w", name, ErrEmptySecret)
	}
	return value, nil
}

// Credentials is a username/password pair stored as a JSON secret.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credentials reads a JSON {"username","password"} secret.
func (s *Store) Credentials(ctx context.Context, name string) (Credentials, error) {
	value, err := s.Get(ctx, name)
	if err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(value), &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode secret %s: %w", name, ErrInvalidCredentials)
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("decode secret %s: %w", name, ErrInvalidCredentials)
	}
	return creds, nil
}

// KeyFile writes the named secret to a read-only temporary file. The caller must
// invoke cleanup as soon as the key is no longer needed.
func (s *Store) KeyFile(ctx context.Context, name string) (path string, cleanup func(), err error) {
	value, err := s.Get(ctx, name)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp(s.tempDir, "remediator-key-*.pem")
	if err != nil {
		return "", nil, fmt.Errorf("create key file: %w", err)
	}
	path = f.Name()
	cleanup = func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove key file", "error", rmErr)
		}
	}

	if err := f.Chmod(keyFileMode); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close key file: %w", err)
	}
	return path, cleanup, nil
}
