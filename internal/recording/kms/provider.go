// Package kms fetches the data-encryption key that protects terminal
// recordings. Backends range from a local file (dev) to cloud KMS
// services doing envelope encryption.
package kms

import (
	"context"
	"errors"
	"fmt"
)

// Provider abstracts key retrieval from a key-management backend.
type Provider interface {
	// Name returns the provider identifier (for logging).
	Name() string

	// GetKey retrieves the recording data key. Envelope providers
	// decrypt the wrapped DEK here.
	GetKey(ctx context.Context) ([]byte, error)

	// Close releases connections and cached key material.
	Close() error
}

// Config selects and configures a key source.
type Config struct {
	// Source: file, env, aws_kms, azure_keyvault, gcp_kms, hashicorp_vault
	Source string

	KeyFile string
	KeyEnv  string

	AWSKeyID            string
	AWSRegion           string
	AWSEncryptedDEKFile string

	AzureVaultURL   string
	AzureSecretName string

	GCPKeyName          string
	GCPEncryptedDEKFile string

	VaultAddress    string
	VaultAuthMethod string // token, kubernetes
	VaultTokenFile  string
	VaultK8sRole    string
	VaultSecretPath string
	VaultKeyField   string
}

// ErrKeyNotFound indicates the key was not found in the backend.
var ErrKeyNotFound = errors.New("key not found")

// ErrAuthFailed indicates authentication to the backend failed.
var ErrAuthFailed = errors.New("authentication failed")

// ErrProviderUnavailable indicates the backend is unreachable.
var ErrProviderUnavailable = errors.New("provider unavailable")

// NewProvider creates a provider based on configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Source {
	case "file", "env", "":
		return NewFileProvider(cfg.KeyFile, cfg.KeyEnv)
	case "aws_kms":
		return NewAWSKMSProvider(cfg.AWSKeyID, cfg.AWSRegion, cfg.AWSEncryptedDEKFile)
	case "azure_keyvault":
		return NewAzureKeyVaultProvider(cfg.AzureVaultURL, cfg.AzureSecretName)
	case "gcp_kms":
		return NewGCPKMSProvider(cfg.GCPKeyName, cfg.GCPEncryptedDEKFile)
	case "hashicorp_vault":
		return NewVaultProvider(VaultConfig{
			Address:    cfg.VaultAddress,
			AuthMethod: cfg.VaultAuthMethod,
			TokenFile:  cfg.VaultTokenFile,
			K8sRole:    cfg.VaultK8sRole,
			SecretPath: cfg.VaultSecretPath,
			KeyField:   cfg.VaultKeyField,
		})
	default:
		return nil, fmt.Errorf("unknown recording key source: %s", cfg.Source)
	}
}
