package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
	auth "github.com/hashicorp/vault/api/auth/kubernetes"
)

// VaultConfig holds configuration for HashiCorp Vault.
type VaultConfig struct {
	Address    string
	AuthMethod string // token, kubernetes
	TokenFile  string
	K8sRole    string
	SecretPath string
	KeyField   string
}

// VaultProvider reads the recording key from a Vault KV secret.
type VaultProvider struct {
	config    VaultConfig
	client    *vault.Client
	cachedKey []byte
	mu        sync.RWMutex
}

// NewVaultProvider creates a provider backed by HashiCorp Vault.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("hashicorp_vault: address is required")
	}
	if cfg.SecretPath == "" {
		return nil, fmt.Errorf("hashicorp_vault: secret_path is required")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "key"
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = "token"
	}
	return &VaultProvider{config: cfg}, nil
}

func (p *VaultProvider) Name() string {
	return "hashicorp_vault:" + p.config.SecretPath
}

// GetKey reads the key field from the configured secret. KV v2 is
// tried first with the mount prefix stripped, then the literal path
// as KV v1. Base64 values are decoded; anything else is raw bytes.
func (p *VaultProvider) GetKey(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	if p.cachedKey != nil {
		key := p.cachedKey
		p.mu.RUnlock()
		return key, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedKey != nil {
		return p.cachedKey, nil
	}

	if p.client == nil {
		if err := p.initClient(ctx); err != nil {
			return nil, err
		}
	}

	secret, err := p.client.KVv2("secret").Get(ctx, p.secretPathWithoutPrefix())
	if err != nil {
		raw, rerr := p.client.Logical().ReadWithContext(ctx, p.config.SecretPath)
		if rerr != nil {
			return nil, fmt.Errorf("%w: failed to read secret: %v", ErrProviderUnavailable, rerr)
		}
		if raw == nil {
			return nil, fmt.Errorf("%w: secret %q not found", ErrKeyNotFound, p.config.SecretPath)
		}
		secret = &vault.KVSecret{Data: raw.Data}
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: secret %q not found", ErrKeyNotFound, p.config.SecretPath)
	}

	value, ok := secret.Data[p.config.KeyField]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in secret", ErrKeyNotFound, p.config.KeyField)
	}
	keyStr, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("key field %q is not a string", p.config.KeyField)
	}
	if keyStr == "" {
		return nil, fmt.Errorf("%w: key field %q is empty", ErrKeyNotFound, p.config.KeyField)
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key = []byte(keyStr)
	}

	p.cachedKey = key
	return key, nil
}

func (p *VaultProvider) secretPathWithoutPrefix() string {
	path := strings.TrimPrefix(p.config.SecretPath, "secret/data/")
	return strings.TrimPrefix(path, "secret/")
}

func (p *VaultProvider) initClient(ctx context.Context) error {
	vc := vault.DefaultConfig()
	vc.Address = p.config.Address

	client, err := vault.NewClient(vc)
	if err != nil {
		return fmt.Errorf("%w: failed to create Vault client: %v", ErrAuthFailed, err)
	}

	switch p.config.AuthMethod {
	case "token":
		var token string
		if p.config.TokenFile != "" {
			data, err := os.ReadFile(p.config.TokenFile)
			if err != nil {
				return fmt.Errorf("%w: failed to read token file: %v", ErrAuthFailed, err)
			}
			token = strings.TrimSpace(string(data))
		} else {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("%w: no token provided", ErrAuthFailed)
		}
		client.SetToken(token)
	case "kubernetes":
		if p.config.K8sRole == "" {
			return fmt.Errorf("%w: k8s_role is required for kubernetes auth", ErrAuthFailed)
		}
		k8sAuth, err := auth.NewKubernetesAuth(p.config.K8sRole)
		if err != nil {
			return fmt.Errorf("%w: failed to create kubernetes auth: %v", ErrAuthFailed, err)
		}
		info, err := client.Auth().Login(ctx, k8sAuth)
		if err != nil {
			return fmt.Errorf("%w: kubernetes login failed: %v", ErrAuthFailed, err)
		}
		if info == nil {
			return fmt.Errorf("%w: kubernetes login returned no auth info", ErrAuthFailed)
		}
	default:
		return fmt.Errorf("%w: unsupported auth method %q", ErrAuthFailed, p.config.AuthMethod)
	}

	p.client = client
	return nil
}

func (p *VaultProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedKey = nil
	if p.client != nil {
		p.client.ClearToken()
	}
	p.client = nil
	return nil
}
