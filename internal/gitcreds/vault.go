package gitcreds

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	auth "github.com/hashicorp/vault/api/auth/kubernetes"
)

// VaultConfig holds connection and auth settings for vault:// refs.
type VaultConfig struct {
	Address    string
	AuthMethod string // token, kubernetes
	TokenFile  string
	K8sRole    string
}

type vaultSource struct {
	client *vault.Client
}

var _ source = (*vaultSource)(nil)

func newVaultSource(ctx context.Context, cfg VaultConfig) (*vaultSource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault credential refs require git_credentials.vault.address")
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}

	method := cfg.AuthMethod
	if method == "" {
		method = "token"
	}
	switch method {
	case "token":
		var token string
		if cfg.TokenFile != "" {
			b, err := os.ReadFile(cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("vault token file: %w", err)
			}
			token = strings.TrimSpace(string(b))
		} else {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("vault token auth: no token (set git_credentials.vault.token_file or VAULT_TOKEN)")
		}
		client.SetToken(token)
	case "kubernetes":
		if cfg.K8sRole == "" {
			return nil, fmt.Errorf("vault kubernetes auth requires git_credentials.vault.k8s_role")
		}
		k8sAuth, err := auth.NewKubernetesAuth(cfg.K8sRole)
		if err != nil {
			return nil, fmt.Errorf("vault kubernetes auth: %w", err)
		}
		info, err := client.Auth().Login(ctx, k8sAuth)
		if err != nil {
			return nil, fmt.Errorf("vault kubernetes login: %w", err)
		}
		if info == nil {
			return nil, fmt.Errorf("vault kubernetes login returned no auth info")
		}
	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", method)
	}

	return &vaultSource{client: client}, nil
}

// resolve reads one field of a KV secret. KV v2 is tried first with
// the mount prefix stripped, then the literal path as KV v1.
func (s *vaultSource) resolve(ctx context.Context, path, field string) (string, error) {
	if field == "" {
		field = "token"
	}

	secret, err := s.client.KVv2("secret").Get(ctx, kvV2Path(path))
	if err != nil {
		raw, rerr := s.client.Logical().ReadWithContext(ctx, path)
		if rerr != nil {
			return "", fmt.Errorf("vault: read %s: %w", path, rerr)
		}
		if raw == nil {
			return "", fmt.Errorf("vault: secret %s not found", path)
		}
		secret = &vault.KVSecret{Data: raw.Data}
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: secret %s not found", path)
	}

	value, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("vault: secret %s has no field %q", path, field)
	}
	token, ok := value.(string)
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("vault: field %q of %s is not a non-empty string", field, path)
	}
	return strings.TrimSpace(token), nil
}

func kvV2Path(path string) string {
	path = strings.TrimPrefix(path, "secret/data/")
	return strings.TrimPrefix(path, "secret/")
}
