// Package gitcreds resolves repository credential references into
// bearer tokens for authenticated git remotes. A reference names where
// a token lives, never the token itself:
//
//	env://GIT_TOKEN
//	file:///etc/branchbox/creds/app
//	vault://secret/data/repos/app#token
//	aws-sm://prod/git-token#token
//
// Resolved tokens stay out of logs and error messages: errors name the
// ref, path, or field, never the value.
package gitcreds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Config configures the resolver. The zero value supports env:// and
// file:// refs without caching.
type Config struct {
	// CacheTTL bounds how long resolved Vault and AWS tokens are
	// reused before the backend is asked again. Zero disables the
	// cache. env and file refs are always read live so rotating a
	// token on disk takes effect on the next operation.
	CacheTTL time.Duration

	Vault VaultConfig
	AWS   AWSConfig
}

// source is one network-backed secret backend.
type source interface {
	resolve(ctx context.Context, path, field string) (string, error)
}

// Resolver turns credential references into tokens. Vault and AWS
// clients are built on first use, so deployments that only ever use
// env or file refs never dial either service.
type Resolver struct {
	cfg   Config
	cache *tokenCache

	mu    sync.Mutex
	vault source
	aws   source
}

func New(cfg Config) *Resolver {
	r := &Resolver{cfg: cfg}
	if cfg.CacheTTL > 0 {
		r.cache = newTokenCache(cfg.CacheTTL)
	}
	return r
}

// Resolve returns the token a credential reference points at.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, field, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	switch scheme {
	case "env":
		return resolveEnv(path)
	case "file":
		return resolveFile(path)
	}

	if r.cache != nil {
		if token, ok := r.cache.get(ref); ok {
			return token, nil
		}
	}

	var src source
	switch scheme {
	case "vault":
		src, err = r.vaultSource(ctx)
	case "aws-sm":
		src, err = r.awsSource(ctx)
	}
	if err != nil {
		return "", err
	}

	token, err := src.resolve(ctx, path, field)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("credential ref %s resolved to an empty token", ref)
	}
	if r.cache != nil {
		r.cache.set(ref, token)
	}
	return token, nil
}

// ValidateRef reports whether ref is a well-formed credential
// reference. It never contacts the backing store, so it is safe to
// call while registering a repository.
func ValidateRef(ref string) error {
	_, _, _, err := parseRef(ref)
	return err
}

func (r *Resolver) vaultSource(ctx context.Context) (source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vault == nil {
		v, err := newVaultSource(ctx, r.cfg.Vault)
		if err != nil {
			return nil, err
		}
		r.vault = v
	}
	return r.vault, nil
}

func (r *Resolver) awsSource(ctx context.Context) (source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws == nil {
		a, err := newAWSSource(ctx, r.cfg.AWS)
		if err != nil {
			return nil, err
		}
		r.aws = a
	}
	return r.aws, nil
}

// parseRef splits "scheme://path#field". env and file refs take no
// field; vault and aws-sm refs may carry one.
func parseRef(ref string) (scheme, path, field string, err error) {
	if ref == "" {
		return "", "", "", fmt.Errorf("empty credential ref")
	}
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return "", "", "", fmt.Errorf("credential ref %q: expected scheme://path", ref)
	}
	path, field, _ = strings.Cut(rest, "#")
	if path == "" {
		return "", "", "", fmt.Errorf("credential ref %q: empty path", ref)
	}

	switch scheme {
	case "env", "file":
		if field != "" {
			return "", "", "", fmt.Errorf("credential ref %q: %s refs do not take a #field", ref, scheme)
		}
	case "vault", "aws-sm":
	default:
		return "", "", "", fmt.Errorf("credential ref %q: unsupported scheme %q (want env, file, vault, or aws-sm)", ref, scheme)
	}
	return scheme, path, field, nil
}

func resolveEnv(name string) (string, error) {
	token := strings.TrimSpace(os.Getenv(name))
	if token == "" {
		return "", fmt.Errorf("credential variable %s is unset or empty", name)
	}
	return token, nil
}

func resolveFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("credential file %s is empty", path)
	}
	return token, nil
}
