// Package auth validates API keys for the HTTP and grpc surfaces.
// User-level authorization is the permission grants file; a key only
// proves the caller is allowed to talk to the server at all.
package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type APIKeyAuth struct {
	headerName string
	keys       map[string]struct{}
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// Load builds the validator from an inline key, a YAML keys file, or
// both. At least one key must come out of the pair.
func Load(inlineKey, keysFile, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	keys := make(map[string]struct{})
	if k := strings.TrimSpace(inlineKey); k != "" {
		keys[k] = struct{}{}
	}
	if keysFile != "" {
		b, err := os.ReadFile(keysFile)
		if err != nil {
			return nil, fmt.Errorf("read api keys file: %w", err)
		}
		var entries []keyFileEntry
		if err := yaml.Unmarshal(b, &entries); err != nil {
			return nil, fmt.Errorf("parse api keys file: %w", err)
		}
		for _, e := range entries {
			if k := strings.TrimSpace(e.Key); k != "" {
				keys[k] = struct{}{}
			}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api key auth enabled but no key configured")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

func (a *APIKeyAuth) IsAllowed(key string) bool {
	if a == nil || key == "" {
		return false
	}
	_, ok := a.keys[key]
	return ok
}
