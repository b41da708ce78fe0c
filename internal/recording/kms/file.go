package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// FileProvider loads the key from a local file or an environment
// variable. Suitable for development and single-host deployments.
type FileProvider struct {
	keyFile   string
	keyEnv    string
	cachedKey []byte
}

// NewFileProvider creates a provider that loads keys from a file or
// environment variable. At least one source must be given; the file
// wins when both are set.
func NewFileProvider(keyFile, keyEnv string) (*FileProvider, error) {
	if keyFile == "" && keyEnv == "" {
		return nil, fmt.Errorf("no key source specified: provide key_file or key_env")
	}
	return &FileProvider{keyFile: keyFile, keyEnv: keyEnv}, nil
}

func (p *FileProvider) Name() string {
	if p.keyFile != "" {
		return "file:" + p.keyFile
	}
	return "env:" + p.keyEnv
}

// GetKey retrieves the key, caching it after the first read. Values
// that decode as standard base64 are decoded; anything else is used
// as raw bytes.
func (p *FileProvider) GetKey(ctx context.Context) ([]byte, error) {
	if p.cachedKey != nil {
		return p.cachedKey, nil
	}

	var raw string
	if p.keyFile != "" {
		data, err := os.ReadFile(p.keyFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: key file %q does not exist", ErrKeyNotFound, p.keyFile)
			}
			return nil, fmt.Errorf("read key file %q: %w", p.keyFile, err)
		}
		raw = strings.TrimSpace(string(data))
		if raw == "" {
			return nil, fmt.Errorf("%w: key file %q is empty", ErrKeyNotFound, p.keyFile)
		}
	} else {
		raw = os.Getenv(p.keyEnv)
		if raw == "" {
			return nil, fmt.Errorf("%w: environment variable %q is empty or not set", ErrKeyNotFound, p.keyEnv)
		}
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key = []byte(raw)
	}

	p.cachedKey = key
	return key, nil
}

func (p *FileProvider) Close() error {
	p.cachedKey = nil
	return nil
}
