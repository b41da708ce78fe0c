package kms

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	kmsv1 "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// GCPKMSProvider does envelope encryption with Google Cloud KMS.
type GCPKMSProvider struct {
	keyName          string
	encryptedDEKFile string

	client    *kmsv1.KeyManagementClient
	cachedKey []byte
	mu        sync.RWMutex
}

// NewGCPKMSProvider creates a provider backed by a Cloud KMS key.
// keyName is the full resource name
// (projects/.../locations/.../keyRings/.../cryptoKeys/...).
func NewGCPKMSProvider(keyName, encryptedDEKFile string) (*GCPKMSProvider, error) {
	if keyName == "" {
		return nil, fmt.Errorf("gcp_kms: key_name is required")
	}
	return &GCPKMSProvider{
		keyName:          keyName,
		encryptedDEKFile: encryptedDEKFile,
	}, nil
}

func (p *GCPKMSProvider) Name() string {
	return "gcp_kms:" + p.keyName
}

// GetKey unwraps the persisted data key, or generates a 256-bit key
// locally, wraps it with Cloud KMS, and persists the wrapped form.
func (p *GCPKMSProvider) GetKey(ctx context.Context) ([]byte, error) {
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
		client, err := kmsv1.NewKeyManagementClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create GCP KMS client: %v", ErrAuthFailed, err)
		}
		p.client = client
	}

	if p.encryptedDEKFile != "" {
		if encDEK, err := os.ReadFile(p.encryptedDEKFile); err == nil && len(encDEK) > 0 {
			resp, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{
				Name:       p.keyName,
				Ciphertext: encDEK,
			})
			if err == nil {
				p.cachedKey = resp.Plaintext
				return p.cachedKey, nil
			}
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random key: %v", err)
	}
	resp, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      p.keyName,
		Plaintext: key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to wrap data key: %v", ErrProviderUnavailable, err)
	}
	if p.encryptedDEKFile != "" && len(resp.Ciphertext) > 0 {
		_ = os.WriteFile(p.encryptedDEKFile, resp.Ciphertext, 0o600)
	}

	p.cachedKey = key
	return key, nil
}

func (p *GCPKMSProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedKey = nil
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	return nil
}
