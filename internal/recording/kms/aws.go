package kms

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// AWSKMSProvider does envelope encryption with AWS KMS: the recording
// data key only ever leaves the process wrapped by the KMS key.
type AWSKMSProvider struct {
	keyID            string
	region           string
	encryptedDEKFile string

	client    *kms.Client
	cachedKey []byte
	mu        sync.RWMutex
}

// NewAWSKMSProvider creates a provider backed by an AWS KMS key.
// keyID is the ARN or alias of the key; encryptedDEKFile optionally
// persists the wrapped data key across restarts so recordings stay
// readable.
func NewAWSKMSProvider(keyID, region, encryptedDEKFile string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("aws_kms: key_id is required")
	}
	return &AWSKMSProvider{
		keyID:            keyID,
		region:           region,
		encryptedDEKFile: encryptedDEKFile,
	}, nil
}

func (p *AWSKMSProvider) Name() string {
	return "aws_kms:" + p.keyID
}

// GetKey unwraps the persisted data key, or generates a fresh one the
// first time and persists its wrapped form.
func (p *AWSKMSProvider) GetKey(ctx context.Context) ([]byte, error) {
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

	if p.encryptedDEKFile != "" {
		if encDEK, err := os.ReadFile(p.encryptedDEKFile); err == nil && len(encDEK) > 0 {
			key, err := p.decryptDEK(ctx, encDEK)
			if err == nil {
				p.cachedKey = key
				return key, nil
			}
		}
	}

	key, wrapped, err := p.generateDEK(ctx)
	if err != nil {
		return nil, err
	}
	if p.encryptedDEKFile != "" && len(wrapped) > 0 {
		// Best effort: the key is still usable in memory if the
		// write fails, but earlier recordings become unreadable
		// after a restart.
		_ = os.WriteFile(p.encryptedDEKFile, wrapped, 0o600)
	}

	p.cachedKey = key
	return key, nil
}

func (p *AWSKMSProvider) initClient(ctx context.Context) error {
	opts := []func(*config.LoadOptions) error{}
	if p.region != "" {
		opts = append(opts, config.WithRegion(p.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("%w: failed to load AWS config: %v", ErrAuthFailed, err)
	}
	p.client = kms.NewFromConfig(cfg)
	return nil
}

func (p *AWSKMSProvider) decryptDEK(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt data key: %v", ErrProviderUnavailable, err)
	}
	return resp.Plaintext, nil
}

func (p *AWSKMSProvider) generateDEK(ctx context.Context) (plaintext, ciphertext []byte, err error) {
	resp, err := p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(p.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate data key: %v", ErrProviderUnavailable, err)
	}
	return resp.Plaintext, resp.CiphertextBlob, nil
}

func (p *AWSKMSProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedKey = nil
	p.client = nil
	return nil
}
