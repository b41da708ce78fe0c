package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// AzureKeyVaultProvider reads the recording key from an Azure Key
// Vault secret using the default credential chain.
type AzureKeyVaultProvider struct {
	vaultURL   string
	secretName string

	client    *azsecrets.Client
	cachedKey []byte
	mu        sync.RWMutex
}

// NewAzureKeyVaultProvider creates a provider for a vault secret.
// vaultURL is e.g. https://myvault.vault.azure.net.
func NewAzureKeyVaultProvider(vaultURL, secretName string) (*AzureKeyVaultProvider, error) {
	if vaultURL == "" {
		return nil, fmt.Errorf("azure_keyvault: vault_url is required")
	}
	if secretName == "" {
		return nil, fmt.Errorf("azure_keyvault: secret_name is required")
	}
	return &AzureKeyVaultProvider{vaultURL: vaultURL, secretName: secretName}, nil
}

func (p *AzureKeyVaultProvider) Name() string {
	return "azure_keyvault:" + p.secretName
}

// GetKey fetches the latest version of the secret.
func (p *AzureKeyVaultProvider) GetKey(ctx context.Context) ([]byte, error) {
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
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create Azure credential: %v", ErrAuthFailed, err)
		}
		client, err := azsecrets.NewClient(p.vaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create Key Vault client: %v", ErrAuthFailed, err)
		}
		p.client = client
	}

	resp, err := p.client.GetSecret(ctx, p.secretName, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get secret: %v", ErrProviderUnavailable, err)
	}
	if resp.Value == nil || *resp.Value == "" {
		return nil, fmt.Errorf("%w: secret %q is empty", ErrKeyNotFound, p.secretName)
	}

	key, err := base64.StdEncoding.DecodeString(*resp.Value)
	if err != nil {
		key = []byte(*resp.Value)
	}

	p.cachedKey = key
	return key, nil
}

func (p *AzureKeyVaultProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedKey = nil
	p.client = nil
	return nil
}
