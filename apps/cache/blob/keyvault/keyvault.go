// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package keyvault stores token cache blobs as Azure Key Vault secrets.

Secret names are derived from blob keys. Blobs are base64 encoded because secret values
are strings. Vaults with soft delete keep deleted secret names reserved, so Delete writes
an empty value instead of deleting the secret.
*/
package keyvault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob"
)

// SecretsClient is the subset of *azsecrets.Client the store uses.
type SecretsClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// Store implements blob.Store on Key Vault secrets.
type Store struct {
	client SecretsClient
	prefix string
}

var _ blob.Store = (*Store)(nil)

// New creates a Store for the vault at vaultURL, e.g. https://myvault.vault.azure.net/.
func New(vaultURL string, cred azcore.TokenCredential, options *azsecrets.ClientOptions) (*Store, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, options)
	if err != nil {
		return nil, err
	}
	return NewFromClient(client), nil
}

// NewFromClient creates a Store over an existing client.
func NewFromClient(client SecretsClient) *Store {
	return &Store{client: client, prefix: "msal-cache-"}
}

// secretName maps key to a valid secret name: 1-127 characters of 0-9, a-z, A-Z and "-".
func (s *Store) secretName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:20])
}

// Read implements blob.Store.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetSecret(ctx, s.secretName(key), "", nil)
	if err != nil {
		var re *azcore.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("getting secret for %s: %w", key, err)
	}
	if resp.Value == nil || *resp.Value == "" {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
	}
	data, err := base64.StdEncoding.DecodeString(*resp.Value)
	if err != nil {
		return nil, fmt.Errorf("secret for %s is not base64: %w", key, err)
	}
	return data, nil
}

// Write implements blob.Store.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	return s.set(ctx, key, base64.StdEncoding.EncodeToString(data))
}

// Delete implements blob.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.set(ctx, key, "")
}

func (s *Store) set(ctx context.Context, key, value string) error {
	contentType := "application/octet-stream;base64"
	_, err := s.client.SetSecret(ctx, s.secretName(key), azsecrets.SetSecretParameters{
		Value:       &value,
		ContentType: &contentType,
	}, nil)
	if err != nil {
		return fmt.Errorf("setting secret for %s: %w", key, err)
	}
	return nil
}
