// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package blob persists the token cache as one opaque blob per partition. An Accessor
implements cache.ExportReplace over any Store; the stores in this package and its
subpackages keep blobs on disk, in Redis, in a SQL database or in Azure Key Vault.

Blobs can be sealed at rest:

	sealer, err := blob.NewSealer(secret)
	if err != nil {
		// TODO: handle error
	}
	accessor := blob.NewAccessor(blob.NewFile(dir), blob.WithSealer(sealer))
	client, err := public.New("client_id", public.WithCache(accessor))
*/
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache"
)

// ErrNotFound is returned by Store.Read when no blob exists for the key.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes opaque blobs by key. Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the blob stored under key, or an error wrapping ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write stores data under key, replacing any previous blob.
	Write(ctx context.Context, key string, data []byte) error
	// Delete removes the blob under key. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}

// DefaultPartition names the blob of a client that supplies no partition key.
const DefaultPartition = "default"

// Accessor is a cache.ExportReplace backed by a Store.
type Accessor struct {
	store  Store
	sealer *Sealer
	prefix string
}

var _ cache.ExportReplace = (*Accessor)(nil)

// AccessorOption is an optional argument to NewAccessor.
type AccessorOption func(a *Accessor)

// WithSealer encrypts blobs before they reach the Store.
func WithSealer(s *Sealer) AccessorOption {
	return func(a *Accessor) {
		a.sealer = s
	}
}

// WithKeyPrefix is prepended to every partition key, for stores shared with other data.
func WithKeyPrefix(prefix string) AccessorOption {
	return func(a *Accessor) {
		a.prefix = prefix
	}
}

// NewAccessor creates an Accessor over store.
func NewAccessor(store Store, options ...AccessorOption) *Accessor {
	a := &Accessor{store: store}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *Accessor) key(partition string) string {
	if partition == "" {
		partition = DefaultPartition
	}
	return a.prefix + partition
}

// Replace loads the partition's blob into c. A missing or empty blob leaves c unchanged.
func (a *Accessor) Replace(ctx context.Context, c cache.Unmarshaler, hints cache.ReplaceHints) error {
	key := a.key(hints.PartitionKey)
	data, err := a.store.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading blob %q: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if a.sealer != nil {
		if data, err = a.sealer.Open(data, []byte(key)); err != nil {
			return fmt.Errorf("opening blob %q: %w", key, err)
		}
	}
	return c.Unmarshal(data)
}

// Export writes c to the partition's blob.
func (a *Accessor) Export(ctx context.Context, c cache.Marshaler, hints cache.ExportHints) error {
	key := a.key(hints.PartitionKey)
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if a.sealer != nil {
		if data, err = a.sealer.Seal(data, []byte(key)); err != nil {
			return fmt.Errorf("sealing blob %q: %w", key, err)
		}
	}
	if err := a.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("writing blob %q: %w", key, err)
	}
	return nil
}

// Delete removes the partition's blob from the Store.
func (a *Accessor) Delete(ctx context.Context, partition string) error {
	return a.store.Delete(ctx, a.key(partition))
}
