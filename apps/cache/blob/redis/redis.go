// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package redis stores token cache blobs in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob"
)

// Client is the subset of goredis.Cmdable the store uses. *goredis.Client,
// *goredis.ClusterClient and *goredis.Ring satisfy it.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Store implements blob.Store on Redis string keys.
type Store struct {
	client Client
	prefix string
	ttl    time.Duration
}

var _ blob.Store = (*Store)(nil)

// Option is an optional argument to New.
type Option func(s *Store)

// WithPrefix namespaces keys as "<prefix>:blob:<key>".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires a blob that hasn't been written for d. Zero keeps blobs forever.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// New creates a Store.
func New(client Client, options ...Option) *Store {
	s := &Store{client: client, prefix: "msal"}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Store) redisKey(key string) string {
	return fmt.Sprintf("%s:blob:%s", s.prefix, key)
}

// Read implements blob.Store.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob from Redis: %w", err)
	}
	return data, nil
}

// Write implements blob.Store.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set blob in Redis: %w", err)
	}
	return nil
}

// Delete implements blob.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete blob from Redis: %w", err)
	}
	return nil
}
