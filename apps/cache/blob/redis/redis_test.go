// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob"
)

// fakeClient is an in-memory Client.
type fakeClient struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := New(client, WithPrefix("app"), WithTTL(time.Hour))

	if _, err := s.Read(ctx, "client"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob.ErrNotFound, got %v", err)
	}
	if err := s.Write(ctx, "client", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, ok := client.data["app:blob:client"]; !ok {
		t.Fatalf("expected key app:blob:client, have %v", client.data)
	}
	if client.ttls["app:blob:client"] != time.Hour {
		t.Fatalf("expected a one hour TTL, got %v", client.ttls["app:blob:client"])
	}
	got, err := s.Read(ctx, "client")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Fatalf("got %q, want %q", got, "data")
	}
	if err := s.Delete(ctx, "client"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, "client"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob.ErrNotFound after Delete, got %v", err)
	}
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.err = errors.New("connection refused")
	s := New(client)
	if _, err := s.Read(ctx, "client"); err == nil || errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if err := s.Write(ctx, "client", []byte("x")); err == nil {
		t.Fatal("expected an error from Write")
	}
	if err := s.Delete(ctx, "client"); err == nil {
		t.Fatal("expected an error from Delete")
	}
}

type memCache struct{ data []byte }

func (m *memCache) Marshal() ([]byte, error) { return m.data, nil }
func (m *memCache) Unmarshal(b []byte) error { m.data = b; return nil }

func TestAccessorOverRedis(t *testing.T) {
	ctx := context.Background()
	a := blob.NewAccessor(New(newFakeClient()))
	if err := a.Export(ctx, &memCache{data: []byte("cache")}, cache.ExportHints{PartitionKey: "client"}); err != nil {
		t.Fatal(err)
	}
	got := &memCache{}
	if err := a.Replace(ctx, got, cache.ReplaceHints{PartitionKey: "client"}); err != nil {
		t.Fatal(err)
	}
	if string(got.data) != "cache" {
		t.Fatalf("got %q, want %q", got.data, "cache")
	}
}
