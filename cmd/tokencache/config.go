// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob/keyvault"
	blobredis "github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob/redis"
	blobsql "github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache/blob/sql"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/public"
)

const (
	configCodeMissingClientID   = "config.missing_client_id"
	configCodeInvalidStore      = "config.invalid_cache_store"
	configCodeMissingStoreParam = "config.missing_cache_store_parameter"
	configCodeInvalidLeeway     = "config.invalid_expiry_leeway"
	configCodeInvalidLogLevel   = "config.invalid_log_level"
	configCodeShortSealSecret   = "config.short_seal_secret"
)

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// config is the resolved configuration of one invocation.
type config struct {
	ClientID     string
	Authority    string
	Discovery    bool
	ExpiryLeeway time.Duration
	LogLevel     slog.Level

	CacheStore  string
	CacheDir    string
	RedisURL    string
	DatabaseURL string
	VaultURL    string
	VaultToken  string
	SealSecret  string
}

// loadConfig validates what flags, environment and config file provided.
func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		ClientID:     v.GetString("client_id"),
		Authority:    v.GetString("authority"),
		Discovery:    v.GetBool("discovery"),
		ExpiryLeeway: v.GetDuration("expiry_leeway"),
		CacheStore:   strings.ToLower(v.GetString("cache_store")),
		CacheDir:     v.GetString("cache_dir"),
		RedisURL:     v.GetString("redis_url"),
		DatabaseURL:  v.GetString("database_url"),
		VaultURL:     v.GetString("vault_url"),
		VaultToken:   v.GetString("vault_token"),
		SealSecret:   v.GetString("seal_secret"),
	}
	if cfg.ClientID == "" {
		return config{}, configError(configCodeMissingClientID, "client_id must be provided")
	}
	if cfg.ExpiryLeeway < 0 {
		return config{}, configError(configCodeInvalidLeeway, "expiry_leeway cannot be negative")
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return config{}, configError(configCodeInvalidLogLevel, err.Error())
	}
	if cfg.SealSecret != "" && len(cfg.SealSecret) < 16 {
		return config{}, configError(configCodeShortSealSecret, "seal_secret must be at least 16 bytes")
	}

	required := map[string]struct{ name, value string }{
		"file":     {"cache_dir", cfg.CacheDir},
		"redis":    {"redis_url", cfg.RedisURL},
		"sql":      {"database_url", cfg.DatabaseURL},
		"keyvault": {"vault_url", cfg.VaultURL},
	}
	param, ok := required[cfg.CacheStore]
	if !ok {
		return config{}, configError(configCodeInvalidStore, fmt.Sprintf("cache_store %q is not one of file, redis, sql, keyvault", cfg.CacheStore))
	}
	if param.value == "" {
		return config{}, configError(configCodeMissingStoreParam, fmt.Sprintf("%s must be provided for cache_store %s", param.name, cfg.CacheStore))
	}
	return cfg, nil
}

// staticToken is an azcore.TokenCredential returning a bearer token obtained elsewhere.
type staticToken string

func (s staticToken) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if s == "" {
		return azcore.AccessToken{}, errors.New("vault_token must be provided to use Key Vault")
	}
	return azcore.AccessToken{Token: string(s), ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// openStore connects the configured blob store. The returned closer releases connections.
func openStore(ctx context.Context, cfg config) (blob.Store, io.Closer, error) {
	switch cfg.CacheStore {
	case "file":
		return blob.NewFile(cfg.CacheDir), io.NopCloser(nil), nil
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis_url: %w", err)
		}
		client := goredis.NewClient(opts)
		return blobredis.New(client), client, nil
	case "sql":
		s, err := blobsql.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "keyvault":
		s, err := keyvault.New(cfg.VaultURL, staticToken(cfg.VaultToken), nil)
		if err != nil {
			return nil, nil, err
		}
		return s, io.NopCloser(nil), nil
	}
	return nil, nil, configError(configCodeInvalidStore, cfg.CacheStore)
}

// newClient builds a public.Client persisting to store.
func newClient(cfg config, store blob.Store, logOut io.Writer) (public.Client, error) {
	var accessorOptions []blob.AccessorOption
	if cfg.SealSecret != "" {
		sealer, err := blob.NewSealer([]byte(cfg.SealSecret))
		if err != nil {
			return public.Client{}, err
		}
		accessorOptions = append(accessorOptions, blob.WithSealer(sealer))
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	options := []public.Option{
		public.WithCache(blob.NewAccessor(store, accessorOptions...)),
		public.WithLogger(logger),
		public.WithExpiryLeeway(cfg.ExpiryLeeway),
		public.WithInstanceDiscovery(cfg.Discovery),
	}
	if cfg.Authority != "" {
		options = append(options, public.WithAuthority(cfg.Authority))
	}
	return public.New(cfg.ClientID, options...)
}
