// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Command tokencache inspects and maintains a persisted token cache, and runs silent token
// acquisition against it.
//
// Every flag can also be set through a TOKENCACHE_ prefixed environment variable
// (TOKENCACHE_CLIENT_ID, TOKENCACHE_SEAL_SECRET, ...) or a config file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/public"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

type contextKey string

const clientContextKey contextKey = "client"

func newRootCommand(v *viper.Viper) *cobra.Command {
	var configFile string
	var closers []func() error

	rootCmd := &cobra.Command{
		Use:           "tokencache",
		Short:         "Inspect and maintain a persisted token cache",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, closer, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			closers = append(closers, closer.Close)
			client, err := newClient(cfg, store, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(ctx, clientContextKey, client))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range closers {
				if err := c(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("client_id", "", "application (client) id whose cache partition is used")
	flags.String("authority", "", "authority URL; a B2C policy authority selects that policy's tokens")
	flags.Bool("discovery", true, "discover endpoints from the authority's OpenID configuration")
	flags.Duration("expiry_leeway", 5*time.Minute, "treat access tokens expiring within this window as expired")
	flags.String("log_level", "info", "log level: debug, info, warn or error")
	flags.String("cache_store", "file", "blob store holding the cache: file, redis, sql or keyvault")
	flags.String("cache_dir", defaultCacheDir(), "directory of the file store")
	flags.String("redis_url", "", "redis:// URL of the redis store")
	flags.String("database_url", "", "postgres:// or sqlite: URL of the sql store")
	flags.String("vault_url", "", "Key Vault URL of the keyvault store")
	flags.String("vault_token", "", "bearer token for Key Vault")
	flags.String("seal_secret", "", "secret used to encrypt the cache at rest")
	for _, name := range []string{
		"client_id", "authority", "discovery", "expiry_leeway", "log_level", "cache_store",
		"cache_dir", "redis_url", "database_url", "vault_url", "vault_token", "seal_secret",
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("TOKENCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(newAccountsCommand(), newRemoveAccountCommand(), newClearCommand(), newSilentCommand())
	return rootCmd
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + string(os.PathSeparator) + "tokencache"
}

func clientFrom(cmd *cobra.Command) (public.Client, error) {
	client, ok := cmd.Context().Value(clientContextKey).(public.Client)
	if !ok {
		return public.Client{}, configError("config.uninitialized_client", "client not prepared; PersistentPreRunE must execute before RunE")
	}
	return client, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type accountView struct {
	HomeAccountID string `json:"home_account_id"`
	Environment   string `json:"environment"`
	Realm         string `json:"realm"`
	Username      string `json:"username,omitempty"`
	AuthorityType string `json:"authority_type"`
}

func newAccountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts in the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]accountView, 0, len(accounts))
			for _, a := range accounts {
				views = append(views, accountView{
					HomeAccountID: a.HomeAccountID,
					Environment:   a.Environment,
					Realm:         a.Realm,
					Username:      a.PreferredUsername,
					AuthorityType: a.AuthorityType,
				})
			}
			return writeJSON(cmd, views)
		},
	}
}

func newRemoveAccountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-account <home-account-id>",
		Short: "Remove an account and all of its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return client.RemoveAccount(cmd.Context(), public.Account{HomeAccountID: args[0]})
		},
	}
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every account and token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			return client.Clear(cmd.Context())
		},
	}
}

type silentView struct {
	HomeAccountID  string    `json:"home_account_id"`
	ExpiresOn      time.Time `json:"expires_on"`
	GrantedScopes  []string  `json:"granted_scopes"`
	DeclinedScopes []string  `json:"declined_scopes,omitempty"`
	FromCache      bool      `json:"from_cache"`
	CorrelationID  string    `json:"correlation_id"`
	AccessToken    string    `json:"access_token,omitempty"`
}

func newSilentCommand() *cobra.Command {
	var (
		scopes       []string
		account      string
		authority    string
		forceRefresh bool
		showToken    bool
	)
	cmd := &cobra.Command{
		Use:   "silent",
		Short: "Acquire a token from the cache, refreshing it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			var options []public.AcquireSilentOption
			if account != "" {
				options = append(options, public.WithSilentAccount(public.Account{HomeAccountID: account}))
			}
			if authority != "" {
				options = append(options, public.WithSilentAuthority(authority))
			}
			if forceRefresh {
				options = append(options, public.WithForceRefresh())
			}
			outcome := <-client.AcquireTokenSilentAsync(cmd.Context(), scopes, options...)
			switch {
			case outcome.Canceled:
				return context.Canceled
			case outcome.Err != nil:
				return outcome.Err
			}
			res := outcome.Result
			view := silentView{
				HomeAccountID:  res.Account.HomeAccountID,
				ExpiresOn:      res.ExpiresOn,
				GrantedScopes:  res.GrantedScopes,
				DeclinedScopes: res.DeclinedScopes,
				FromCache:      res.Metadata.TokenSource == public.TokenSourceCache,
				CorrelationID:  res.Metadata.CorrelationID,
			}
			if showToken {
				view.AccessToken = res.AccessToken
			}
			return writeJSON(cmd, view)
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to request; repeat or comma separate")
	cmd.Flags().StringVar(&account, "account", "", "home account id; required when the cache holds several accounts")
	cmd.Flags().StringVar(&authority, "silent-authority", "", "authority for this request only, such as another B2C policy")
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "skip cached access tokens")
	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the access token")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
