// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that is used by the external public.Client. It owns
// the silent flow: account resolution, the cache lookup, the refresh decision and the write
// back of refreshed tokens.
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache"
	msalerrors "github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/base/storage"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/logger"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// AuthorityPublicCloud is the default AAD authority host
const AuthorityPublicCloud = "https://login.microsoftonline.com/common"

// Store is the credential cache the client reads and writes. In all production use it is a
// *storage.Manager.
type Store interface {
	Write(params authority.AuthParams, resp accesstokens.TokenResponse) (shared.Account, error)
	AccessToken(q cachekey.Query) (storage.AccessToken, error)
	RefreshToken(q cachekey.Query) (storage.RefreshToken, error)
	IDToken(q cachekey.Query) (storage.IDToken, error)
	Remove(creds ...storage.Credential)
	RemoveAccount(acc shared.Account)
	Clear()
	Accounts(clientID string) []shared.Account
}

// Refresher exchanges a refresh token. In all production use it is an *oauth.Client.
type Refresher interface {
	Refresh(ctx context.Context, params oauth.RefreshParams) (accesstokens.TokenResponse, error)
}

// state names the steps of a silent request. They appear in debug logs.
type state string

const (
	stateStart             state = "Start"
	stateAccountResolved   state = "AccountResolved"
	stateAccessTokenLookup state = "AccessTokenLookup"
	stateServe             state = "Serve"
	stateNeedsRefresh      state = "NeedsRefresh"
	stateRefreshInFlight   state = "RefreshInFlight"
	stateServed            state = "Served"
	stateFailed            state = "Failed"
)

// TokenSource is where an AuthResult's access token came from.
type TokenSource int

const (
	// TokenSourceCache means the token was served from the cache without a network call.
	TokenSourceCache TokenSource = iota
	// TokenSourceIdentityProvider means the token came from a refresh exchange or an interactive flow.
	TokenSourceIdentityProvider
)

// AuthResultMetadata describes how an AuthResult was produced.
type AuthResultMetadata struct {
	TokenSource   TokenSource
	CorrelationID string
}

// AcquireTokenSilentParameters contains the parameters to acquire a token silently (from cache).
type AcquireTokenSilentParameters struct {
	Scopes []string
	// Account is the account to acquire a token for. The zero value selects the only cached account.
	Account shared.Account
	// Authority overrides the client's authority, for example to target another B2C policy.
	Authority    string
	ForceRefresh bool
}

// Validate checks the parameters before any cache access.
func (p AcquireTokenSilentParameters) Validate() error {
	scopes := cachekey.Normalize(p.Scopes)
	if len(scopes) == 0 {
		return msalerrors.NewClientError(msalerrors.InvalidParameters, "at least one scope is required")
	}
	if len(scopes.WithoutReserved()) == 0 {
		return msalerrors.NewClientError(msalerrors.InvalidParameters, "scopes %q only name the OpenID Connect scopes, which no access token is cached for", scopes.String())
	}
	if !p.Account.IsZero() && p.Account.HomeAccountID == "" {
		return msalerrors.NewClientError(msalerrors.InvalidParameters, "account has no home account id")
	}
	return nil
}

// AuthResult contains the results of one token acquisition operation.
type AuthResult struct {
	Account        shared.Account
	IDToken        accesstokens.IDToken
	AccessToken    string
	ExpiresOn      time.Time
	GrantedScopes  []string
	DeclinedScopes []string
	Metadata       AuthResultMetadata
}

// AuthResultFromStorage creates an AuthResult from cached credentials.
func AuthResultFromStorage(at storage.AccessToken, idt storage.IDToken, account shared.Account) (AuthResult, error) {
	var idToken accesstokens.IDToken
	if !idt.IsZero() {
		parsed, err := accesstokens.NewIDToken(idt.Secret)
		if err != nil {
			return AuthResult{}, &msalerrors.InvariantError{Op: "AuthResultFromStorage", Err: err}
		}
		idToken = parsed
	}
	return AuthResult{
		Account:       account,
		IDToken:       idToken,
		AccessToken:   at.Secret,
		ExpiresOn:     at.ExpiresOn.T,
		GrantedScopes: cachekey.Parse(at.Scopes),
		Metadata:      AuthResultMetadata{TokenSource: TokenSourceCache},
	}, nil
}

// NewAuthResult creates an AuthResult from a token endpoint response.
func NewAuthResult(resp accesstokens.TokenResponse, account shared.Account) AuthResult {
	return AuthResult{
		Account:        account,
		IDToken:        resp.IDToken,
		AccessToken:    resp.AccessToken,
		ExpiresOn:      resp.ExpiresOn,
		GrantedScopes:  resp.GrantedScopes,
		DeclinedScopes: resp.DeclinedScopes,
		Metadata:       AuthResultMetadata{TokenSource: TokenSourceIdentityProvider},
	}
}

// Client is a base client that provides access to common methods and primatives that
// can be used by multiple clients.
type Client struct {
	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! See "Note" in New().

	store     Store
	refresher Refresher
	logger    *logger.Logger

	cacheAccessor cache.ExportReplace
	// cacheAccessorMu orders whole cache operations: readers replace then look up, writers
	// replace, mutate and export, all under one hold of the lock.
	cacheAccessorMu *sync.RWMutex
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithCacheAccessor allows you to set some type of cache for storing authentication tokens.
func WithCacheAccessor(ca cache.ExportReplace) Option {
	return func(c *Client) {
		if ca != nil {
			c.cacheAccessor = ca
		}
	}
}

// WithStore replaces the default *storage.Manager.
func WithStore(s Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLogger sets the logger. A nil logger discards.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New is the constructor for Base. refresher performs refresh token exchanges.
func New(clientID string, authorityURI string, refresher Refresher, options ...Option) (Client, error) {
	if clientID == "" {
		return Client{}, msalerrors.NewClientError(msalerrors.InvalidParameters, "client id is required")
	}
	if refresher == nil {
		return Client{}, errors.New("a refresher is required")
	}
	authInfo, err := authority.NewInfoFromAuthorityURI(authorityURI)
	if err != nil {
		return Client{}, msalerrors.NewClientError(msalerrors.InvalidParameters, "%s", err)
	}
	// Note: Client is a value type. Every request copies AuthParams, so nothing a request
	// changes is seen by another.
	client := Client{
		AuthParams:      authority.NewAuthParams(clientID, authInfo),
		refresher:       refresher,
		cacheAccessorMu: &sync.RWMutex{},
	}
	for _, o := range options {
		o(&client)
	}
	if client.store == nil {
		client.store = storage.New()
	}
	return client, nil
}

// requestParams copies the client's AuthParams for one request, optionally against another authority.
func (b Client) requestParams(authorityURI string) (authority.AuthParams, error) {
	params := b.AuthParams
	params.CorrelationID = uuid.New().String()
	if authorityURI != "" {
		info, err := authority.NewInfoFromAuthorityURI(authorityURI)
		if err != nil {
			return authority.AuthParams{}, msalerrors.NewClientError(msalerrors.InvalidParameters, "%s", err)
		}
		params.AuthorityInfo = info
	}
	return params, nil
}

// AcquireTokenSilent serves a cached access token covering silent.Scopes, or redeems the
// account's refresh token for a new one.
func (b Client) AcquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters) (AuthResult, error) {
	if err := silent.Validate(); err != nil {
		return AuthResult{}, err
	}
	authParams, err := b.requestParams(silent.Authority)
	if err != nil {
		return AuthResult{}, err
	}
	authParams.Scopes = silent.Scopes
	authParams.AuthorizationType = authority.ATRefreshToken

	b.trace(ctx, stateStart, authParams)
	var (
		result AuthResult
		served bool
		rt     storage.RefreshToken
	)
	err = b.read(ctx, func() error {
		account, err := cachekey.ResolveAccount(silent.Account, b.store.Accounts(authParams.ClientID))
		if err != nil {
			return err
		}
		authParams.HomeAccountID = account.HomeAccountID
		b.trace(ctx, stateAccountResolved, authParams)
		q := cachekey.NewQuery(authParams)

		if !silent.ForceRefresh {
			b.trace(ctx, stateAccessTokenLookup, authParams)
			at, err := b.store.AccessToken(q)
			switch {
			case err == nil:
				result, err = b.fromCache(q, at, account)
				served = err == nil
				return err
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		b.trace(ctx, stateNeedsRefresh, authParams, logger.Field("force_refresh", silent.ForceRefresh))
		rt, err = b.store.RefreshToken(q)
		if errors.Is(err, storage.ErrNotFound) {
			return msalerrors.NewClientError(msalerrors.NoTokensFound, "no refresh token for account %s", account.HomeAccountID)
		}
		return err
	})
	if err != nil {
		return AuthResult{}, b.fail(ctx, authParams, err)
	}
	if served {
		result.Metadata.CorrelationID = authParams.CorrelationID
		b.trace(ctx, stateServe, authParams)
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return AuthResult{}, err
	}

	b.trace(ctx, stateRefreshInFlight, authParams)
	token, err := b.refresher.Refresh(ctx, oauth.RefreshParams{AuthParams: authParams, RefreshToken: rt.Secret})
	if err != nil {
		var ig *msalerrors.InvalidGrantError
		if errors.As(err, &ig) {
			removeErr := b.update(ctx, func() error {
				b.store.Remove(rt)
				return nil
			})
			if removeErr != nil {
				b.logger.Log(ctx, logger.Warn, "persisting refresh token removal failed", logger.Field("error", removeErr.Error()))
			}
		}
		return AuthResult{}, b.fail(ctx, authParams, err)
	}
	// A result that arrives after cancellation is never written.
	if err := ctx.Err(); err != nil {
		b.trace(ctx, stateFailed, authParams, logger.Field("error", err.Error()))
		return AuthResult{}, err
	}

	result, err = b.write(ctx, authParams, token)
	if err != nil {
		return AuthResult{}, b.fail(ctx, authParams, err)
	}
	b.trace(ctx, stateServed, authParams)
	return result, nil
}

func (b Client) fromCache(q cachekey.Query, at storage.AccessToken, account shared.Account) (AuthResult, error) {
	idt, err := b.store.IDToken(q)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return AuthResult{}, err
	}
	return AuthResultFromStorage(at, idt, account)
}

// AuthResultFromToken persists the result of an interactive flow and returns it as an AuthResult.
func (b Client) AuthResultFromToken(ctx context.Context, authParams authority.AuthParams, token accesstokens.TokenResponse) (AuthResult, error) {
	return b.write(ctx, authParams, token)
}

// write merges token into the latest persisted cache and persists the result.
func (b Client) write(ctx context.Context, authParams authority.AuthParams, token accesstokens.TokenResponse) (AuthResult, error) {
	var account shared.Account
	err := b.update(ctx, func() error {
		var err error
		account, err = b.store.Write(authParams, token)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	result := NewAuthResult(token, account)
	result.Metadata.CorrelationID = authParams.CorrelationID
	return result, nil
}

// Accounts returns the accounts visible to this client.
func (b Client) Accounts(ctx context.Context) ([]shared.Account, error) {
	var accounts []shared.Account
	err := b.read(ctx, func() error {
		accounts = b.store.Accounts(b.AuthParams.ClientID)
		return nil
	})
	return accounts, err
}

// RemoveAccount removes every credential of account.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	if account.HomeAccountID == "" {
		return msalerrors.NewClientError(msalerrors.InvalidParameters, "account has no home account id")
	}
	return b.update(ctx, func() error {
		b.store.RemoveAccount(account)
		return nil
	})
}

// Clear deletes every cached credential.
func (b Client) Clear(ctx context.Context) error {
	b.cacheAccessorMu.Lock()
	defer b.cacheAccessorMu.Unlock()
	b.store.Clear()
	return b.export(ctx)
}

// read loads the persisted cache and runs fn before any writer can replace it.
func (b Client) read(ctx context.Context, fn func() error) error {
	b.cacheAccessorMu.RLock()
	defer b.cacheAccessorMu.RUnlock()
	if err := b.replace(ctx); err != nil {
		return err
	}
	return fn()
}

// update loads the persisted cache, applies fn and persists the result as one step. Nothing
// is persisted when fn fails.
func (b Client) update(ctx context.Context, fn func() error) error {
	b.cacheAccessorMu.Lock()
	defer b.cacheAccessorMu.Unlock()
	if err := b.replace(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return b.export(ctx)
}

// replace loads the persisted cache, if one is configured. Callers hold cacheAccessorMu.
func (b Client) replace(ctx context.Context) error {
	s, ok := b.store.(cache.Serializer)
	if b.cacheAccessor == nil || !ok {
		return nil
	}
	if err := b.cacheAccessor.Replace(ctx, s, cache.ReplaceHints{PartitionKey: b.AuthParams.ClientID}); err != nil {
		return fmt.Errorf("loading persisted cache: %w", err)
	}
	return nil
}

// export persists the cache, if a persistent cache is configured. Callers hold cacheAccessorMu
// for writing.
func (b Client) export(ctx context.Context) error {
	s, ok := b.store.(cache.Serializer)
	if b.cacheAccessor == nil || !ok {
		return nil
	}
	if err := b.cacheAccessor.Export(ctx, s, cache.ExportHints{PartitionKey: b.AuthParams.ClientID}); err != nil {
		return fmt.Errorf("persisting cache: %w", err)
	}
	return nil
}

func (b Client) trace(ctx context.Context, s state, authParams authority.AuthParams, fields ...any) {
	fields = append([]any{
		logger.Field("state", string(s)),
		logger.Field("correlation_id", authParams.CorrelationID),
		logger.Field("home_account_id", authParams.HomeAccountID),
		logger.Field("scopes", cachekey.Normalize(authParams.Scopes).String()),
		logger.Field("realm", authParams.AuthorityInfo.Realm()),
	}, fields...)
	b.logger.Log(ctx, logger.Debug, "silent flow", fields...)
}

// fail logs err and returns it. Invariant violations are logged at error level.
func (b Client) fail(ctx context.Context, authParams authority.AuthParams, err error) error {
	var ie *msalerrors.InvariantError
	if errors.As(err, &ie) {
		b.logger.Log(ctx, logger.Err, "token cache invariant violated",
			logger.Field("correlation_id", authParams.CorrelationID),
			logger.Field("error", err.Error()),
		)
	}
	b.trace(ctx, stateFailed, authParams, logger.Field("error", err.Error()))
	return err
}
