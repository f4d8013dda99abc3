// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for a native public client application. It keeps the
tokens produced by interactive sign-ins in a cache and serves later requests silently,
either from that cache or by redeeming the cached refresh token.

The interactive sign-in itself happens elsewhere (a browser, a broker, a platform web view).
Its token endpoint response is handed to AddInteractiveResult, after which AcquireTokenSilent
can be used until the refresh token stops working.

A client for an Azure AD B2C tenant uses the policy authority:

	client, err := public.New("client_id", public.WithAuthority("https://fabrikam.b2clogin.com/fabrikam.onmicrosoft.com/b2c_1_signin"))
*/
package public

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/cache"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/base"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/base/storage"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/logger"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// AuthResult contains the results of one token acquisition operation.
// For details see https://aka.ms/msal-net-authenticationresult
type AuthResult = base.AuthResult

// TokenSource is where an AuthResult's access token came from.
type TokenSource = base.TokenSource

const (
	TokenSourceCache            = base.TokenSourceCache
	TokenSourceIdentityProvider = base.TokenSourceIdentityProvider
)

// Account is a user known to the cache.
type Account = shared.Account

// TokenResponse is the JSON body an authorization code or device code redemption returned.
type TokenResponse = accesstokens.TokenResponseJSONPayload

// Store is the credential cache a Client reads and writes.
type Store = base.Store

// Refresher redeems refresh tokens.
type Refresher = base.Refresher

// Options configures the Client's behavior.
type Options struct {
	// Accessor controls cache persistence. By default there is no cache persistence.
	// This can be set with the WithCache() option.
	Accessor cache.ExportReplace

	// The host of the Azure Active Directory authority. The default is https://login.microsoftonline.com/common.
	// This can be changed with the WithAuthority() option.
	Authority string

	// The HTTP client used for discovery and refresh requests.
	// This can be set with the WithHTTPClient() option.
	HTTPClient *http.Client

	// ExpiryLeeway is how long before its expiry a cached access token stops being served.
	ExpiryLeeway time.Duration

	// DisableDiscovery uses the well-known endpoint paths instead of the authority's
	// OpenID configuration.
	DisableDiscovery bool

	logger    *slog.Logger
	store     Store
	refresher Refresher
}

func (p *Options) validate() error {
	if _, err := authority.NewInfoFromAuthorityURI(p.Authority); err != nil {
		return err
	}
	if p.ExpiryLeeway < 0 {
		return errors.New("expiry leeway cannot be negative")
	}
	return nil
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be a valid https url.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache provides an accessor that will read and write authentication data to an externally managed cache.
func WithCache(accessor cache.ExportReplace) Option {
	return func(o *Options) {
		o.Accessor = accessor
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithExpiryLeeway sets how long before expiry a cached access token is treated as expired.
// The default is five minutes. It has no effect together with WithStore.
func WithExpiryLeeway(d time.Duration) Option {
	return func(o *Options) {
		o.ExpiryLeeway = d
	}
}

// WithInstanceDiscovery set to false disables OpenID configuration discovery.
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.DisableDiscovery = !enabled
	}
}

// WithLogger sets the structured logger. By default nothing is logged. Tokens are never logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.logger = l
	}
}

// WithStore replaces the in-memory credential cache.
func WithStore(s Store) Option {
	return func(o *Options) {
		o.store = s
	}
}

// WithRefresher replaces the refresh token exchange performed against the authority's token endpoint.
func WithRefresher(r Refresher) Option {
	return func(o *Options) {
		o.refresher = r
	}
}

// Client is a representation of authentication client for public applications as defined in the
// package doc. For more information, visit https://docs.microsoft.com/azure/active-directory/develop/msal-client-applications.
type Client struct {
	base base.Client
}

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := Options{
		Authority:    base.AuthorityPublicCloud,
		HTTPClient:   http.DefaultClient,
		ExpiryLeeway: storage.DefaultLeeway,
	}
	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return Client{}, err
	}

	store := opts.store
	if store == nil {
		store = storage.New(storage.WithLeeway(opts.ExpiryLeeway))
	}
	refresher := opts.refresher
	if refresher == nil {
		refresher = oauth.New(opts.HTTPClient, authority.NewResolver(opts.HTTPClient, !opts.DisableDiscovery, 0))
	}
	b, err := base.New(clientID, opts.Authority, refresher,
		base.WithStore(store),
		base.WithCacheAccessor(opts.Accessor),
		base.WithLogger(logger.New(opts.logger)),
	)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b}, nil
}

// interactiveOptions are all the optional settings to AddInteractiveResult.
type interactiveOptions struct {
	authority string
}

// InteractiveOption is an optional argument to AddInteractiveResult.
type InteractiveOption func(o *interactiveOptions)

// WithInteractiveAuthority records the result against another authority, for example the B2C
// policy the user signed in with.
func WithInteractiveAuthority(authority string) InteractiveOption {
	return func(o *interactiveOptions) {
		o.authority = authority
	}
}

// AddInteractiveResult caches the token response of an interactive sign-in that requested
// scopes. The cached account and tokens are then available to AcquireTokenSilent.
func (pca Client) AddInteractiveResult(ctx context.Context, scopes []string, resp TokenResponse, options ...InteractiveOption) (AuthResult, error) {
	o := interactiveOptions{}
	for _, opt := range options {
		opt(&o)
	}
	authParams := pca.base.AuthParams
	if o.authority != "" {
		info, err := authority.NewInfoFromAuthorityURI(o.authority)
		if err != nil {
			return AuthResult{}, err
		}
		authParams.AuthorityInfo = info
	}
	authParams.CorrelationID = uuid.New().String()
	authParams.Scopes = scopes
	authParams.AuthorizationType = authority.ATInteractive

	token, err := accesstokens.NewTokenResponse(authParams, resp, time.Now())
	if err != nil {
		return AuthResult{}, err
	}
	return pca.base.AuthResultFromToken(ctx, authParams, token)
}

// acquireTokenSilentOptions are all the optional settings to an AcquireTokenSilent() call.
// These are set by using various AcquireTokenSilentOption functions.
type acquireTokenSilentOptions struct {
	account      Account
	authority    string
	forceRefresh bool
}

// AcquireSilentOption is an optional argument to AcquireTokenSilent.
type AcquireSilentOption func(o *acquireTokenSilentOptions)

// WithSilentAccount uses the passed account during an AcquireTokenSilent() call. Without it
// the cache must hold exactly one account.
func WithSilentAccount(account Account) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.account = account
	}
}

// WithSilentAuthority targets another authority for one call, for example a B2C profile
// editing policy.
func WithSilentAuthority(authority string) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.authority = authority
	}
}

// WithForceRefresh skips the cached access token and always redeems the refresh token.
func WithForceRefresh() AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.forceRefresh = true
	}
}

// AcquireTokenSilent acquires a token from either the cache or using a refresh token.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	o := acquireTokenSilentOptions{}
	for _, opt := range options {
		opt(&o)
	}
	return pca.base.AcquireTokenSilent(ctx, base.AcquireTokenSilentParameters{
		Scopes:       scopes,
		Account:      o.account,
		Authority:    o.authority,
		ForceRefresh: o.forceRefresh,
	})
}

// SilentOutcome is the completion of an AcquireTokenSilentAsync call. Exactly one of
// Result, Err and Canceled is meaningful.
type SilentOutcome struct {
	Result   AuthResult
	Err      error
	Canceled bool
}

// AcquireTokenSilentAsync runs AcquireTokenSilent in its own goroutine. The returned channel
// receives one outcome and is then closed. Canceling ctx yields an outcome with Canceled set;
// a passed deadline is reported as an error.
func (pca Client) AcquireTokenSilentAsync(ctx context.Context, scopes []string, options ...AcquireSilentOption) <-chan SilentOutcome {
	ch := make(chan SilentOutcome, 1)
	go func() {
		defer close(ch)
		result, err := pca.AcquireTokenSilent(ctx, scopes, options...)
		switch {
		case errors.Is(err, context.Canceled):
			ch <- SilentOutcome{Canceled: true}
		case err != nil:
			ch <- SilentOutcome{Err: err}
		default:
			ch <- SilentOutcome{Result: result}
		}
	}()
	return ch
}

// Accounts gets all the accounts in the token cache.
// If there are no accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	return pca.base.Accounts(ctx)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (pca Client) RemoveAccount(ctx context.Context, account Account) error {
	return pca.base.RemoveAccount(ctx, account)
}

// Clear forgets every account and token.
func (pca Client) Clear(ctx context.Context) error {
	return pca.base.Clear(ctx)
}
