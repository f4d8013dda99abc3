// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth exchanges refresh tokens at an authority's token endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	msalerrors "github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	internalTime "github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/json/types/time"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
)

const invalidGrant = "invalid_grant"

// reservedScopes are sent with every refresh so the response carries an ID token and a new
// refresh token.
var reservedScopes = []string{"openid", "profile", "offline_access"}

// ResolveEndpointer resolves the endpoints of an authority.
type ResolveEndpointer interface {
	Endpoints(ctx context.Context, info authority.Info) (authority.Endpoints, error)
}

// RefreshParams are the inputs of a refresh token exchange.
type RefreshParams struct {
	AuthParams   authority.AuthParams
	RefreshToken string
}

// Client exchanges refresh tokens. It implements the refresh collaborator used by base.Client.
type Client struct {
	httpClient *http.Client
	resolver   ResolveEndpointer
	now        func() time.Time
}

// New is the constructor for Client. httpClient may be nil to use http.DefaultClient.
func New(httpClient *http.Client, resolver ResolveEndpointer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, resolver: resolver, now: time.Now}
}

// Refresh redeems params.RefreshToken for new tokens covering params.AuthParams.Scopes.
//
// A rejected grant returns *errors.InvalidGrantError. Any other failure returns errors.CallErr,
// except cancellation, which returns the context's error.
func (c *Client) Refresh(ctx context.Context, params RefreshParams) (accesstokens.TokenResponse, error) {
	if err := ctx.Err(); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	if params.RefreshToken == "" {
		return accesstokens.TokenResponse{}, errors.New("refresh token is empty")
	}
	if params.AuthParams.CorrelationID == "" {
		params.AuthParams.CorrelationID = uuid.New().String()
	}

	endpoints, err := c.endpoints(ctx, params.AuthParams.AuthorityInfo)
	if err != nil {
		if ctx.Err() != nil {
			return accesstokens.TokenResponse{}, ctx.Err()
		}
		return accesstokens.TokenResponse{}, msalerrors.CallErr{Err: fmt.Errorf("resolving endpoints: %w", err)}
	}

	cfg := oauth2.Config{
		ClientID: params.AuthParams.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizationEndpoint,
			TokenURL:  endpoints.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	scopes := append(cachekey.Normalize(params.AuthParams.Scopes).WithoutReserved(), reservedScopes...)
	form := url.Values{
		"scope":       {strings.Join(scopes, cachekey.ScopeSeparator)},
		"client_info": {"1"},
	}
	header := http.Header{"client-request-id": {params.AuthParams.CorrelationID}}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.augmented(form, header))

	start := c.now()
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: params.RefreshToken}).Token()
	if err != nil {
		if ctx.Err() != nil {
			return accesstokens.TokenResponse{}, ctx.Err()
		}
		return accesstokens.TokenResponse{}, classify(err, params.AuthParams.CorrelationID)
	}

	resp, err := accesstokens.NewTokenResponse(params.AuthParams, payloadFromToken(tok, start), start)
	if err != nil {
		return accesstokens.TokenResponse{}, msalerrors.CallErr{Err: fmt.Errorf("token endpoint returned an unusable response: %w", err)}
	}
	return resp, nil
}

func (c *Client) endpoints(ctx context.Context, info authority.Info) (authority.Endpoints, error) {
	if c.resolver == nil {
		return authority.StaticEndpoints(info), nil
	}
	return c.resolver.Endpoints(ctx, info)
}

// augmented returns a copy of the configured HTTP client whose requests carry form and header.
func (c *Client) augmented(form url.Values, header http.Header) *http.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.httpClient
	hc.Transport = &formTransport{base: base, form: form, header: header}
	return &hc
}

// classify maps an exchange failure onto the error taxonomy.
func classify(err error, correlationID string) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return msalerrors.CallErr{Err: err}
	}
	var body struct {
		SubError string `json:"suberror"`
	}
	_ = json.Unmarshal(re.Body, &body)

	if re.ErrorCode == invalidGrant {
		return &msalerrors.InvalidGrantError{
			ErrorCode:     re.ErrorCode,
			SubError:      body.SubError,
			Description:   re.ErrorDescription,
			CorrelationID: correlationID,
			Err:           err,
		}
	}
	callErr := msalerrors.CallErr{Resp: re.Response, Err: err}
	if re.Response != nil {
		callErr.Req = re.Response.Request
	}
	return callErr
}

// payloadFromToken recovers the token endpoint fields oauth2.Token doesn't model.
func payloadFromToken(tok *oauth2.Token, start time.Time) accesstokens.TokenResponseJSONPayload {
	p := accesstokens.TokenResponseJSONPayload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    internalTime.Seconds(tok.ExpiresIn),
		ExtExpiresIn: internalTime.Seconds(extraInt(tok, "ext_expires_in")),
		Foci:         extraString(tok, "foci"),
		Scope:        extraString(tok, "scope"),
		IDToken:      extraString(tok, "id_token"),
		ClientInfo:   extraString(tok, "client_info"),
	}
	if p.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		p.ExpiresIn = internalTime.Seconds(tok.Expiry.Sub(start).Seconds())
	}
	return p
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		_, _ = fmt.Sscan(v, &n)
		return n
	}
	return 0
}

// formTransport adds form parameters and headers to token requests.
type formTransport struct {
	base   http.RoundTripper
	form   url.Values
	header http.Header
}

func (t *formTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.header {
		r.Header[k] = v
	}
	if req.Body != nil && req.Method == http.MethodPost {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(b))
		if err != nil {
			return nil, fmt.Errorf("token request body is not a form: %w", err)
		}
		for k, v := range t.form {
			form[k] = v
		}
		encoded := form.Encode()
		r.Body = io.NopCloser(strings.NewReader(encoded))
		r.ContentLength = int64(len(encoded))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(encoded)), nil
		}
	}
	return t.base.RoundTrip(r)
}
