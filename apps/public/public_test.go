// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	msalerrors "github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/base"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/base/storage"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/internal/mock"
)

const (
	fakeClientID = "fake-client-id"
	signInPolicy = "https://fabrikam.b2clogin.com/fabrikam.onmicrosoft.com/b2c_1_signin"
	fakeUsername = "user@fabrikam.com"
)

// exchanger counts refresh token exchanges and answers each with a new access token.
type exchanger struct {
	mu    sync.Mutex
	calls []oauth.RefreshParams
	// block, when set, holds every exchange until ctx is done.
	block bool
}

func (e *exchanger) Refresh(ctx context.Context, p oauth.RefreshParams) (accesstokens.TokenResponse, error) {
	e.mu.Lock()
	e.calls = append(e.calls, p)
	n := len(e.calls)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return accesstokens.TokenResponse{}, ctx.Err()
	}
	return accesstokens.NewTokenResponse(p.AuthParams, accesstokens.TokenResponseJSONPayload{
		AccessToken: fmt.Sprintf("refreshed-%d", n),
		ExpiresIn:   3600,
		IDToken:     mock.GetIDToken("oid", "utid", fakeUsername),
		ClientInfo:  mock.GetClientInfo("uid", "utid"),
	}, time.Now())
}

func (e *exchanger) refreshTokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	rts := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		rts = append(rts, c.RefreshToken)
	}
	return rts
}

func interactiveResponse(at, rt string) TokenResponse {
	return TokenResponse{
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresIn:    3600,
		IDToken:      mock.GetIDToken("oid", "utid", fakeUsername),
		ClientInfo:   mock.GetClientInfo("uid", "utid"),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		desc    string
		options []Option
		wantErr bool
	}{
		{desc: "defaults"},
		{desc: "b2c policy", options: []Option{WithAuthority(signInPolicy)}},
		{desc: "http authority", options: []Option{WithAuthority("http://login.microsoftonline.com/tenant")}, wantErr: true},
		{desc: "negative leeway", options: []Option{WithExpiryLeeway(-time.Second)}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := New(fakeClientID, test.options...)
			if (err != nil) != test.wantErr {
				t.Fatalf("got err %v, want error: %t", err, test.wantErr)
			}
		})
	}
	if _, err := New(""); !errors.Is(err, msalerrors.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for an empty client id, got %v", err)
	}
}

// TestSilentLifecycle walks one account through cache hits, forced refresh, refresh after
// the access token is gone, and a cleared cache.
func TestSilentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.New()
	ex := &exchanger{}
	client, err := New(fakeClientID, WithAuthority(signInPolicy), WithStore(store), WithRefresher(ex))
	if err != nil {
		t.Fatal(err)
	}

	signedIn, err := client.AddInteractiveResult(ctx, []string{"a", "b", "c"}, interactiveResponse("at1", "rt1"))
	if err != nil {
		t.Fatal(err)
	}
	account := signedIn.Account
	if account.HomeAccountID != "uid.utid" {
		t.Fatalf("unexpected home account id %q", account.HomeAccountID)
	}

	cached, err := client.AcquireTokenSilent(ctx, []string{"a", "b"}, WithSilentAccount(account))
	if err != nil {
		t.Fatal(err)
	}
	if cached.AccessToken != "at1" || cached.Metadata.TokenSource != base.TokenSourceCache {
		t.Fatalf("expected at1 from the cache, got %q from %v", cached.AccessToken, cached.Metadata.TokenSource)
	}
	if n := len(ex.refreshTokens()); n != 0 {
		t.Fatalf("expected no exchange, got %d", n)
	}

	forced, err := client.AcquireTokenSilent(ctx, []string{"a", "b"}, WithSilentAccount(account), WithForceRefresh())
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]string{"rt1"}, ex.refreshTokens()); diff != "" {
		t.Fatalf("exchanges (-want +got):\n%s", diff)
	}
	if forced.AccessToken == "at1" || forced.Metadata.TokenSource != base.TokenSourceIdentityProvider {
		t.Fatalf("expected a new token from the identity provider, got %q", forced.AccessToken)
	}

	// Drop every access token for the account, leaving the refresh token.
	info, err := authority.NewInfoFromAuthorityURI(signInPolicy)
	if err != nil {
		t.Fatal(err)
	}
	params := authority.NewAuthParams(fakeClientID, info)
	params.HomeAccountID = account.HomeAccountID
	params.Scopes = []string{"a", "b"}
	for {
		at, err := store.AccessToken(cachekey.NewQuery(params))
		if err != nil {
			break
		}
		store.Remove(at)
	}

	refreshed, err := client.AcquireTokenSilent(ctx, []string{"a", "b"}, WithSilentAccount(account))
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]string{"rt1", "rt1"}, ex.refreshTokens()); diff != "" {
		t.Fatalf("exchanges (-want +got):\n%s", diff)
	}
	if refreshed.AccessToken != "refreshed-2" {
		t.Fatalf("expected refreshed-2, got %q", refreshed.AccessToken)
	}

	if err := client.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = client.AcquireTokenSilent(ctx, []string{"a", "b"}, WithSilentAccount(account))
	if !errors.Is(err, msalerrors.ErrNoTokensFound) {
		t.Fatalf("expected ErrNoTokensFound, got %v", err)
	}
	if n := len(ex.refreshTokens()); n != 2 {
		t.Fatalf("expected no further exchange, got %d total", n)
	}
}

func TestSilentAuthorityOverride(t *testing.T) {
	ctx := context.Background()
	ex := &exchanger{}
	client, err := New(fakeClientID, WithAuthority(signInPolicy), WithRefresher(ex))
	if err != nil {
		t.Fatal(err)
	}
	editPolicy := "https://fabrikam.b2clogin.com/fabrikam.onmicrosoft.com/b2c_1_edit"
	if _, err := client.AddInteractiveResult(ctx, []string{"a"}, interactiveResponse("at-edit", "rt1"), WithInteractiveAuthority(editPolicy)); err != nil {
		t.Fatal(err)
	}

	// The sign-in policy has no access token of its own, so the shared refresh token is used.
	res, err := client.AcquireTokenSilent(ctx, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "refreshed-1" {
		t.Fatalf("expected a refreshed token for the sign-in policy, got %q", res.AccessToken)
	}
	// Both policies share one account record, so the account is still implied.
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Realm != "fabrikam.onmicrosoft.com" {
		t.Fatalf("expected one tenant account for both policies, got %v", accounts)
	}
	res, err = client.AcquireTokenSilent(ctx, []string{"a"}, WithSilentAuthority(editPolicy))
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "at-edit" {
		t.Fatalf("expected the edit policy's cached token, got %q", res.AccessToken)
	}
}

func TestPolicySwitchKeepsOneAccount(t *testing.T) {
	ctx := context.Background()
	ex := &exchanger{}
	client, err := New(fakeClientID, WithAuthority(signInPolicy), WithRefresher(ex))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.AddInteractiveResult(ctx, []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
		t.Fatal(err)
	}
	editPolicy := "https://fabrikam.b2clogin.com/fabrikam.onmicrosoft.com/b2c_1_edit"
	edited, err := client.AcquireTokenSilent(ctx, []string{"a"}, WithSilentAuthority(editPolicy))
	if err != nil {
		t.Fatal(err)
	}
	if edited.Metadata.TokenSource != TokenSourceIdentityProvider {
		t.Fatalf("expected a refresh under the edit policy, got source %v", edited.Metadata.TokenSource)
	}

	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected one account for one subject, got %v", accounts)
	}
	res, err := client.AcquireTokenSilent(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("implicit silent acquisition for the only user: %v", err)
	}
	if res.AccessToken != "at1" || res.Account.Key() != accounts[0].Key() {
		t.Fatalf("got %q for account %q", res.AccessToken, res.Account.Key())
	}
	if n := len(ex.refreshTokens()); n != 1 {
		t.Fatalf("expected 1 exchange, got %d", n)
	}
}

func TestAccountsAndRemoveAccount(t *testing.T) {
	ctx := context.Background()
	client, err := New(fakeClientID, WithAuthority(signInPolicy), WithRefresher(&exchanger{}))
	if err != nil {
		t.Fatal(err)
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no accounts, got %d", len(accounts))
	}
	if _, err := client.AddInteractiveResult(ctx, []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
		t.Fatal(err)
	}
	accounts, err = client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].PreferredUsername != fakeUsername {
		t.Fatalf("unexpected accounts %v", accounts)
	}
	if err := client.RemoveAccount(ctx, accounts[0]); err != nil {
		t.Fatal(err)
	}
	_, err = client.AcquireTokenSilent(ctx, []string{"a"})
	if !errors.Is(err, msalerrors.ErrAccountMissing) {
		t.Fatalf("expected ErrAccountMissing, got %v", err)
	}
}

func TestAcquireTokenSilentAsync(t *testing.T) {
	t.Run("result", func(t *testing.T) {
		client, err := New(fakeClientID, WithRefresher(&exchanger{}))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := client.AddInteractiveResult(context.Background(), []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
			t.Fatal(err)
		}
		outcome := <-client.AcquireTokenSilentAsync(context.Background(), []string{"a"})
		if outcome.Err != nil || outcome.Canceled || outcome.Result.AccessToken != "at1" {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	})
	t.Run("error", func(t *testing.T) {
		client, err := New(fakeClientID, WithRefresher(&exchanger{}))
		if err != nil {
			t.Fatal(err)
		}
		outcome := <-client.AcquireTokenSilentAsync(context.Background(), []string{"a"})
		if outcome.Canceled || !errors.Is(outcome.Err, msalerrors.ErrAccountMissing) {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	})
	t.Run("canceled", func(t *testing.T) {
		ex := &exchanger{block: true}
		client, err := New(fakeClientID, WithRefresher(ex))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := client.AddInteractiveResult(context.Background(), []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		ch := client.AcquireTokenSilentAsync(ctx, []string{"a"}, WithForceRefresh())
		for len(ex.refreshTokens()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
		outcome := <-ch
		if !outcome.Canceled || outcome.Err != nil {
			t.Fatalf("expected a canceled outcome, got %+v", outcome)
		}
		if _, ok := <-ch; ok {
			t.Fatal("channel should be closed after the outcome")
		}
		// The cached token is untouched.
		res, err := client.AcquireTokenSilent(context.Background(), []string{"a"})
		if err != nil || res.AccessToken != "at1" {
			t.Fatalf("expected at1 to survive cancellation, got %q, %v", res.AccessToken, err)
		}
	})
	t.Run("deadline", func(t *testing.T) {
		client, err := New(fakeClientID, WithRefresher(&exchanger{block: true}))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := client.AddInteractiveResult(context.Background(), []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		outcome := <-client.AcquireTokenSilentAsync(ctx, []string{"a"}, WithForceRefresh())
		if outcome.Canceled || !errors.Is(outcome.Err, context.DeadlineExceeded) {
			t.Fatalf("expected a deadline error, got %+v", outcome)
		}
	})
}

// TestRefreshOverHTTP exercises the default refresher against a mocked token endpoint.
func TestRefreshOverHTTP(t *testing.T) {
	ctx := context.Background()
	m := mock.NewClient()
	client, err := New(fakeClientID,
		WithAuthority(signInPolicy),
		WithHTTPClient(m.HTTPClient()),
		WithInstanceDiscovery(false),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.AddInteractiveResult(ctx, []string{"a"}, interactiveResponse("at1", "rt1")); err != nil {
		t.Fatal(err)
	}

	var gotURL, gotRT string
	m.AppendResponse(
		mock.WithBody(mock.GetAccessTokenBody(mock.TokenBody{
			AccessToken:  "at2",
			RefreshToken: "rt2",
			IDToken:      mock.GetIDToken("oid", "utid", fakeUsername),
			ClientInfo:   mock.GetClientInfo("uid", "utid"),
			Scope:        "a",
			ExpiresIn:    3600,
		})),
		mock.WithCallback(func(r *http.Request) {
			gotURL = r.URL.String()
			if err := r.ParseForm(); err == nil {
				gotRT = r.PostForm.Get("refresh_token")
			}
		}),
	)
	res, err := client.AcquireTokenSilent(ctx, []string{"a"}, WithForceRefresh())
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "at2" {
		t.Fatalf("expected at2, got %q", res.AccessToken)
	}
	if want := signInPolicy + "/oauth2/v2.0/token"; gotURL != want {
		t.Fatalf("token request went to %q, want %q", gotURL, want)
	}
	if gotRT != "rt1" {
		t.Fatalf("expected rt1 to be redeemed, got %q", gotRT)
	}

	m.AppendResponse(
		mock.WithHTTPStatusCode(http.StatusBadRequest),
		mock.WithBody(mock.GetErrorBody("invalid_grant", "bad_token", "refresh token revoked")),
	)
	_, err = client.AcquireTokenSilent(ctx, []string{"a"}, WithForceRefresh())
	var ig *msalerrors.InvalidGrantError
	if !errors.As(err, &ig) {
		t.Fatalf("expected InvalidGrantError, got %v", err)
	}
	_, err = client.AcquireTokenSilent(ctx, []string{"a"}, WithForceRefresh())
	if !errors.Is(err, msalerrors.ErrNoTokensFound) {
		t.Fatalf("expected the rejected refresh token to be gone, got %v", err)
	}
	if m.Calls() != 2 {
		t.Fatalf("expected 2 token requests, got %d", m.Calls())
	}
}
