// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	msalerrors "github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/internal/mock"
)

type fakeResolver struct {
	err bool
}

func (f fakeResolver) Endpoints(ctx context.Context, info authority.Info) (authority.Endpoints, error) {
	if f.err {
		return authority.Endpoints{}, errors.New("discovery failed")
	}
	return authority.StaticEndpoints(info), nil
}

func refreshParams(t *testing.T, scopes ...string) RefreshParams {
	t.Helper()
	info, err := authority.NewInfoFromAuthorityURI("https://login.microsoftonline.com/contoso")
	if err != nil {
		t.Fatal(err)
	}
	p := authority.NewAuthParams("client-id", info)
	p.Scopes = scopes
	return RefreshParams{AuthParams: p, RefreshToken: "rt-secret"}
}

func TestRefreshSuccess(t *testing.T) {
	params := refreshParams(t, "User.Read")

	var (
		gotForm   url.Values
		gotHeader string
		gotURL    string
	)
	m := mock.NewClient()
	m.AppendResponse(
		mock.WithCallback(func(r *http.Request) {
			gotURL = r.URL.String()
			gotHeader = r.Header.Get("client-request-id")
			b, _ := io.ReadAll(r.Body)
			gotForm, _ = url.ParseQuery(string(b))
		}),
		mock.WithBody(mock.GetAccessTokenBody(mock.TokenBody{
			AccessToken:  "at",
			RefreshToken: "rt-rotated",
			IDToken:      mock.GetIDToken("oid", "tid", "user@contoso.com"),
			ClientInfo:   mock.GetClientInfo("uid", "utid"),
			Scope:        "user.read openid profile",
			ExpiresIn:    3600,
		})),
	)

	c := New(m.HTTPClient(), fakeResolver{})
	resp, err := c.Refresh(context.Background(), params)
	if err != nil {
		t.Fatalf("TestRefreshSuccess: got err == %s, want err == nil", err)
	}

	if gotURL != "https://login.microsoftonline.com/contoso/oauth2/v2.0/token" {
		t.Errorf("TestRefreshSuccess: posted to %s", gotURL)
	}
	if gotHeader != params.AuthParams.CorrelationID {
		t.Errorf("TestRefreshSuccess: got client-request-id %q, want %q", gotHeader, params.AuthParams.CorrelationID)
	}
	wantForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rt-secret"},
		"client_id":     {"client-id"},
		"scope":         {"user.read openid profile offline_access"},
		"client_info":   {"1"},
	}
	if diff := pretty.Compare(wantForm, gotForm); diff != "" {
		t.Errorf("TestRefreshSuccess: form -want/+got:\n%s", diff)
	}

	if resp.AccessToken != "at" || resp.RefreshToken != "rt-rotated" {
		t.Errorf("TestRefreshSuccess: got tokens %q/%q", resp.AccessToken, resp.RefreshToken)
	}
	if resp.HomeAccountID() != "uid.utid" {
		t.Errorf("TestRefreshSuccess: got home account id %q", resp.HomeAccountID())
	}
	if resp.IDToken.Username() != "user@contoso.com" {
		t.Errorf("TestRefreshSuccess: got username %q", resp.IDToken.Username())
	}
	if resp.GrantedScopes.String() != "openid profile user.read" {
		t.Errorf("TestRefreshSuccess: got granted scopes %q", resp.GrantedScopes)
	}
	if resp.ExpiresOn.IsZero() {
		t.Errorf("TestRefreshSuccess: ExpiresOn not set")
	}
}

func TestRefreshErrors(t *testing.T) {
	tests := []struct {
		desc     string
		resolver fakeResolver
		resp     []mock.ResponseOption
		check    func(error) bool
	}{
		{
			desc:     "endpoint resolution fails",
			resolver: fakeResolver{err: true},
			check: func(err error) bool {
				var ce msalerrors.CallErr
				return errors.As(err, &ce)
			},
		},
		{
			desc: "invalid grant",
			resp: []mock.ResponseOption{
				mock.WithHTTPStatusCode(http.StatusBadRequest),
				mock.WithBody(mock.GetErrorBody("invalid_grant", "bad_token", "AADSTS70000: token revoked")),
			},
			check: func(err error) bool {
				var ig *msalerrors.InvalidGrantError
				return errors.As(err, &ig) && ig.SubError == "bad_token" && ig.CorrelationID != ""
			},
		},
		{
			desc: "other server error",
			resp: []mock.ResponseOption{
				mock.WithHTTPStatusCode(http.StatusBadRequest),
				mock.WithBody(mock.GetErrorBody("invalid_scope", "", "scope not allowed")),
			},
			check: func(err error) bool {
				var ce msalerrors.CallErr
				var ig *msalerrors.InvalidGrantError
				return errors.As(err, &ce) && !errors.As(err, &ig)
			},
		},
		{
			desc: "server unavailable",
			resp: []mock.ResponseOption{
				mock.WithHTTPStatusCode(http.StatusServiceUnavailable),
			},
			check: func(err error) bool {
				var ce msalerrors.CallErr
				return errors.As(err, &ce)
			},
		},
		{
			desc: "transport failure",
			resp: []mock.ResponseOption{
				mock.WithTransportError(errors.New("connection reset")),
			},
			check: func(err error) bool {
				var ce msalerrors.CallErr
				return errors.As(err, &ce)
			},
		},
		{
			desc: "response without access token",
			resp: []mock.ResponseOption{
				mock.WithBody([]byte(`{"token_type":"Bearer"}`)),
			},
			check: func(err error) bool {
				var ce msalerrors.CallErr
				return errors.As(err, &ce)
			},
		},
	}

	for _, test := range tests {
		m := mock.NewClient()
		if test.resp != nil {
			m.AppendResponse(test.resp...)
		}
		_, err := New(m.HTTPClient(), test.resolver).Refresh(context.Background(), refreshParams(t, "user.read"))
		if err == nil {
			t.Errorf("TestRefreshErrors(%s): got err == nil, want err != nil", test.desc)
			continue
		}
		if !test.check(err) {
			t.Errorf("TestRefreshErrors(%s): unexpected error type %T: %s", test.desc, err, err)
		}
	}
}

func TestRefreshCanceled(t *testing.T) {
	m := mock.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(m.HTTPClient(), fakeResolver{}).Refresh(ctx, refreshParams(t, "user.read"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("TestRefreshCanceled: got err == %v, want context.Canceled", err)
	}
	if m.Calls() != 0 {
		t.Errorf("TestRefreshCanceled: made %d calls, want 0", m.Calls())
	}
}
