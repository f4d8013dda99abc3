// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package accesstokens holds the token endpoint response model shared by the refresh
// exchange and interactive result persistence.
package accesstokens

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	internalTime "github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/json/types/time"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
)

// TokenResponseJSONPayload is the body of a successful token endpoint response.
type TokenResponseJSONPayload struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	ExpiresIn    internalTime.Seconds `json:"expires_in"`
	ExtExpiresIn internalTime.Seconds `json:"ext_expires_in"`
	Foci         string               `json:"foci"`
	Scope        string               `json:"scope"`
	IDToken      string               `json:"id_token"`
	ClientInfo   string               `json:"client_info"`
}

// ClientInfo is the decoded client_info parameter. It is used to create a home account id.
type ClientInfo struct {
	UID  string `json:"uid"`
	Utid string `json:"utid"`
}

// NewClientInfo decodes a base64url encoded client_info value.
func NewClientInfo(raw string) (ClientInfo, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return ClientInfo{}, fmt.Errorf("client_info is not base64url: %w", err)
	}
	ci := ClientInfo{}
	if err := json.Unmarshal(b, &ci); err != nil {
		return ClientInfo{}, fmt.Errorf("client_info is not a JSON object: %w", err)
	}
	return ci, nil
}

// HomeAccountID returns uid.utid, or "" if either part is missing.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" || c.Utid == "" {
		return ""
	}
	return c.UID + "." + c.Utid
}

// IDToken consists of the ID token claims the cache needs. The signature is never verified:
// the token came straight from the token endpoint over TLS and is only read for display and
// account identity.
type IDToken struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`
	// TrustFrameworkPolicy is the B2C user flow the token was issued under.
	TrustFrameworkPolicy string `json:"tfp,omitempty"`

	RawToken string `json:"-"`
}

// NewIDToken creates an ID token instance from a JWT.
func NewIDToken(raw string) (IDToken, error) {
	idt := IDToken{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &idt); err != nil {
		return IDToken{}, fmt.Errorf("id token returned from server is invalid: %w", err)
	}
	idt.RawToken = raw
	return idt, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i.RawToken == ""
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// Username is the display name used for an account; it never identifies one.
func (i IDToken) Username() string {
	switch {
	case i.PreferredUsername != "":
		return i.PreferredUsername
	case i.UPN != "":
		return i.UPN
	}
	return i.Email
}

// TokenResponse is the information that is returned from a token endpoint during a token acquisition flow.
type TokenResponse struct {
	AccessToken    string
	RefreshToken   string
	IDToken        IDToken
	FamilyID       string
	GrantedScopes  cachekey.Scopes
	DeclinedScopes []string
	ExpiresOn      time.Time
	ExtExpiresOn   time.Time
	RawClientInfo  string
	ClientInfo     ClientInfo
}

// NewTokenResponse creates a TokenResponse from a token endpoint payload. now is the time the
// response was received; relative lifetimes are anchored to it.
func NewTokenResponse(params authority.AuthParams, payload TokenResponseJSONPayload, now time.Time) (TokenResponse, error) {
	if payload.AccessToken == "" {
		return TokenResponse{}, errors.New("response is missing access_token")
	}

	clientInfo := ClientInfo{}
	if payload.ClientInfo != "" {
		ci, err := NewClientInfo(payload.ClientInfo)
		if err != nil {
			return TokenResponse{}, err
		}
		clientInfo = ci
	}

	// ID tokens aren't always returned, which is not a reportable error condition.
	var idToken IDToken
	if payload.IDToken != "" {
		idt, err := NewIDToken(payload.IDToken)
		if err != nil {
			return TokenResponse{}, err
		}
		idToken = idt
	}

	requested := cachekey.Normalize(params.Scopes)
	var (
		granted  cachekey.Scopes
		declined []string
	)
	if strings.TrimSpace(payload.Scope) == "" {
		// RFC 6749 section 3.3: an absent scope means the requested scopes were granted.
		granted = requested
	} else {
		granted = cachekey.Parse(payload.Scope)
		declined = findDeclinedScopes(requested, granted)
	}

	extExpiresIn := payload.ExtExpiresIn
	if extExpiresIn == 0 {
		extExpiresIn = payload.ExpiresIn
	}

	return TokenResponse{
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		IDToken:        idToken,
		FamilyID:       payload.Foci,
		GrantedScopes:  granted,
		DeclinedScopes: declined,
		ExpiresOn:      now.Add(payload.ExpiresIn.Duration()).UTC(),
		ExtExpiresOn:   now.Add(extExpiresIn.Duration()).UTC(),
		RawClientInfo:  payload.ClientInfo,
		ClientInfo:     clientInfo,
	}, nil
}

// HasRefreshToken checks if the TokenResponse has a refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return tr.RefreshToken != ""
}

// HomeAccountID derives the account's home id from client_info, falling back to the ID token.
func (tr TokenResponse) HomeAccountID() string {
	if id := tr.ClientInfo.HomeAccountID(); id != "" {
		return id
	}
	local := tr.IDToken.LocalAccountID()
	if local == "" || tr.IDToken.TenantID == "" {
		return local
	}
	return local + "." + tr.IDToken.TenantID
}

// Validate reports whether tr can be stored.
func (tr TokenResponse) Validate() error {
	if tr.AccessToken == "" {
		return errors.New("response is missing access_token")
	}
	if tr.ExpiresOn.IsZero() {
		return errors.New("response has no expiry")
	}
	if tr.HomeAccountID() == "" {
		return errors.New("response carries neither client_info nor an ID token subject")
	}
	return nil
}

func findDeclinedScopes(requested, granted cachekey.Scopes) []string {
	var declined []string
	for _, r := range requested.WithoutReserved() {
		if !granted.Covers(cachekey.Scopes{r}) {
			declined = append(declined, r)
		}
	}
	return declined
}
