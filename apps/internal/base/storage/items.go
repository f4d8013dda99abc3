// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	internalTime "github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/json/types/time"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// Credential types, as written in the credential_type field.
const (
	CredentialTypeAccessToken  = "AccessToken"
	CredentialTypeRefreshToken = "RefreshToken"
	CredentialTypeIDToken      = "IdToken"
)

// Credential is anything the Manager can Put or Remove: AccessToken, RefreshToken, IDToken,
// AppMetaData or shared.Account.
type Credential interface {
	Key() string
}

// Contract is the JSON structure that is written to any storage medium when serializing
// the internal cache. This design is shared between MSAL versions in many languages.
// This cannot be changed without design that includes other SDKs.
type Contract struct {
	AccessTokens  map[string]AccessToken    `json:"AccessToken"`
	RefreshTokens map[string]RefreshToken   `json:"RefreshToken"`
	IDTokens      map[string]IDToken        `json:"IdToken"`
	Accounts      map[string]shared.Account `json:"Account"`
	AppMetaData   map[string]AppMetaData    `json:"AppMetadata"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
		AppMetaData:   map[string]AppMetaData{},
	}
}

// fill replaces nil maps left by decoding a document that omits a section.
func (c *Contract) fill() {
	if c.AccessTokens == nil {
		c.AccessTokens = map[string]AccessToken{}
	}
	if c.RefreshTokens == nil {
		c.RefreshTokens = map[string]RefreshToken{}
	}
	if c.IDTokens == nil {
		c.IDTokens = map[string]IDToken{}
	}
	if c.Accounts == nil {
		c.Accounts = map[string]shared.Account{}
	}
	if c.AppMetaData == nil {
		c.AppMetaData = map[string]AppMetaData{}
	}
}

// AccessToken is the JSON representation of a MSAL access token for encoding to storage.
type AccessToken struct {
	HomeAccountID     string            `json:"home_account_id,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	Realm             string            `json:"realm,omitempty"`
	CredentialType    string            `json:"credential_type,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	Scopes            string            `json:"target,omitempty"`
	ExpiresOn         internalTime.Unix `json:"expires_on"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on"`
	CachedAt          internalTime.Unix `json:"cached_at"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn, extendedExpiresOn time.Time, scopes cachekey.Scopes, token string) AccessToken {
	return AccessToken{
		HomeAccountID:     homeID,
		Environment:       env,
		Realm:             realm,
		CredentialType:    CredentialTypeAccessToken,
		ClientID:          clientID,
		Secret:            token,
		Scopes:            scopes.String(),
		CachedAt:          internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:         internalTime.Unix{T: expiresOn.UTC()},
		ExtendedExpiresOn: internalTime.Unix{T: extendedExpiresOn.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
// The scope component is normalized, so one key exists per exact scope set.
func (a AccessToken) Key() string {
	return cachekey.Key(a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, cachekey.Parse(a.Scopes).String())
}

// Validate reports whether a can be served at now. A token expiring within leeway of now is
// treated as expired.
func (a AccessToken) Validate(now time.Time, leeway time.Duration) error {
	switch {
	case a.CachedAt.IsZero():
		return errors.New("access token does not have CachedAt set")
	case a.CachedAt.T.After(now):
		return errors.New("access token isn't valid, it was cached at a future time")
	case !now.Add(leeway).Before(a.ExpiresOn.T):
		return ErrExpired
	}
	return nil
}

func (a AccessToken) owner() (home, env, realm, client string) {
	return a.HomeAccountID, a.Environment, a.Realm, a.ClientID
}

// RefreshToken is the JSON representation of a MSAL refresh token for encoding to storage.
// It carries no realm or target: one refresh token serves every scope of its client.
type RefreshToken struct {
	HomeAccountID  string            `json:"home_account_id,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	CredentialType string            `json:"credential_type,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	FamilyID       string            `json:"family_id,omitempty"`
	Secret         string            `json:"secret,omitempty"`
	CachedAt       internalTime.Unix `json:"cached_at"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, refreshToken, familyID string, cachedAt time.Time) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         refreshToken,
		CachedAt:       internalTime.Unix{T: cachedAt.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (rt RefreshToken) Key() string {
	return cachekey.Key(rt.HomeAccountID, rt.Environment, rt.CredentialType, rt.ClientID)
}

func (rt RefreshToken) owner() (home, env, realm, client string) {
	return rt.HomeAccountID, rt.Environment, "", rt.ClientID
}

// IDToken is the JSON representation of an MSAL id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string            `json:"home_account_id,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Realm          string            `json:"realm,omitempty"`
	CredentialType string            `json:"credential_type,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	Secret         string            `json:"secret,omitempty"`
	CachedAt       internalTime.Unix `json:"cached_at"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string, cachedAt time.Time) IDToken {
	return IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         idToken,
		CachedAt:       internalTime.Unix{T: cachedAt.UTC()},
	}
}

// IsZero determines if IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i == IDToken{}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (i IDToken) Key() string {
	return cachekey.Key(i.HomeAccountID, i.Environment, i.CredentialType, i.ClientID, i.Realm)
}

func (i IDToken) owner() (home, env, realm, client string) {
	return i.HomeAccountID, i.Environment, i.Realm, i.ClientID
}

// AppMetaData is the JSON representation of application metadata for encoding to storage.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(familyID, clientID, environment string) AppMetaData {
	return AppMetaData{
		FamilyID:    familyID,
		ClientID:    clientID,
		Environment: environment,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	return cachekey.Key("AppMetaData", a.Environment, a.ClientID)
}

// owned is implemented by the three credential kinds.
type owned interface {
	owner() (home, env, realm, client string)
}

// references reports whether c belongs to acc. A credential without a realm belongs to
// every realm of its account, and a B2C credential realm (tenant/policy) belongs to the
// tenant's account.
func references(c owned, acc shared.Account) bool {
	home, env, realm, _ := c.owner()
	tenant, _, _ := strings.Cut(realm, "/")
	return strings.EqualFold(home, acc.HomeAccountID) &&
		strings.EqualFold(env, acc.Environment) &&
		(realm == "" || strings.EqualFold(realm, acc.Realm) || strings.EqualFold(tenant, acc.Realm))
}
