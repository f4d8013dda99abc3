// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information. This storage can be augmented with
// persistent storage: upper packages call Marshal() to take the entire in-memory
// representation and write it to storage and Unmarshal() to replace the entire in-memory
// storage with what was in the persistent storage.
//
// Every operation holds one lock over the whole cache, so concurrent callers never observe
// a partially applied write.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	msalerrors "github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/cachekey"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// DefaultLeeway is subtracted from an access token's lifetime before it is considered fresh.
const DefaultLeeway = 5 * time.Minute

var (
	// ErrNotFound is returned when no credential matches a lookup.
	ErrNotFound = errors.New("credential not found")
	// ErrExpired is returned when access tokens match but none is fresh. It wraps ErrNotFound.
	ErrExpired = fmt.Errorf("access token expired: %w", ErrNotFound)
)

// TieBreak reports whether a should be served instead of b when both satisfy a request.
type TieBreak func(a, b AccessToken) bool

// SmallestThenNewest prefers the access token with fewer scopes, then the one cached last.
func SmallestThenNewest(a, b AccessToken) bool {
	la, lb := cachekey.Parse(a.Scopes).Len(), cachekey.Parse(b.Scopes).Len()
	if la != lb {
		return la < lb
	}
	return a.CachedAt.T.After(b.CachedAt.T)
}

// Option configures a Manager.
type Option func(m *Manager)

// WithLeeway sets the expiry margin. Negative values are ignored.
func WithLeeway(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.leeway = d
		}
	}
}

// WithTieBreak replaces SmallestThenNewest.
func WithTieBreak(tb TieBreak) Option {
	return func(m *Manager) {
		if tb != nil {
			m.tieBreak = tb
		}
	}
}

// WithClock sets the time source used for freshness checks and CachedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is an in-memory cache of access tokens, accounts and meta data. This data is
// updated on read/write calls. Unmarshal() replaces all data stored here with whatever
// was given to it on each call.
type Manager struct {
	contract   *Contract
	contractMu sync.RWMutex

	leeway   time.Duration
	tieBreak TieBreak
	now      func() time.Time
}

// New is the constructor for Manager.
func New(options ...Option) *Manager {
	m := &Manager{
		contract: NewContract(),
		leeway:   DefaultLeeway,
		tieBreak: SmallestThenNewest,
		now:      time.Now,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Leeway returns the configured expiry margin.
func (m *Manager) Leeway() time.Duration {
	return m.leeway
}

// Put upserts each credential by its key. All of creds are applied under one lock, or none
// of them when any has an unsupported type.
func (m *Manager) Put(creds ...Credential) error {
	for _, c := range creds {
		switch c.(type) {
		case AccessToken, RefreshToken, IDToken, AppMetaData, shared.Account:
		default:
			return &msalerrors.InvariantError{Op: "Put", Err: fmt.Errorf("unsupported credential type %T", c)}
		}
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for _, c := range creds {
		m.put(c)
	}
	return nil
}

// put must be called with contractMu held for writing.
func (m *Manager) put(c Credential) {
	switch v := c.(type) {
	case AccessToken:
		m.contract.AccessTokens[v.Key()] = v
	case RefreshToken:
		m.contract.RefreshTokens[v.Key()] = v
	case IDToken:
		m.contract.IDTokens[v.Key()] = v
	case AppMetaData:
		m.contract.AppMetaData[v.Key()] = v
	case shared.Account:
		m.contract.Accounts[v.Key()] = v
	}
}

// Write writes a token response to the cache and returns the account information the token
// is stored with. The access token, refresh token, ID token, account and app metadata are
// written together or not at all.
func (m *Manager) Write(params authority.AuthParams, resp accesstokens.TokenResponse) (shared.Account, error) {
	if err := resp.Validate(); err != nil {
		return shared.Account{}, fmt.Errorf("token response can't be cached: %w", err)
	}
	homeID := resp.HomeAccountID()
	env := params.AuthorityInfo.Host
	realm := params.AuthorityInfo.Realm()
	clientID := params.ClientID
	cachedAt := m.now()

	// One account record per subject and tenant; B2C policies share it.
	account := shared.NewAccount(
		homeID,
		env,
		params.AuthorityInfo.Tenant,
		resp.IDToken.LocalAccountID(),
		params.AuthorityInfo.AuthorityType,
		resp.IDToken.Username(),
	)
	account.Name = resp.IDToken.Name
	account.RawClientInfo = resp.RawClientInfo

	creds := []Credential{
		NewAccessToken(homeID, env, realm, clientID, cachedAt, resp.ExpiresOn, resp.ExtExpiresOn, resp.GrantedScopes, resp.AccessToken),
		account,
		NewAppMetaData(resp.FamilyID, clientID, env),
	}
	if resp.HasRefreshToken() {
		creds = append(creds, NewRefreshToken(homeID, env, clientID, resp.RefreshToken, resp.FamilyID, cachedAt))
	}
	if !resp.IDToken.IsZero() {
		creds = append(creds, NewIDToken(homeID, env, realm, clientID, resp.IDToken.RawToken, cachedAt))
	}

	if err := m.Put(creds...); err != nil {
		return shared.Account{}, err
	}
	return account, nil
}

// AccessToken returns the fresh access token whose scopes cover q.Scopes. When several
// qualify the tie break decides. It returns ErrExpired when tokens match but none is fresh
// and ErrNotFound when none match.
func (m *Manager) AccessToken(q cachekey.Query) (AccessToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	now := m.now()
	var (
		best    AccessToken
		found   bool
		matched bool
	)
	// A linear search; a cache holds the tokens of a handful of accounts.
	for _, at := range m.contract.AccessTokens {
		if !strings.EqualFold(at.HomeAccountID, q.HomeAccountID) ||
			!strings.EqualFold(at.ClientID, q.ClientID) ||
			!strings.EqualFold(at.Realm, q.Realm) ||
			!q.MatchesEnvironment(at.Environment) ||
			!cachekey.Parse(at.Scopes).Covers(q.Scopes) {
			continue
		}
		matched = true
		if at.Validate(now, m.leeway) != nil {
			continue
		}
		if !found || m.tieBreak(at, best) {
			best, found = at, true
		}
	}
	switch {
	case found:
		return best, nil
	case matched:
		return AccessToken{}, ErrExpired
	}
	return AccessToken{}, ErrNotFound
}

// RefreshToken returns the refresh token of q's account and client. A token in q.Environment
// is preferred over one held under an alias.
func (m *Manager) RefreshToken(q cachekey.Query) (RefreshToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var exact, aliased []RefreshToken
	for _, rt := range m.contract.RefreshTokens {
		if !strings.EqualFold(rt.HomeAccountID, q.HomeAccountID) || !strings.EqualFold(rt.ClientID, q.ClientID) {
			continue
		}
		switch {
		case strings.EqualFold(rt.Environment, q.Environment):
			exact = append(exact, rt)
		case q.MatchesEnvironment(rt.Environment):
			aliased = append(aliased, rt)
		}
	}
	switch {
	case len(exact) > 1:
		return RefreshToken{}, &msalerrors.InvariantError{
			Op:  "RefreshToken",
			Err: fmt.Errorf("%d refresh tokens for account %s and client %s in %s", len(exact), q.HomeAccountID, q.ClientID, q.Environment),
		}
	case len(exact) == 1:
		return exact[0], nil
	case len(aliased) > 0:
		sort.Slice(aliased, func(i, j int) bool { return aliased[i].CachedAt.T.After(aliased[j].CachedAt.T) })
		return aliased[0], nil
	}
	return RefreshToken{}, ErrNotFound
}

// IDToken returns the most recently cached ID token of q's account, client and realm.
func (m *Manager) IDToken(q cachekey.Query) (IDToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var (
		best  IDToken
		found bool
	)
	for _, idt := range m.contract.IDTokens {
		if strings.EqualFold(idt.HomeAccountID, q.HomeAccountID) &&
			strings.EqualFold(idt.ClientID, q.ClientID) &&
			strings.EqualFold(idt.Realm, q.Realm) &&
			q.MatchesEnvironment(idt.Environment) {
			if !found || idt.CachedAt.T.After(best.CachedAt.T) {
				best, found = idt, true
			}
		}
	}
	if !found {
		return IDToken{}, ErrNotFound
	}
	return best, nil
}

// Remove deletes the given credentials. Account records no credential references any more
// are deleted with them.
func (m *Manager) Remove(creds ...Credential) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	for _, c := range creds {
		key := c.Key()
		switch c.(type) {
		case AccessToken:
			delete(m.contract.AccessTokens, key)
		case RefreshToken:
			delete(m.contract.RefreshTokens, key)
		case IDToken:
			delete(m.contract.IDTokens, key)
		case AppMetaData:
			delete(m.contract.AppMetaData, key)
		case shared.Account:
			delete(m.contract.Accounts, key)
		}
	}
	for key, acc := range m.contract.Accounts {
		if !m.referenced(acc, "") {
			delete(m.contract.Accounts, key)
		}
	}
}

// RemoveAccount deletes every credential of acc and its account records. An account
// without an environment is removed from every environment. Removing an absent account
// is not an error.
func (m *Manager) RemoveAccount(acc shared.Account) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	match := func(home, env string) bool {
		return strings.EqualFold(home, acc.HomeAccountID) && (acc.Environment == "" || strings.EqualFold(env, acc.Environment))
	}
	for k, v := range m.contract.AccessTokens {
		if match(v.HomeAccountID, v.Environment) {
			delete(m.contract.AccessTokens, k)
		}
	}
	for k, v := range m.contract.RefreshTokens {
		if match(v.HomeAccountID, v.Environment) {
			delete(m.contract.RefreshTokens, k)
		}
	}
	for k, v := range m.contract.IDTokens {
		if match(v.HomeAccountID, v.Environment) {
			delete(m.contract.IDTokens, k)
		}
	}
	for k, v := range m.contract.Accounts {
		if match(v.HomeAccountID, v.Environment) {
			delete(m.contract.Accounts, k)
		}
	}
}

// Clear deletes everything.
func (m *Manager) Clear() {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = NewContract()
}

// Accounts returns the account records referenced by at least one credential, of clientID
// when it isn't empty, sorted by key.
func (m *Manager) Accounts(clientID string) []shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	accounts := []shared.Account{}
	for _, acc := range m.contract.Accounts {
		if m.referenced(acc, clientID) {
			accounts = append(accounts, acc)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Key() < accounts[j].Key() })
	return accounts
}

// referenced must be called with contractMu held.
func (m *Manager) referenced(acc shared.Account, clientID string) bool {
	ok := func(c owned) bool {
		_, _, _, client := c.owner()
		return (clientID == "" || strings.EqualFold(client, clientID)) && references(c, acc)
	}
	for _, v := range m.contract.AccessTokens {
		if ok(v) {
			return true
		}
	}
	for _, v := range m.contract.RefreshTokens {
		if ok(v) {
			return true
		}
	}
	for _, v := range m.contract.IDTokens {
		if ok(v) {
			return true
		}
	}
	return false
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler. Data that can't be decoded leaves the cache as it was.
func (m *Manager) Unmarshal(b []byte) error {
	contract := NewContract()
	if err := json.Unmarshal(b, contract); err != nil {
		return &msalerrors.InvariantError{Op: "Unmarshal", Err: err}
	}
	contract.fill()

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = contract
	return nil
}
