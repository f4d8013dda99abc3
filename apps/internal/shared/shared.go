// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"strings"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"
)

// Account is a user known to the cache. It is created by the first token response for a
// subject and referenced, never duplicated, by later credentials for that subject.
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityType     string `json:"authority_type,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	RawClientInfo     string `json:"client_info,omitempty"`
}

// NewAccount creates an account.
func NewAccount(homeAccountID, env, realm, localAccountID, authorityType, username string) Account {
	return Account{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		LocalAccountID:    localAccountID,
		AuthorityType:     authorityType,
		PreferredUsername: username,
	}
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	key := strings.Join([]string{acc.HomeAccountID, acc.Environment, acc.Realm}, CacheKeySeparator)
	return strings.ToLower(key)
}

// IsZero checks the zero value of account.
func (acc Account) IsZero() bool {
	return acc == Account{}
}

// SameIdentity reports whether other refers to the same subject in the same environment.
// Username and display fields are not part of identity.
func (acc Account) SameIdentity(other Account) bool {
	return strings.EqualFold(acc.HomeAccountID, other.HomeAccountID) &&
		strings.EqualFold(acc.Environment, other.Environment)
}
