// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package cachekey derives cache lookup keys from request parameters and decides whether a
// cached scope set can satisfy a requested one.
package cachekey

import (
	"sort"
	"strings"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// ScopeSeparator separates scopes in the serialized "target" field of a credential.
const ScopeSeparator = " "

// reserved scopes are granted implicitly with every token and never take part in matching.
var reserved = map[string]bool{
	"openid":         true,
	"profile":        true,
	"offline_access": true,
}

// IsReserved reports whether scope is one of openid, profile or offline_access.
func IsReserved(scope string) bool {
	return reserved[strings.ToLower(strings.TrimSpace(scope))]
}

// Scopes is a normalized scope set: lowercase, trimmed, deduplicated and sorted.
// The zero value is the empty set.
type Scopes []string

// Normalize builds a Scopes from raw input. Empty entries are dropped.
func Normalize(scopes []string) Scopes {
	seen := make(map[string]bool, len(scopes))
	out := make(Scopes, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Parse normalizes a space separated scope string.
func Parse(target string) Scopes {
	return Normalize(strings.Fields(target))
}

// String joins the set with ScopeSeparator. Two equal sets always produce the same string.
func (s Scopes) String() string {
	return strings.Join(s, ScopeSeparator)
}

// WithoutReserved returns the set minus openid, profile and offline_access.
func (s Scopes) WithoutReserved() Scopes {
	out := make(Scopes, 0, len(s))
	for _, v := range s {
		if !reserved[v] {
			out = append(out, v)
		}
	}
	return out
}

// Covers reports whether s (a cached set) contains every non-reserved scope of requested.
func (s Scopes) Covers(requested Scopes) bool {
	have := make(map[string]bool, len(s))
	for _, v := range s {
		have[v] = true
	}
	for _, r := range requested.WithoutReserved() {
		if !have[r] {
			return false
		}
	}
	return true
}

// Len returns the number of non-reserved scopes; used to prefer the smallest covering set.
func (s Scopes) Len() int {
	return len(s.WithoutReserved())
}

// Query identifies what a silent request is looking for in the cache.
type Query struct {
	HomeAccountID string
	// Environment is the host the request targets. Aliases, when set, lists other hosts of the
	// same identity provider instance whose credentials are interchangeable.
	Environment string
	Aliases     []string
	Realm       string
	ClientID    string
	Scopes      Scopes
}

// NewQuery builds the Query for a silent request described by params.
func NewQuery(params authority.AuthParams) Query {
	return Query{
		HomeAccountID: params.HomeAccountID,
		Environment:   params.AuthorityInfo.Host,
		Aliases:       params.AuthorityInfo.Aliases(),
		Realm:         params.AuthorityInfo.Realm(),
		ClientID:      params.ClientID,
		Scopes:        Normalize(params.Scopes),
	}
}

// MatchesEnvironment reports whether env is the query's environment or one of its aliases.
func (q Query) MatchesEnvironment(env string) bool {
	if strings.EqualFold(env, q.Environment) {
		return true
	}
	for _, a := range q.Aliases {
		if strings.EqualFold(env, a) {
			return true
		}
	}
	return false
}

// Key joins parts with shared.CacheKeySeparator and lowercases the result. All credential
// keys are built through this so that lookups are case-insensitive.
func Key(parts ...string) string {
	return strings.ToLower(strings.Join(parts, shared.CacheKeySeparator))
}
