// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cachekey

import (
	"strings"

	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/errors"
	"github.com/lpx1989/microsoft-authentication-library-for-go/apps/internal/shared"
)

// ResolveAccount picks the account a silent request targets. known must be the accounts
// visible to the requesting client.
//
// A specified account resolves to its known record when there is one, and to itself
// otherwise, so a cleared cache yields a token miss rather than a resolution failure. An
// unspecified account resolves to the only known account; it never guesses between several.
func ResolveAccount(requested shared.Account, known []shared.Account) (shared.Account, error) {
	if !requested.IsZero() {
		if requested.HomeAccountID == "" {
			return shared.Account{}, errors.NewClientError(errors.AccountMissing, "account has no home account id")
		}
		for _, k := range known {
			if k.SameIdentity(requested) || (requested.Environment == "" && strings.EqualFold(k.HomeAccountID, requested.HomeAccountID)) {
				return k, nil
			}
		}
		return requested, nil
	}

	switch len(known) {
	case 0:
		return shared.Account{}, errors.NewClientError(errors.AccountMissing, "no account specified and the cache holds no accounts")
	case 1:
		return known[0], nil
	}
	return shared.Account{}, errors.NewClientError(errors.AmbiguousAccount, "no account specified and the cache holds %d accounts", len(known))
}
