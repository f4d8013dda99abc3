// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package authority parses authority URLs into the environment and realm used as cache key
// components, and resolves the endpoints of an authority.
package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Authority types. They are persisted in account records.
const (
	AAD  = "MSSTS"
	B2C  = "B2C"
	ADFS = "ADFS"
)

const b2cHostSuffix = ".b2clogin.com"

// aliases groups hosts that front the same identity provider instance. Credentials issued
// by any host in a group satisfy requests against the others.
var aliases = [][]string{
	{"login.microsoftonline.com", "login.windows.net", "login.microsoft.com", "sts.windows.net"},
	{"login.partner.microsoftonline.cn", "login.chinacloudapi.cn"},
	{"login.microsoftonline.us", "login.usgovcloudapi.net"},
}

// Info consists of information about the authority.
type Info struct {
	// Host is the authority host, including a port if one was given. It is the environment
	// component of cache keys.
	Host                  string
	CanonicalAuthorityURI string
	AuthorityType         string
	Tenant                string
	// Policy is the B2C user flow, empty for other authority types.
	Policy string
	// tfp records whether the B2C authority used the /tfp/ path form.
	tfp bool
}

// NewInfoFromAuthorityURI creates an Info instance from the authority URL provided.
func NewInfoFromAuthorityURI(authority string) (Info, error) {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(authority)))
	if err != nil {
		return Info{}, fmt.Errorf("authority %q cannot be URL parsed: %w", authority, err)
	}
	if u.Scheme != "https" {
		return Info{}, fmt.Errorf("authority %q does not use https", authority)
	}
	if u.Host == "" {
		return Info{}, fmt.Errorf("authority %q has no host", authority)
	}

	var segments []string
	for _, s := range strings.Split(u.EscapedPath(), "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return Info{}, fmt.Errorf("authority %q does not have a tenant segment", authority)
	}

	info := Info{Host: u.Host}
	switch {
	case segments[0] == "adfs":
		info.AuthorityType = ADFS
		info.Tenant = "adfs"
	case segments[0] == "tfp":
		if len(segments) < 3 {
			return Info{}, fmt.Errorf("B2C authority %q must have the form https://host/tfp/tenant/policy", authority)
		}
		info.AuthorityType = B2C
		info.Tenant, info.Policy, info.tfp = segments[1], segments[2], true
	case strings.HasSuffix(u.Hostname(), b2cHostSuffix) || (len(segments) > 1 && strings.HasPrefix(segments[1], "b2c_")):
		if len(segments) < 2 {
			return Info{}, fmt.Errorf("B2C authority %q must have the form https://host/tenant/policy", authority)
		}
		info.AuthorityType = B2C
		info.Tenant, info.Policy = segments[0], segments[1]
	default:
		info.AuthorityType = AAD
		info.Tenant = segments[0]
	}
	info.CanonicalAuthorityURI = "https://" + info.Host + "/" + info.path() + "/"
	return info, nil
}

func (i Info) path() string {
	switch {
	case i.tfp:
		return "tfp/" + i.Tenant + "/" + i.Policy
	case i.Policy != "":
		return i.Tenant + "/" + i.Policy
	}
	return i.Tenant
}

// Realm is the realm component of cache keys. For B2C it includes the policy, so tokens
// issued under one user flow never satisfy a request against another.
func (i Info) Realm() string {
	if i.Policy == "" {
		return i.Tenant
	}
	return i.Tenant + "/" + i.Policy
}

// Aliases returns every host known to be interchangeable with i.Host, including i.Host.
func (i Info) Aliases() []string {
	for _, group := range aliases {
		for _, h := range group {
			if h == i.Host {
				return append([]string(nil), group...)
			}
		}
	}
	return []string{i.Host}
}

// IsZero reports whether i is the zero value.
func (i Info) IsZero() bool {
	return i == Info{}
}

// AuthorizationType represents the type of token flow.
type AuthorizationType int

// These are all the types of token flows.
const (
	ATUnknown AuthorizationType = iota
	ATInteractive
	ATRefreshToken
)

// AuthParams represents the parameters used for authorization for token acquisition.
type AuthParams struct {
	AuthorityInfo     Info
	CorrelationID     string
	ClientID          string
	HomeAccountID     string
	Scopes            []string
	AuthorizationType AuthorizationType
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		CorrelationID: uuid.New().String(),
	}
}

// Endpoints consists of the endpoints of an authority.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	Issuer                string
}

// Validate validates that the endpoints needed for a refresh were found.
func (e Endpoints) Validate() error {
	switch "" {
	case e.TokenEndpoint:
		return errors.New("token endpoint was not found in the openid configuration")
	case e.AuthorizationEndpoint:
		return errors.New("authorize endpoint was not found in the openid configuration")
	}
	return nil
}

// StaticEndpoints returns the well-known endpoint layout for i without any network call.
func StaticEndpoints(i Info) Endpoints {
	base := "https://" + i.Host + "/" + i.path()
	if i.AuthorityType == ADFS {
		return Endpoints{
			AuthorizationEndpoint: base + "/oauth2/authorize",
			TokenEndpoint:         base + "/oauth2/token",
			Issuer:                base,
		}
	}
	return Endpoints{
		AuthorizationEndpoint: base + "/oauth2/v2.0/authorize",
		TokenEndpoint:         base + "/oauth2/v2.0/token",
		Issuer:                base + "/v2.0",
	}
}

// discoveryIssuer is the URL whose /.well-known/openid-configuration describes i.
func discoveryIssuer(i Info) string {
	base := "https://" + i.Host + "/" + i.path()
	if i.AuthorityType == ADFS {
		return base
	}
	return base + "/v2.0"
}

// DefaultDiscoveryTTL is how long discovered endpoints are reused.
const DefaultDiscoveryTTL = 24 * time.Hour

// Resolver resolves authority endpoints through OpenID Connect discovery and caches them.
// A nil *Resolver, or one built with discovery disabled, returns StaticEndpoints.
type Resolver struct {
	httpClient *http.Client
	discover   bool
	cache      *ttlcache.Cache[string, Endpoints]
}

// NewResolver creates a Resolver. httpClient may be nil to use http.DefaultClient.
func NewResolver(httpClient *http.Client, discover bool, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &Resolver{
		httpClient: httpClient,
		discover:   discover,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Endpoints](ttl),
			ttlcache.WithDisableTouchOnHit[string, Endpoints](),
		),
	}
}

// Endpoints returns the endpoints of the authority described by info.
func (r *Resolver) Endpoints(ctx context.Context, info Info) (Endpoints, error) {
	if r == nil || !r.discover {
		return StaticEndpoints(info), nil
	}
	key := info.CanonicalAuthorityURI
	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	if r.httpClient != nil {
		ctx = oidc.ClientContext(ctx, r.httpClient)
	}
	issuer := discoveryIssuer(info)
	// AAD and B2C publish templated or tenant-id issuers that never equal the discovery URL.
	provider, err := oidc.NewProvider(oidc.InsecureIssuerURLContext(ctx, issuer), issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("openid discovery for %s failed: %w", info.CanonicalAuthorityURI, err)
	}
	var claims struct {
		Issuer string `json:"issuer"`
	}
	if err := provider.Claims(&claims); err != nil {
		return Endpoints{}, fmt.Errorf("openid configuration for %s could not be decoded: %w", info.CanonicalAuthorityURI, err)
	}
	ep := provider.Endpoint()
	endpoints := Endpoints{
		AuthorizationEndpoint: ep.AuthURL,
		TokenEndpoint:         ep.TokenURL,
		Issuer:                claims.Issuer,
	}
	if err := endpoints.Validate(); err != nil {
		return Endpoints{}, fmt.Errorf("authority %s: %w", info.CanonicalAuthorityURI, err)
	}
	r.cache.Set(key, endpoints, ttlcache.DefaultTTL)
	return endpoints, nil
}
