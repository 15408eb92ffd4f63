package storage

import (
	"time"
)

// SecretType identifies how a client secret record is interpreted during
// client authentication.
type SecretType string

const (
	// SecretTypeSharedSecret is a hashed shared secret: the stored value is
	// the base64 encoding of either a SHA-256 (32 byte) or SHA-512 (64 byte)
	// digest of the plaintext secret.
	SecretTypeSharedSecret SecretType = "SharedSecret"

	// SecretTypeX509Thumbprint is the base64url SHA-256 thumbprint of a
	// client certificate, matched during mutual-TLS authentication.
	SecretTypeX509Thumbprint SecretType = "X509Thumbprint"

	// SecretTypeX509Name is the distinguished subject name of a client
	// certificate, matched during mutual-TLS authentication.
	SecretTypeX509Name SecretType = "X509Name"

	// SecretTypeJWK is a JSON Web Key (public) used to verify
	// private-key-JWT client assertions.
	SecretTypeJWK SecretType = "JWK"
)

// Secret is one credential record registered for a client.
type Secret struct {
	Type        SecretType
	Value       string
	Expiration  time.Time // zero means never expires
	Description string
}

// Expired reports whether the secret is expired at the given instant.
func (s *Secret) Expired(now time.Time) bool {
	return !s.Expiration.IsZero() && s.Expiration.Before(now)
}

// Protocol types a client may be registered for. Only OpenID Connect clients
// may use the authorize endpoint.
const (
	ProtocolTypeOIDC = "oidc"
)

// AccessTokenKind selects the wire form of issued access tokens.
type AccessTokenKind int

const (
	// AccessTokenJWT issues self-contained signed JWTs.
	AccessTokenJWT AccessTokenKind = iota
	// AccessTokenReference issues opaque handles resolved server-side.
	AccessTokenReference
)

// RefreshTokenExpirationKind selects the refresh token lifetime policy.
type RefreshTokenExpirationKind int

const (
	// RefreshTokenExpirationAbsolute expires the token at a fixed point
	// regardless of renewal.
	RefreshTokenExpirationAbsolute RefreshTokenExpirationKind = iota
	// RefreshTokenExpirationSliding extends expiry on each renewal up to
	// the absolute cap.
	RefreshTokenExpirationSliding
)

// InfinitePostConsumedTolerance marks a client whose consumed sliding
// refresh tokens are renewed in place instead of rotated.
const InfinitePostConsumedTolerance = time.Duration(-1)

// Client is a registered relying party. Loaded read-only per request from a
// ClientStore; the core never mutates it.
type Client struct {
	ClientID     string
	RealmID      string
	ClientName   string
	Enabled      bool
	ProtocolType string // ProtocolTypeOIDC for OpenID Connect clients

	AllowedGrantTypes    []string
	AllowedResponseTypes []string // canonical space-separated combinations
	AllowedScopes        []string
	RedirectURIs         []string // literal URIs or wildcard patterns

	RequirePKCE    bool
	AllowPlainPKCE bool

	Secrets []Secret

	AccessTokenType       AccessTokenKind
	AccessTokenLifetime   time.Duration
	IdentityTokenLifetime time.Duration

	RefreshTokenExpiration            RefreshTokenExpirationKind
	AbsoluteRefreshTokenLifetime      time.Duration
	SlidingRefreshTokenLifetime       time.Duration
	RefreshTokenPostConsumedTolerance time.Duration // InfinitePostConsumedTolerance for in-place renewal
	UpdateAccessTokenClaimsOnRefresh  bool

	AllowOfflineAccess   bool
	RequireConsent       bool
	AllowRememberConsent bool
	ConsentLifetime      time.Duration // zero means granted consent never expires

	AllowedIdentityTokenSigningAlgorithms []string

	// AlwaysEmitCertificateConfirmation binds every issued access token to
	// the caller's mutual-TLS certificate thumbprint even when the
	// authentication itself did not produce a confirmation.
	AlwaysEmitCertificateConfirmation bool
}

// AllowsGrantType reports whether the client may use the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.AllowedGrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client may use the canonical
// response type combination.
func (c *Client) AllowsResponseType(responseType string) bool {
	for _, rt := range c.AllowedResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the scope name is in the client's allowed set.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IdentityResource is a named bundle of identity claims (e.g. "profile").
type IdentityResource struct {
	Name       string
	Enabled    bool
	ClaimTypes []string
}

// APIScope is a scope protecting one or more APIs.
type APIScope struct {
	Name    string
	Enabled bool
}

// APIResource is an API accepting access tokens; its name becomes a token
// audience.
type APIResource struct {
	Name              string
	Enabled           bool
	Scopes            []string // APIScope names covered by this resource
	SigningAlgorithms []string // allowed access token signing algorithms, empty means server default
}

// Resources is the resolved view of a requested scope set: every element of
// the requested scopes maps to exactly one of IdentityResources, APIScopes,
// the offline_access/openid markers, or MissingScopes; never more than one.
type Resources struct {
	IdentityResources []IdentityResource
	APIScopes         []APIScope
	APIResources      []APIResource
	MissingScopes     []string

	OfflineAccess bool // offline_access was requested
	OpenID        bool // openid was requested
}

// AuthorizationCode is a single-use grant artifact. It is fetched and
// deleted atomically on redemption; a second redemption fails because the
// record no longer exists.
type AuthorizationCode struct {
	Handle    string
	ClientID  string
	RealmID   string
	Subject   string
	SessionID string

	CreatedAt time.Time
	Lifetime  time.Duration

	RequestedScopes []string
	RedirectURI     string

	// CodeChallenge is stored pre-hashed: SHA-256 of the challenge the
	// client sent, base64url-encoded. Empty when the request carried no
	// PKCE challenge.
	CodeChallenge       string
	CodeChallengeMethod string

	Nonce     string
	StateHash string
}

// Expired reports whether the code is past CreatedAt+Lifetime at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(c.Lifetime))
}

// RefreshToken is a long-lived grant artifact subject to rotation. The
// rotation invariant: a record is either updated in place (sliding policy
// with infinite post-consumption tolerance) or replaced by a new record
// while this one stays marked consumed, never both.
type RefreshToken struct {
	Handle        string
	ClientID      string
	RealmID       string
	Subject       string
	SessionID     string
	AccessTokenID string // jti of the access token issued alongside

	Scopes []string

	CreatedAt  time.Time
	Lifetime   time.Duration
	ConsumedAt *time.Time // set on first consumption, never cleared
}

// Expired reports whether the token is past CreatedAt+Lifetime at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.CreatedAt.Add(t.Lifetime))
}

// ReferenceToken is a stored opaque access token: the handle circulates on
// the wire, the claims payload stays server-side.
type ReferenceToken struct {
	Handle   string
	TokenID  string // jti of the represented access token
	ClientID string
	RealmID  string
	Subject  string

	Claims []byte // serialized claims payload

	CreatedAt time.Time
	Lifetime  time.Duration
}

// Expired reports whether the token is past CreatedAt+Lifetime at now.
func (t *ReferenceToken) Expired(now time.Time) bool {
	return now.After(t.CreatedAt.Add(t.Lifetime))
}

// Consent records a subject's granted scopes for one client.
type Consent struct {
	Subject  string
	ClientID string
	Scopes   []string

	CreatedAt  time.Time
	Expiration time.Time // zero means never expires
}

// Expired reports whether the consent is past its expiration at now.
func (c *Consent) Expired(now time.Time) bool {
	return !c.Expiration.IsZero() && c.Expiration.Before(now)
}
