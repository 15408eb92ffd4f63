// Package storage defines the store contracts and persistent records the
// authorization-server core consumes: clients, resources, authorization
// codes, reference and refresh tokens, consent, and the replay cache.
// Implementations (in-memory, Redis, databases) live in subpackages; the
// core only ever talks to these interfaces.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by stores. The core maps all of them to generic
// protocol errors so that store-level detail never leaks to callers.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrConsentNotFound = errors.New("consent not found")
)

// ClientStore resolves registered clients. Clients are loaded read-only per
// request and never mutated by the core.
type ClientStore interface {
	// FindEnabledClientByID returns the enabled client with the given ID in
	// the given realm, or ErrClientNotFound. Disabled clients are reported
	// as not found.
	FindEnabledClientByID(ctx context.Context, realmID, clientID string) (*Client, error)
}

// ResourceStore resolves scope names into resources.
type ResourceStore interface {
	// FindResourcesByScope resolves the given scope names. Names that do not
	// map to a resource appear in the result's MissingScopes; when
	// onlyEnabled is true, disabled resources count as missing. Resolving
	// the openid scope additionally sets the result's OpenID marker.
	FindResourcesByScope(ctx context.Context, realmID string, scopeNames []string, onlyEnabled bool) (*Resources, error)
}

// CodeStore persists authorization codes keyed by their opaque handle.
type CodeStore interface {
	// Save stores a new authorization code.
	Save(ctx context.Context, code *AuthorizationCode) error

	// Redeem atomically fetches and deletes the code with the given handle.
	// Two concurrent redemptions of the same handle must yield exactly one
	// code and one ErrCodeNotFound, never two codes.
	// SECURITY: This operation MUST be atomic per handle; it is the
	// single-use guarantee for authorization codes.
	Redeem(ctx context.Context, handle string) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens keyed by their opaque handle.
type RefreshTokenStore interface {
	// Save stores a new refresh token record.
	Save(ctx context.Context, token *RefreshToken) error

	// Get returns the refresh token with the given handle, or ErrTokenNotFound.
	Get(ctx context.Context, handle string) (*RefreshToken, error)

	// Update overwrites the record with the given handle in place.
	Update(ctx context.Context, token *RefreshToken) error

	// Delete removes the record with the given handle. Deleting a missing
	// handle is not an error.
	Delete(ctx context.Context, handle string) error
}

// ReferenceTokenStore persists opaque reference access tokens, keyed by
// handle, for clients/resources configured with reference-token access
// tokens instead of self-contained JWTs.
type ReferenceTokenStore interface {
	// Save stores a reference token record.
	Save(ctx context.Context, token *ReferenceToken) error

	// Get returns the reference token with the given handle, or ErrTokenNotFound.
	Get(ctx context.Context, handle string) (*ReferenceToken, error)

	// Delete removes the record with the given handle. Deleting a missing
	// handle is not an error.
	Delete(ctx context.Context, handle string) error
}

// ConsentStore persists consent decisions keyed by (subject, client).
type ConsentStore interface {
	// Find returns the stored consent for the subject+client pair, or
	// ErrConsentNotFound.
	Find(ctx context.Context, subject, clientID string) (*Consent, error)

	// Save upserts the consent record for its subject+client pair.
	Save(ctx context.Context, consent *Consent) error

	// Delete removes the consent record for the subject+client pair.
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, subject, clientID string) error
}

// ReplayCache remembers handles until an expiration so that one-time
// artifacts (private-key-JWT jti values) cannot be replayed. Entries are
// scoped by purpose so independent consumers cannot collide.
type ReplayCache interface {
	// Add records the handle under the purpose until expiresAt.
	Add(ctx context.Context, purpose, handle string, expiresAt time.Time) error

	// Exists reports whether the handle was added under the purpose and has
	// not yet expired.
	Exists(ctx context.Context, purpose, handle string) (bool, error)
}
