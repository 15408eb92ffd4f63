// Package server implements the authorization-server core: the authorization
// and token endpoint pipelines, client authentication, request validation,
// consent decisions, and token issuance. Transport concerns (HTTP routing,
// TLS, session management) live outside; the boundary hands in parsed
// requests and renders the responses this package returns.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/realmauth/realm-oidc/instrumentation"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/signing"
	"github.com/realmauth/realm-oidc/storage"
)

// Claim is one profile claim destined for an identity token.
type Claim struct {
	Type  string
	Value any
}

// ProfileRequest describes which subject's claims are needed and why.
type ProfileRequest struct {
	RealmID  string
	Subject  string
	ClientID string

	// Scopes that were granted; the service returns only claims covered by
	// the identity resources these scopes map to.
	Scopes            []string
	IdentityResources []storage.IdentityResource
}

// ProfileService supplies user profile claims for identity tokens. The core
// never reads user records directly.
type ProfileService interface {
	ProfileData(ctx context.Context, req *ProfileRequest) ([]Claim, error)
}

// Stores bundles the persistence interfaces the core depends on.
type Stores struct {
	Clients         storage.ClientStore
	Resources       storage.ResourceStore
	Codes           storage.CodeStore
	RefreshTokens   storage.RefreshTokenStore
	ReferenceTokens storage.ReferenceTokenStore
	Consents        storage.ConsentStore
	Replay          storage.ReplayCache
}

func (s Stores) validate() error {
	switch {
	case s.Clients == nil:
		return fmt.Errorf("client store is required")
	case s.Resources == nil:
		return fmt.Errorf("resource store is required")
	case s.Codes == nil:
		return fmt.Errorf("code store is required")
	case s.RefreshTokens == nil:
		return fmt.Errorf("refresh token store is required")
	case s.ReferenceTokens == nil:
		return fmt.Errorf("reference token store is required")
	case s.Consents == nil:
		return fmt.Errorf("consent store is required")
	case s.Replay == nil:
		return fmt.Errorf("replay cache is required")
	}
	return nil
}

// Server is the authorization-server core. It is safe for concurrent use.
type Server struct {
	stores  Stores
	signer  signing.CredentialProvider
	profile ProfileService
	config  *Config

	clock   security.Clock
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	// securityEventLimiter throttles security-event logging per client so a
	// brute-force run cannot flood the audit log.
	securityEventLimiter *security.RateLimiter

	authenticator *clientAuthenticator
	redirects     *redirectURIMatcher
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithClock replaces the wall clock, for tests.
func WithClock(clock security.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithAuditor enables security audit logging.
func WithAuditor(a *security.Auditor) Option {
	return func(s *Server) { s.auditor = a }
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSecurityEventRateLimiter throttles per-client security-event logging.
func WithSecurityEventRateLimiter(rl *security.RateLimiter) Option {
	return func(s *Server) { s.securityEventLimiter = rl }
}

// New wires up a server core. config may be nil; secure defaults apply.
func New(stores Stores, signer signing.CredentialProvider, profile ProfileService, config *Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if profile == nil {
		return nil, fmt.Errorf("profile service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}

	s := &Server{
		stores:    stores,
		signer:    signer,
		profile:   profile,
		config:    applyDefaults(config, logger),
		clock:     security.SystemClock(),
		logger:    logger,
		redirects: newRedirectURIMatcher(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.authenticator = newClientAuthenticator(s)
	return s, nil
}

// allowSecurityEvent reports whether an audit event may be emitted for the
// client, or whether the per-client limiter says the caller is flooding.
func (s *Server) allowSecurityEvent(clientID string) bool {
	if s.securityEventLimiter == nil {
		return true
	}
	return s.securityEventLimiter.Allow(clientID)
}

// safeTruncate bounds a value for logging without splitting UTF-8 sequences.
func safeTruncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	for max > 0 && v[max]&0xC0 == 0x80 {
		max--
	}
	return v[:max]
}
