// Package memory provides an in-process implementation of every store
// contract the authorization-server core consumes. It is the default backend
// for tests and single-node deployments; multi-node deployments use the
// redis backend instead.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/storage"
)

// Store holds every record kind behind one lock. It implements
// storage.ClientStore, storage.ResourceStore and storage.ReplayCache
// directly; the remaining contracts share the Save/Get/Delete method names,
// so they are exposed through the typed views returned by Codes,
// RefreshTokens, ReferenceTokens and Consents. All operations are safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	clients           map[string]*storage.Client          // realm \x00 client id
	identityResources map[string]storage.IdentityResource // realm \x00 name
	apiScopes         map[string]storage.APIScope         // realm \x00 name
	apiResources      map[string]storage.APIResource      // realm \x00 name
	codes             map[string]*storage.AuthorizationCode
	refreshTokens     map[string]*storage.RefreshToken
	referenceTokens   map[string]*storage.ReferenceToken
	consents          map[string]*storage.Consent // subject \x00 client id
	replay            map[string]time.Time        // purpose \x00 handle

	clock  security.Clock
	logger *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock, for tests.
func WithClock(clock security.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithCleanupInterval changes how often expired records are purged.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = interval }
}

// NewStore creates an empty store and starts its cleanup goroutine. Call
// Stop when done.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		clients:           make(map[string]*storage.Client),
		identityResources: make(map[string]storage.IdentityResource),
		apiScopes:         make(map[string]storage.APIScope),
		apiResources:      make(map[string]storage.APIResource),
		codes:             make(map[string]*storage.AuthorizationCode),
		refreshTokens:     make(map[string]*storage.RefreshToken),
		referenceTokens:   make(map[string]*storage.ReferenceToken),
		consents:          make(map[string]*storage.Consent),
		replay:            make(map[string]time.Time),
		clock:             security.SystemClock(),
		logger:            logger,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

// Stop terminates the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// AddClient registers a client.
func (s *Store) AddClient(client *storage.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[key(client.RealmID, client.ClientID)] = client
}

// AddIdentityResource registers an identity resource for a realm.
func (s *Store) AddIdentityResource(realmID string, resource storage.IdentityResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityResources[key(realmID, resource.Name)] = resource
}

// AddAPIScope registers an API scope for a realm.
func (s *Store) AddAPIScope(realmID string, scope storage.APIScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiScopes[key(realmID, scope.Name)] = scope
}

// AddAPIResource registers an API resource for a realm.
func (s *Store) AddAPIResource(realmID string, resource storage.APIResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiResources[key(realmID, resource.Name)] = resource
}

// FindEnabledClientByID implements storage.ClientStore.
func (s *Store) FindEnabledClientByID(_ context.Context, realmID, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[key(realmID, clientID)]
	if !ok || !client.Enabled {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// FindResourcesByScope implements storage.ResourceStore.
func (s *Store) FindResourcesByScope(_ context.Context, realmID string, scopeNames []string, onlyEnabled bool) (*storage.Resources, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := &storage.Resources{}
	resolvedAPIScopes := make(map[string]bool)

	for _, name := range scopeNames {
		if identity, ok := s.identityResources[key(realmID, name)]; ok && (identity.Enabled || !onlyEnabled) {
			result.IdentityResources = append(result.IdentityResources, identity)
			if name == oidc.ScopeOpenID {
				result.OpenID = true
			}
			continue
		}
		if apiScope, ok := s.apiScopes[key(realmID, name)]; ok && (apiScope.Enabled || !onlyEnabled) {
			result.APIScopes = append(result.APIScopes, apiScope)
			resolvedAPIScopes[name] = true
			continue
		}
		result.MissingScopes = append(result.MissingScopes, name)
	}

	prefix := key(realmID, "")
	for k, api := range s.apiResources {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if onlyEnabled && !api.Enabled {
			continue
		}
		for _, scope := range api.Scopes {
			if resolvedAPIScopes[scope] {
				result.APIResources = append(result.APIResources, api)
				break
			}
		}
	}

	return result, nil
}

// Add implements storage.ReplayCache.
func (s *Store) Add(_ context.Context, purpose, handle string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay[key(purpose, handle)] = expiresAt
	return nil
}

// Exists implements storage.ReplayCache.
func (s *Store) Exists(_ context.Context, purpose, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.replay[key(purpose, handle)]
	if !ok {
		return false, nil
	}
	return !expiresAt.Before(s.clock.Now()), nil
}

// Codes returns the authorization code view of the store.
func (s *Store) Codes() storage.CodeStore { return codeStore{s} }

// RefreshTokens returns the refresh token view of the store.
func (s *Store) RefreshTokens() storage.RefreshTokenStore { return refreshTokenStore{s} }

// ReferenceTokens returns the reference token view of the store.
func (s *Store) ReferenceTokens() storage.ReferenceTokenStore { return referenceTokenStore{s} }

// Consents returns the consent view of the store.
func (s *Store) Consents() storage.ConsentStore { return consentStore{s} }

type codeStore struct{ s *Store }

func (c codeStore) Save(_ context.Context, code *storage.AuthorizationCode) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.codes[code.Handle] = code
	return nil
}

// Redeem fetches and deletes under one write lock, which is the single-use
// guarantee.
func (c codeStore) Redeem(_ context.Context, handle string) (*storage.AuthorizationCode, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	code, ok := c.s.codes[handle]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	delete(c.s.codes, handle)
	return code, nil
}

type refreshTokenStore struct{ s *Store }

func (r refreshTokenStore) Save(_ context.Context, token *storage.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.refreshTokens[token.Handle] = cloneRefreshToken(token)
	return nil
}

func (r refreshTokenStore) Get(_ context.Context, handle string) (*storage.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	token, ok := r.s.refreshTokens[handle]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneRefreshToken(token), nil
}

func (r refreshTokenStore) Update(_ context.Context, token *storage.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.refreshTokens[token.Handle]; !ok {
		return storage.ErrTokenNotFound
	}
	r.s.refreshTokens[token.Handle] = cloneRefreshToken(token)
	return nil
}

func (r refreshTokenStore) Delete(_ context.Context, handle string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.refreshTokens, handle)
	return nil
}

// cloneRefreshToken keeps callers from mutating stored state through the
// returned pointer.
func cloneRefreshToken(token *storage.RefreshToken) *storage.RefreshToken {
	clone := *token
	if token.ConsumedAt != nil {
		consumed := *token.ConsumedAt
		clone.ConsumedAt = &consumed
	}
	clone.Scopes = append([]string(nil), token.Scopes...)
	return &clone
}

type referenceTokenStore struct{ s *Store }

func (r referenceTokenStore) Save(_ context.Context, token *storage.ReferenceToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.referenceTokens[token.Handle] = token
	return nil
}

func (r referenceTokenStore) Get(_ context.Context, handle string) (*storage.ReferenceToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	token, ok := r.s.referenceTokens[handle]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

func (r referenceTokenStore) Delete(_ context.Context, handle string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.referenceTokens, handle)
	return nil
}

type consentStore struct{ s *Store }

func (c consentStore) Find(_ context.Context, subject, clientID string) (*storage.Consent, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	consent, ok := c.s.consents[key(subject, clientID)]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	return consent, nil
}

func (c consentStore) Save(_ context.Context, consent *storage.Consent) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.consents[key(consent.Subject, consent.ClientID)] = consent
	return nil
}

func (c consentStore) Delete(_ context.Context, subject, clientID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.consents, key(subject, clientID))
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired codes, tokens, consents and replay entries.
func (s *Store) Cleanup() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for handle, code := range s.codes {
		if code.Expired(now) {
			delete(s.codes, handle)
			removed++
		}
	}
	for handle, token := range s.refreshTokens {
		if token.Expired(now) {
			delete(s.refreshTokens, handle)
			removed++
		}
	}
	for handle, token := range s.referenceTokens {
		if token.Expired(now) {
			delete(s.referenceTokens, handle)
			removed++
		}
	}
	for k, consent := range s.consents {
		if consent.Expired(now) {
			delete(s.consents, k)
			removed++
		}
	}
	for k, expiresAt := range s.replay {
		if expiresAt.Before(now) {
			delete(s.replay, k)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Expired records removed", "removed", removed)
	}
}
