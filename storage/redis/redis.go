// Package redis implements the token-side store contracts over Redis so
// multiple server instances share one grant state: authorization codes,
// refresh tokens, reference tokens, consent and the replay cache. Client and
// resource registrations are configuration, not grant state, and stay with
// the deployment's configuration store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/storage"
)

// Store implements storage.ReplayCache directly and exposes the remaining
// contracts through typed views, mirroring the memory backend.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string

	// encryptor protects reference-token claims at rest. Codes and refresh
	// tokens hold only opaque handles and identifiers; claims payloads are
	// the one place user data lands in Redis.
	encryptor *security.Encryptor

	clock  security.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithEncryptor encrypts reference-token claims at rest.
func WithEncryptor(encryptor *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = encryptor }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock security.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithKeyPrefix namespaces all keys, default "oidc".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// NewStore wraps an existing Redis client.
func NewStore(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		client:    client,
		keyPrefix: "oidc",
		clock:     security.SystemClock(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(kind, handle string) string {
	return s.keyPrefix + ":" + kind + ":" + handle
}

// ttlUntil converts an absolute expiry into a Redis TTL. Records already
// expired get a minimal TTL so the write still lands and promptly vanishes.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

// Add implements storage.ReplayCache.
func (s *Store) Add(ctx context.Context, purpose, handle string, expiresAt time.Time) error {
	if err := s.client.Set(ctx, s.key("replay:"+purpose, handle), "1", s.ttlUntil(expiresAt)).Err(); err != nil {
		return fmt.Errorf("redis replay add: %w", err)
	}
	return nil
}

// Exists implements storage.ReplayCache.
func (s *Store) Exists(ctx context.Context, purpose, handle string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("replay:"+purpose, handle)).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay exists: %w", err)
	}
	return n > 0, nil
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

func (c codeStore) Save(ctx context.Context, code *storage.AuthorizationCode) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}
	ttl := c.s.ttlUntil(code.CreatedAt.Add(code.Lifetime))
	if err := c.s.client.Set(ctx, c.s.key("code", code.Handle), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save code: %w", err)
	}
	return nil
}

// Redeem uses GETDEL so fetch and delete are one atomic Redis command; two
// concurrent redemptions see exactly one value.
func (c codeStore) Redeem(ctx context.Context, handle string) (*storage.AuthorizationCode, error) {
	payload, err := c.s.client.GetDel(ctx, c.s.key("code", handle)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("redis redeem code: %w", err)
	}
	var code storage.AuthorizationCode
	if err := json.Unmarshal([]byte(payload), &code); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	return &code, nil
}

type refreshTokenStore struct{ s *Store }

func (r refreshTokenStore) write(ctx context.Context, token *storage.RefreshToken) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	ttl := r.s.ttlUntil(token.CreatedAt.Add(token.Lifetime))
	if err := r.s.client.Set(ctx, r.s.key("refresh", token.Handle), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save refresh token: %w", err)
	}
	return nil
}

func (r refreshTokenStore) Save(ctx context.Context, token *storage.RefreshToken) error {
	return r.write(ctx, token)
}

func (r refreshTokenStore) Get(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	payload, err := r.s.client.Get(ctx, r.s.key("refresh", handle)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("redis get refresh token: %w", err)
	}
	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(payload), &token); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &token, nil
}

func (r refreshTokenStore) Update(ctx context.Context, token *storage.RefreshToken) error {
	return r.write(ctx, token)
}

func (r refreshTokenStore) Delete(ctx context.Context, handle string) error {
	if err := r.s.client.Del(ctx, r.s.key("refresh", handle)).Err(); err != nil {
		return fmt.Errorf("redis delete refresh token: %w", err)
	}
	return nil
}

// referenceTokenRecord is the wire form of a reference token; the claims
// payload is stored encrypted when an encryptor is configured.
type referenceTokenRecord struct {
	Handle    string        `json:"handle"`
	TokenID   string        `json:"token_id"`
	ClientID  string        `json:"client_id"`
	RealmID   string        `json:"realm_id"`
	Subject   string        `json:"subject"`
	Claims    string        `json:"claims"`
	CreatedAt time.Time     `json:"created_at"`
	Lifetime  time.Duration `json:"lifetime"`
}

type referenceTokenStore struct{ s *Store }

func (r referenceTokenStore) Save(ctx context.Context, token *storage.ReferenceToken) error {
	claims, err := r.s.encryptor.Encrypt(token.Claims)
	if err != nil {
		return fmt.Errorf("encrypt reference token claims: %w", err)
	}
	record := referenceTokenRecord{
		Handle:    token.Handle,
		TokenID:   token.TokenID,
		ClientID:  token.ClientID,
		RealmID:   token.RealmID,
		Subject:   token.Subject,
		Claims:    claims,
		CreatedAt: token.CreatedAt,
		Lifetime:  token.Lifetime,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal reference token: %w", err)
	}
	ttl := r.s.ttlUntil(token.CreatedAt.Add(token.Lifetime))
	if err := r.s.client.Set(ctx, r.s.key("reference", token.Handle), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save reference token: %w", err)
	}
	return nil
}

func (r referenceTokenStore) Get(ctx context.Context, handle string) (*storage.ReferenceToken, error) {
	payload, err := r.s.client.Get(ctx, r.s.key("reference", handle)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("redis get reference token: %w", err)
	}
	var record referenceTokenRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("unmarshal reference token: %w", err)
	}
	claims, err := r.s.encryptor.Decrypt(record.Claims)
	if err != nil {
		return nil, fmt.Errorf("decrypt reference token claims: %w", err)
	}
	return &storage.ReferenceToken{
		Handle:    record.Handle,
		TokenID:   record.TokenID,
		ClientID:  record.ClientID,
		RealmID:   record.RealmID,
		Subject:   record.Subject,
		Claims:    claims,
		CreatedAt: record.CreatedAt,
		Lifetime:  record.Lifetime,
	}, nil
}

func (r referenceTokenStore) Delete(ctx context.Context, handle string) error {
	if err := r.s.client.Del(ctx, r.s.key("reference", handle)).Err(); err != nil {
		return fmt.Errorf("redis delete reference token: %w", err)
	}
	return nil
}

type consentStore struct{ s *Store }

func (c consentStore) consentKey(subject, clientID string) string {
	return c.s.key("consent", subject+"\x00"+clientID)
}

func (c consentStore) Find(ctx context.Context, subject, clientID string) (*storage.Consent, error) {
	payload, err := c.s.client.Get(ctx, c.consentKey(subject, clientID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrConsentNotFound
		}
		return nil, fmt.Errorf("redis get consent: %w", err)
	}
	var consent storage.Consent
	if err := json.Unmarshal([]byte(payload), &consent); err != nil {
		return nil, fmt.Errorf("unmarshal consent: %w", err)
	}
	return &consent, nil
}

func (c consentStore) Save(ctx context.Context, consent *storage.Consent) error {
	payload, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	var ttl time.Duration // zero expiration keeps the record until revoked
	if !consent.Expiration.IsZero() {
		ttl = c.s.ttlUntil(consent.Expiration)
	}
	if err := c.s.client.Set(ctx, c.consentKey(consent.Subject, consent.ClientID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis save consent: %w", err)
	}
	return nil
}

func (c consentStore) Delete(ctx context.Context, subject, clientID string) error {
	if err := c.s.client.Del(ctx, c.consentKey(subject, clientID)).Err(); err != nil {
		return fmt.Errorf("redis delete consent: %w", err)
	}
	return nil
}
