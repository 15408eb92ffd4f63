package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/storage"
)

// issueAuthorizationCode mints and persists a single-use code bound to the
// validated authorize context.
func (s *Server) issueAuthorizationCode(ctx context.Context, rc *authorizeContext) (*storage.AuthorizationCode, error) {
	client := rc.mustClient()
	now := s.clock.Now()

	code := &storage.AuthorizationCode{
		Handle:          security.NewHandle(),
		ClientID:        client.ClientID,
		RealmID:         rc.request.RealmID,
		Subject:         rc.request.Subject,
		SessionID:       rc.request.SessionID,
		CreatedAt:       now,
		Lifetime:        s.config.AuthorizationCodeLifetime,
		RequestedScopes: rc.scopes,
		RedirectURI:     rc.mustRedirectURI(),
		Nonce:           rc.nonce,
	}
	if rc.codeChallenge != "" {
		// Stored pre-hashed; the raw challenge never persists.
		code.CodeChallenge = security.HashedCodeChallenge(rc.codeChallenge)
		code.CodeChallengeMethod = rc.codeChallengeMethod
	}
	if rc.state != "" {
		code.StateHash = security.CodeChallengeS256(rc.state)
	}

	if err := s.stores.Codes.Save(ctx, code); err != nil {
		return nil, fmt.Errorf("save authorization code: %w", err)
	}
	s.metrics.RecordCodeIssued(ctx)
	return code, nil
}

// redeemAuthorizationCode performs the single-use redemption: the code is
// fetched and deleted atomically before anything is verified, so even a
// failed redemption consumes it. All failures are invalid_grant; the caller
// learns nothing about which check failed.
func (s *Server) redeemAuthorizationCode(ctx context.Context, handle, redirectURI string, client *storage.Client) (*storage.AuthorizationCode, *oidc.Error, error) {
	if handle == "" {
		return nil, oidc.ErrInvalidRequest("code is required"), nil
	}
	if len(handle) > s.config.InputLengthRestrictions.AuthorizationCode {
		return nil, oidc.ErrInvalidGrant("invalid authorization code"), nil
	}

	code, err := s.stores.Codes.Redeem(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			s.metrics.RecordCodeRedeemed(ctx, false)
			return nil, oidc.ErrInvalidGrant("invalid authorization code"), nil
		}
		return nil, nil, fmt.Errorf("redeem authorization code: %w", err)
	}

	// Ordinal comparison, no URI normalization: a trailing slash is a
	// different redirect URI.
	switch {
	case code.ClientID != client.ClientID:
		s.metrics.RecordCodeRedeemed(ctx, false)
		return nil, oidc.ErrInvalidGrant("authorization code was not issued to this client"), nil
	case code.RedirectURI != redirectURI:
		s.metrics.RecordCodeRedeemed(ctx, false)
		return nil, oidc.ErrInvalidGrant("redirect_uri does not match authorization request"), nil
	case code.Expired(s.clock.Now()):
		s.metrics.RecordCodeRedeemed(ctx, false)
		return nil, oidc.ErrInvalidGrant("authorization code expired"), nil
	}

	s.metrics.RecordCodeRedeemed(ctx, true)
	return code, nil, nil
}

// loadRefreshToken fetches and policy-checks a presented refresh token. An
// expired token is deleted. A consumed token is still accepted; rotation
// decides what happens to the old record.
func (s *Server) loadRefreshToken(ctx context.Context, handle string, client *storage.Client) (*storage.RefreshToken, *oidc.Error, error) {
	if handle == "" {
		return nil, oidc.ErrInvalidRequest("refresh_token is required"), nil
	}
	if len(handle) > s.config.InputLengthRestrictions.RefreshToken {
		return nil, oidc.ErrInvalidGrant("invalid refresh token"), nil
	}

	token, err := s.stores.RefreshTokens.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, oidc.ErrInvalidGrant("invalid refresh token"), nil
		}
		return nil, nil, fmt.Errorf("load refresh token: %w", err)
	}
	if token.ClientID != client.ClientID {
		return nil, oidc.ErrInvalidGrant("invalid refresh token"), nil
	}
	if token.Expired(s.clock.Now()) {
		if err := s.stores.RefreshTokens.Delete(ctx, handle); err != nil {
			return nil, nil, fmt.Errorf("delete expired refresh token: %w", err)
		}
		return nil, oidc.ErrInvalidGrant("refresh token expired"), nil
	}
	return token, nil, nil
}

// rotateRefreshToken finalizes a redemption. The first consumption stamps
// ConsumedAt. A sliding-policy client with infinite post-consumption
// tolerance keeps the same record and handle, renewing lifetime and access
// token binding in place; every other configuration issues a brand-new
// record and leaves the old one marked consumed. The two paths are
// exclusive: a record is renewed in place or replaced, never both.
func (s *Server) rotateRefreshToken(ctx context.Context, token *storage.RefreshToken, client *storage.Client, newAccessTokenID string) (string, error) {
	now := s.clock.Now()
	firstUse := token.ConsumedAt == nil
	if firstUse {
		consumed := now
		token.ConsumedAt = &consumed
	}

	inPlace := client.RefreshTokenExpiration == storage.RefreshTokenExpirationSliding &&
		client.RefreshTokenPostConsumedTolerance == storage.InfinitePostConsumedTolerance

	if inPlace {
		token.AccessTokenID = newAccessTokenID
		token.Lifetime = s.slidingRenewalLifetime(token, client, now)
		if err := s.stores.RefreshTokens.Update(ctx, token); err != nil {
			return "", fmt.Errorf("update refresh token: %w", err)
		}
		s.metrics.RecordRefreshRotation(ctx, true)
		return token.Handle, nil
	}

	replacement := &storage.RefreshToken{
		Handle:        security.NewHandle(),
		ClientID:      token.ClientID,
		RealmID:       token.RealmID,
		Subject:       token.Subject,
		SessionID:     token.SessionID,
		AccessTokenID: newAccessTokenID,
		Scopes:        token.Scopes,
		CreatedAt:     now,
		Lifetime:      s.replacementLifetime(token, client, now),
	}
	if err := s.stores.RefreshTokens.Save(ctx, replacement); err != nil {
		return "", fmt.Errorf("save rotated refresh token: %w", err)
	}
	if err := s.stores.RefreshTokens.Update(ctx, token); err != nil {
		return "", fmt.Errorf("mark refresh token consumed: %w", err)
	}
	s.metrics.RecordRefreshRotation(ctx, false)
	return replacement.Handle, nil
}

// slidingRenewalLifetime extends an in-place renewed token by the sliding
// window, capped so expiry never passes CreatedAt plus the absolute cap.
func (s *Server) slidingRenewalLifetime(token *storage.RefreshToken, client *storage.Client, now time.Time) time.Duration {
	sliding := client.SlidingRefreshTokenLifetime
	if sliding <= 0 {
		sliding = s.config.DefaultSlidingRefreshTokenLifetime
	}
	absolute := client.AbsoluteRefreshTokenLifetime
	if absolute <= 0 {
		absolute = s.config.DefaultAbsoluteRefreshTokenLifetime
	}

	expiry := now.Add(sliding)
	if horizon := token.CreatedAt.Add(absolute); expiry.After(horizon) {
		expiry = horizon
	}
	return expiry.Sub(token.CreatedAt)
}

// replacementLifetime computes the lifetime of a rotation replacement.
// Absolute policy keeps the original expiry point; sliding policy grants a
// fresh window capped by the original absolute horizon.
func (s *Server) replacementLifetime(token *storage.RefreshToken, client *storage.Client, now time.Time) time.Duration {
	if client.RefreshTokenExpiration == storage.RefreshTokenExpirationSliding {
		return s.slidingRenewalLifetime(token, client, now) - now.Sub(token.CreatedAt)
	}
	remaining := token.CreatedAt.Add(token.Lifetime).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
