package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/signing"
	"github.com/realmauth/realm-oidc/storage"
)

// TokenCreationRequest carries everything the token factory needs to
// assemble one grant's artifacts.
type TokenCreationRequest struct {
	RealmID string
	Issuer  string
	Client  *storage.Client

	Subject   string
	SessionID string

	Scopes    []string
	Resources *storage.Resources

	// Confirmation is the certificate thumbprint produced by client
	// authentication, bound into access tokens as the cnf claim.
	Confirmation      string
	ClientCertificate *x509.Certificate

	// Identity token inputs.
	Nonce             string
	AccessTokenToHash string
	CodeToHash        string
	StateToHash       string
}

// claims that the profile service must not override.
var protectedClaimTypes = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {},
	"nbf": {}, "jti": {}, "nonce": {}, "sid": {},
	"at_hash": {}, "c_hash": {}, "s_hash": {}, "cnf": {},
}

// CreateAccessToken assembles, signs (or stores) and returns an access token
// together with its token id (jti).
func (s *Server) CreateAccessToken(ctx context.Context, req *TokenCreationRequest) (string, string, error) {
	client := req.Client
	resources := req.Resources
	now := s.clock.Now()
	lifetime := s.accessTokenLifetime(client)
	tokenID := security.NewTokenID()

	claims := map[string]any{
		"iss":       req.Issuer,
		"client_id": client.ClientID,
		"jti":       tokenID,
		"iat":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
	}
	if req.Subject != "" {
		claims["sub"] = req.Subject
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}

	audiences := accessTokenAudiences(client, resources)
	switch len(audiences) {
	case 0:
	case 1:
		claims["aud"] = audiences[0]
	default:
		claims["aud"] = audiences
	}

	if confirmation := s.tokenConfirmation(req); confirmation != "" {
		claims["cnf"] = map[string]any{"x5t#S256": confirmation}
	}

	if client.AccessTokenType == storage.AccessTokenReference {
		handle, err := s.storeReferenceToken(ctx, req, tokenID, claims, now, lifetime)
		if err != nil {
			return "", "", err
		}
		return handle, tokenID, nil
	}

	cred, err := s.signingCredential(ctx, req.RealmID, accessTokenSigningAlgorithms(resources))
	if err != nil {
		return "", "", err
	}
	signed, err := signJWT(cred, typAccessToken, claims)
	if err != nil {
		return "", "", err
	}
	return signed, tokenID, nil
}

// accessTokenLifetime applies the client's lifetime or the server default.
func (s *Server) accessTokenLifetime(client *storage.Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	return s.config.DefaultAccessTokenLifetime
}

// accessTokenAudiences collects the enabled API resource names and, for
// OpenID requests, the client id itself so the token is accepted at the
// userinfo boundary.
func accessTokenAudiences(client *storage.Client, resources *storage.Resources) []string {
	var audiences []string
	if resources != nil {
		for _, api := range resources.APIResources {
			if api.Enabled {
				audiences = append(audiences, api.Name)
			}
		}
		if resources.OpenID {
			audiences = append(audiences, client.ClientID)
		}
	}
	return audiences
}

// accessTokenSigningAlgorithms returns the first algorithm restriction
// declared by a requested API resource; an empty result means any.
func accessTokenSigningAlgorithms(resources *storage.Resources) []string {
	if resources == nil {
		return nil
	}
	for _, api := range resources.APIResources {
		if len(api.SigningAlgorithms) > 0 {
			return api.SigningAlgorithms
		}
	}
	return nil
}

// tokenConfirmation selects the cnf thumbprint: the one produced by client
// authentication wins; otherwise a client configured to always bind tokens
// falls back to the caller's certificate.
func (s *Server) tokenConfirmation(req *TokenCreationRequest) string {
	if req.Confirmation != "" {
		return req.Confirmation
	}
	if req.Client.AlwaysEmitCertificateConfirmation && req.ClientCertificate != nil {
		return certificateThumbprint(req.ClientCertificate)
	}
	return ""
}

func (s *Server) storeReferenceToken(ctx context.Context, req *TokenCreationRequest, tokenID string, claims map[string]any, now time.Time, lifetime time.Duration) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("serialize reference token claims: %w", err)
	}
	handle := security.NewHandle()
	record := &storage.ReferenceToken{
		Handle:    handle,
		TokenID:   tokenID,
		ClientID:  req.Client.ClientID,
		RealmID:   req.RealmID,
		Subject:   req.Subject,
		Claims:    payload,
		CreatedAt: now,
		Lifetime:  lifetime,
	}
	if err := s.stores.ReferenceTokens.Save(ctx, record); err != nil {
		return "", fmt.Errorf("save reference token: %w", err)
	}
	return handle, nil
}

// CreateIdentityToken assembles and signs an identity token. Identity tokens
// are always JWTs.
func (s *Server) CreateIdentityToken(ctx context.Context, req *TokenCreationRequest) (string, error) {
	client := req.Client
	if req.Subject == "" {
		return "", fmt.Errorf("identity token requires a subject")
	}

	cred, err := s.signingCredential(ctx, req.RealmID, client.AllowedIdentityTokenSigningAlgorithms)
	if err != nil {
		return "", err
	}
	hash, err := signing.AlgorithmHash(cred.Algorithm)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	lifetime := client.IdentityTokenLifetime
	if lifetime <= 0 {
		lifetime = s.config.DefaultIdentityTokenLifetime
	}

	claims := map[string]any{
		"iss": req.Issuer,
		"sub": req.Subject,
		"aud": client.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}

	// The token hash claims bind sibling artifacts issued in the same
	// response to this identity token.
	for claim, value := range map[string]string{
		"at_hash": req.AccessTokenToHash,
		"c_hash":  req.CodeToHash,
		"s_hash":  req.StateToHash,
	} {
		if value == "" {
			continue
		}
		hashed, err := security.LeftHalfHash(hash, value)
		if err != nil {
			return "", fmt.Errorf("derive %s: %w", claim, err)
		}
		claims[claim] = hashed
	}

	if err := s.addProfileClaims(ctx, req, claims); err != nil {
		return "", err
	}

	return signJWT(cred, typJWT, claims)
}

func (s *Server) addProfileClaims(ctx context.Context, req *TokenCreationRequest, claims map[string]any) error {
	var identityResources []storage.IdentityResource
	if req.Resources != nil {
		identityResources = req.Resources.IdentityResources
	}
	profileClaims, err := s.profile.ProfileData(ctx, &ProfileRequest{
		RealmID:           req.RealmID,
		Subject:           req.Subject,
		ClientID:          req.Client.ClientID,
		Scopes:            req.Scopes,
		IdentityResources: identityResources,
	})
	if err != nil {
		return fmt.Errorf("profile data: %w", err)
	}

	for _, claim := range profileClaims {
		if _, protected := protectedClaimTypes[claim.Type]; protected {
			s.logger.Warn("Profile service attempted to set a protected claim",
				"claim", claim.Type, "client_id", req.Client.ClientID)
			continue
		}
		if err := mergeClaim(claims, claim.Type, claim.Value); err != nil {
			return fmt.Errorf("profile claims: %w", err)
		}
	}
	return nil
}

// CreateRefreshToken persists a fresh refresh token and returns its handle.
func (s *Server) CreateRefreshToken(ctx context.Context, req *TokenCreationRequest, accessTokenID string) (string, error) {
	client := req.Client
	now := s.clock.Now()

	handle := security.NewHandle()
	record := &storage.RefreshToken{
		Handle:        handle,
		ClientID:      client.ClientID,
		RealmID:       req.RealmID,
		Subject:       req.Subject,
		SessionID:     req.SessionID,
		AccessTokenID: accessTokenID,
		Scopes:        req.Scopes,
		CreatedAt:     now,
		Lifetime:      s.refreshTokenLifetime(client),
	}
	if err := s.stores.RefreshTokens.Save(ctx, record); err != nil {
		return "", fmt.Errorf("save refresh token: %w", err)
	}
	return handle, nil
}

// refreshTokenLifetime applies the client's expiration policy. A sliding
// lifetime above the absolute cap is a misconfiguration; it is capped with a
// warning rather than rejected.
func (s *Server) refreshTokenLifetime(client *storage.Client) time.Duration {
	absolute := client.AbsoluteRefreshTokenLifetime
	if absolute <= 0 {
		absolute = s.config.DefaultAbsoluteRefreshTokenLifetime
	}
	if client.RefreshTokenExpiration != storage.RefreshTokenExpirationSliding {
		return absolute
	}

	sliding := client.SlidingRefreshTokenLifetime
	if sliding <= 0 {
		sliding = s.config.DefaultSlidingRefreshTokenLifetime
	}
	if sliding > absolute {
		s.logger.Warn("Sliding refresh token lifetime exceeds absolute lifetime, capping",
			"client_id", client.ClientID,
			"sliding", sliding,
			"absolute", absolute)
		sliding = absolute
	}
	return sliding
}
