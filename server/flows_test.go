package server

import (
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/realmauth/realm-oidc/storage"
)

func TestAuthorizeCodeFlow(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	resp, errResp := f.authorize(codeAuthorizeParams())
	if errResp != nil {
		t.Fatalf("unexpected error response: %v", errResp.Error)
	}
	if resp == nil || resp.Code == "" {
		t.Fatalf("expected an authorization code, got %+v", resp)
	}
	if resp.ConsentRequired {
		t.Fatal("consent must not be required for this client")
	}
	if resp.RedirectURI != "https://localhost:5001/signin-callback" {
		t.Errorf("redirect URI = %q", resp.RedirectURI)
	}
	if resp.ResponseMode != "query" {
		t.Errorf("response mode = %q, want query", resp.ResponseMode)
	}
	if resp.State != "xyz" {
		t.Errorf("state = %q", resp.State)
	}
}

func TestAuthorizeRejectsUnauthenticatedSubject(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	resp, errResp, err := f.server.Authorize(t.Context(), &AuthorizeRequest{
		RealmID: testRealm,
		Issuer:  testIssuer,
		Raw:     codeAuthorizeParams(),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no success response, got %+v", resp)
	}
	if got := protocolErrorCode(t, errResp); got != "login_required" {
		t.Errorf("error code = %q, want login_required", got)
	}
	if errResp.RedirectURI == "" {
		t.Error("post-validation errors must be redirect-deliverable")
	}
}

func TestCodeRedemption(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, errResp := f.authorize(codeAuthorizeParams())
	if errResp != nil {
		t.Fatalf("authorize failed: %v", errResp.Error)
	}

	tokenResp, tokenErr := f.token(codeTokenParams(authResp.Code))
	if tokenErr != nil {
		t.Fatalf("token failed: %v", tokenErr.Error)
	}
	if tokenResp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if tokenResp.IDToken == "" {
		t.Fatal("expected an identity token for an openid grant")
	}
	if tokenResp.RefreshToken != "" {
		t.Error("no refresh token without offline_access")
	}
	if tokenResp.TokenType != "Bearer" {
		t.Errorf("token type = %q", tokenResp.TokenType)
	}

	claims := parseUnverifiedClaims(t, tokenResp.IDToken)
	if claims["sub"] != testSubject {
		t.Errorf("id_token sub = %v", claims["sub"])
	}
	if claims["aud"] != "web-app" {
		t.Errorf("id_token aud = %v", claims["aud"])
	}
	if claims["iss"] != testIssuer {
		t.Errorf("id_token iss = %v", claims["iss"])
	}
	if claims["at_hash"] == nil {
		t.Error("id_token must carry at_hash alongside an access token")
	}
	if claims["name"] != "Test User" {
		t.Errorf("profile claim name = %v", claims["name"])
	}
}

func TestCodeRedemptionMissingVerifier(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, _ := f.authorize(codeAuthorizeParams())

	params := codeTokenParams(authResp.Code)
	params.Del("code_verifier")
	_, tokenErr := f.token(params)
	if got := protocolErrorCode(t, tokenErr); got != "invalid_grant" {
		t.Fatalf("error code = %q, want invalid_grant", got)
	}
	if got := protocolErrorDescription(t, tokenErr); !strings.Contains(got, "verifier required") {
		t.Errorf("description = %q, want code verifier required", got)
	}
}

func TestCodeRedemptionWrongVerifier(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, _ := f.authorize(codeAuthorizeParams())

	params := codeTokenParams(authResp.Code)
	params.Set("code_verifier", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	_, tokenErr := f.token(params)
	if got := protocolErrorCode(t, tokenErr); got != "invalid_grant" {
		t.Fatalf("error code = %q, want invalid_grant", got)
	}
}

func TestCodeRedemptionRedirectTrailingSlash(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, _ := f.authorize(codeAuthorizeParams())

	params := codeTokenParams(authResp.Code)
	params.Set("redirect_uri", "https://localhost:5001/signin-callback/")
	_, tokenErr := f.token(params)
	if got := protocolErrorCode(t, tokenErr); got != "invalid_grant" {
		t.Fatalf("error code = %q, want invalid_grant", got)
	}
}

func TestCodeSingleUseConcurrent(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, _ := f.authorize(codeAuthorizeParams())

	const attempts = 2
	var wg sync.WaitGroup
	results := make([]*ErrorResponse, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, tokenErr := f.token(codeTokenParams(authResp.Code))
			results[i] = tokenErr
		}(i)
	}
	wg.Wait()

	successes, failures := 0, 0
	for _, errResp := range results {
		if errResp == nil {
			successes++
			continue
		}
		failures++
		if got := protocolErrorCode(t, errResp); got != "invalid_grant" {
			t.Errorf("second redemption error = %q, want invalid_grant", got)
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes = %d, failures = %d; want exactly one of each", successes, failures)
	}
}

func TestCodeExpires(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	authResp, _ := f.authorize(codeAuthorizeParams())
	f.clock.Advance(6 * time.Minute)

	_, tokenErr := f.token(codeTokenParams(authResp.Code))
	if got := protocolErrorCode(t, tokenErr); got != "invalid_grant" {
		t.Fatalf("error code = %q, want invalid_grant", got)
	}
}

func TestClientCredentials(t *testing.T) {
	f := newFixture(t)
	f.machineClient("s3cret")

	params := func(scope string) url.Values {
		return url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"machine"},
			"client_secret": {"s3cret"},
			"scope":         {scope},
		}
	}

	t.Run("allowed scope", func(t *testing.T) {
		resp, errResp := f.token(params("api.read"))
		if errResp != nil {
			t.Fatalf("unexpected error: %v", errResp.Error)
		}
		if resp.AccessToken == "" {
			t.Fatal("expected an access token")
		}
		if resp.RefreshToken != "" {
			t.Error("client_credentials must not issue refresh tokens")
		}
		if resp.IDToken != "" {
			t.Error("client_credentials must not issue identity tokens")
		}

		claims := parseUnverifiedClaims(t, resp.AccessToken)
		if claims["client_id"] != "machine" {
			t.Errorf("client_id claim = %v", claims["client_id"])
		}
		if claims["sub"] != nil {
			t.Errorf("machine tokens carry no subject, got %v", claims["sub"])
		}
		if claims["aud"] != "api" {
			t.Errorf("aud = %v, want api", claims["aud"])
		}
	})

	t.Run("scope outside allowed set", func(t *testing.T) {
		resp, errResp := f.token(params("admin"))
		if resp != nil {
			t.Fatalf("no token may be issued, got %+v", resp)
		}
		if got := protocolErrorCode(t, errResp); got != "invalid_scope" {
			t.Errorf("error code = %q, want invalid_scope", got)
		}
	})

	t.Run("openid scope rejected", func(t *testing.T) {
		_, errResp := f.token(params("openid"))
		if got := protocolErrorCode(t, errResp); got != "invalid_scope" {
			t.Errorf("error code = %q, want invalid_scope", got)
		}
	})
}

func offlineAuthorizeParams() url.Values {
	params := codeAuthorizeParams()
	params.Set("scope", "openid profile offline_access")
	return params
}

func refreshParams(handle string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web-app"},
		"refresh_token": {handle},
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newFixture(t)
	client := f.codeClient()
	client.RefreshTokenExpiration = storage.RefreshTokenExpirationSliding
	client.SlidingRefreshTokenLifetime = 24 * time.Hour
	client.AbsoluteRefreshTokenLifetime = 72 * time.Hour

	authResp, _ := f.authorize(offlineAuthorizeParams())
	tokenResp, errResp := f.token(codeTokenParams(authResp.Code))
	if errResp != nil {
		t.Fatalf("token: %v", errResp.Error)
	}
	if tokenResp.RefreshToken == "" {
		t.Fatal("expected a refresh token for offline_access")
	}
	first := tokenResp.RefreshToken

	refreshResp, errResp := f.token(refreshParams(first))
	if errResp != nil {
		t.Fatalf("refresh: %v", errResp.Error)
	}
	if refreshResp.RefreshToken == first {
		t.Fatal("rotation must issue a new handle for finite tolerance")
	}
	if refreshResp.IDToken == "" {
		t.Error("openid refresh grants return a fresh identity token")
	}

	// The consumed record stays, marked, and redeeming it again still
	// rotates into yet another record rather than reviving it.
	old, err := f.store.RefreshTokens().Get(t.Context(), first)
	if err != nil {
		t.Fatalf("old record gone: %v", err)
	}
	if old.ConsumedAt == nil {
		t.Fatal("first use must stamp ConsumedAt")
	}

	again, errResp := f.token(refreshParams(first))
	if errResp != nil {
		t.Fatalf("consumed-token refresh: %v", errResp.Error)
	}
	if again.RefreshToken == first || again.RefreshToken == refreshResp.RefreshToken {
		t.Fatal("consumed token must rotate into a brand-new record")
	}
	old, err = f.store.RefreshTokens().Get(t.Context(), first)
	if err != nil {
		t.Fatalf("old record must remain: %v", err)
	}
	if old.ConsumedAt == nil {
		t.Fatal("old record must remain consumed")
	}
}

func TestRefreshTokenInPlaceRenewal(t *testing.T) {
	f := newFixture(t)
	client := f.codeClient()
	client.RefreshTokenExpiration = storage.RefreshTokenExpirationSliding
	client.SlidingRefreshTokenLifetime = 24 * time.Hour
	client.AbsoluteRefreshTokenLifetime = 72 * time.Hour
	client.RefreshTokenPostConsumedTolerance = storage.InfinitePostConsumedTolerance

	authResp, _ := f.authorize(offlineAuthorizeParams())
	tokenResp, _ := f.token(codeTokenParams(authResp.Code))
	first := tokenResp.RefreshToken

	f.clock.Advance(12 * time.Hour)
	refreshResp, errResp := f.token(refreshParams(first))
	if errResp != nil {
		t.Fatalf("refresh: %v", errResp.Error)
	}
	if refreshResp.RefreshToken != first {
		t.Fatal("infinite tolerance renews the same handle in place")
	}

	record, err := f.store.RefreshTokens().Get(t.Context(), first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.ConsumedAt == nil {
		t.Fatal("renewal still stamps first consumption")
	}
	if expiry := record.CreatedAt.Add(record.Lifetime); !expiry.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("sliding expiry = %v, want %v", expiry, f.clock.Now().Add(24*time.Hour))
	}
}

func TestRefreshTokenExpired(t *testing.T) {
	f := newFixture(t)
	client := f.codeClient()
	client.AbsoluteRefreshTokenLifetime = time.Hour

	authResp, _ := f.authorize(offlineAuthorizeParams())
	tokenResp, _ := f.token(codeTokenParams(authResp.Code))

	f.clock.Advance(2 * time.Hour)
	_, errResp := f.token(refreshParams(tokenResp.RefreshToken))
	if got := protocolErrorCode(t, errResp); got != "invalid_grant" {
		t.Fatalf("error code = %q, want invalid_grant", got)
	}

	if _, err := f.store.RefreshTokens().Get(t.Context(), tokenResp.RefreshToken); err == nil {
		t.Error("expired refresh token must be deleted on redemption")
	}
}

func parseUnverifiedClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return claims
}
