package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/signing"
	"github.com/realmauth/realm-oidc/storage"
	"github.com/realmauth/realm-oidc/storage/memory"
)

const (
	testRealm         = "tenant1"
	testIssuer        = "https://auth.example.test/tenant1"
	testTokenEndpoint = "https://auth.example.test/tenant1/token"

	testSubject = "user-42"
	testSession = "sess-1"

	// 43 characters, the RFC 7636 minimum.
	testVerifier = "abcdefghijklmnopqrstuvwxyz0123456789-._~abc"
)

type fixture struct {
	t      *testing.T
	server *Server
	store  *memory.Store
	clock  *security.TestClock
	signer *signing.StaticProvider
}

type staticProfile struct{}

func (staticProfile) ProfileData(_ context.Context, _ *ProfileRequest) ([]Claim, error) {
	return []Claim{{Type: "name", Value: "Test User"}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := security.NewTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(discardLogger(), memory.WithClock(clock))
	t.Cleanup(store.Stop)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := signing.NewStaticProvider()
	if err := signer.AddCredential(testRealm, &signing.Credential{
		KeyID:     "test-key",
		Algorithm: signing.AlgRS256,
		Key:       key,
	}); err != nil {
		t.Fatalf("add credential: %v", err)
	}

	stores := Stores{
		Clients:         store,
		Resources:       store,
		Codes:           store.Codes(),
		RefreshTokens:   store.RefreshTokens(),
		ReferenceTokens: store.ReferenceTokens(),
		Consents:        store.Consents(),
		Replay:          store,
	}
	srv, err := New(stores, signer, staticProfile{}, nil, discardLogger(), WithClock(clock))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	store.AddIdentityResource(testRealm, storage.IdentityResource{
		Name: "openid", Enabled: true, ClaimTypes: []string{"sub"},
	})
	store.AddIdentityResource(testRealm, storage.IdentityResource{
		Name: "profile", Enabled: true, ClaimTypes: []string{"name"},
	})
	store.AddAPIScope(testRealm, storage.APIScope{Name: "api.read", Enabled: true})
	store.AddAPIScope(testRealm, storage.APIScope{Name: "admin", Enabled: true})
	store.AddAPIResource(testRealm, storage.APIResource{
		Name: "api", Enabled: true, Scopes: []string{"api.read"},
	})

	return &fixture{t: t, server: srv, store: store, clock: clock, signer: signer}
}

// codeClient is a public code-flow client with a deep-path wildcard redirect
// registration and mandatory PKCE.
func (f *fixture) codeClient() *storage.Client {
	client := &storage.Client{
		ClientID:             "web-app",
		RealmID:              testRealm,
		Enabled:              true,
		ProtocolType:         storage.ProtocolTypeOIDC,
		AllowedGrantTypes:    []string{"authorization_code", "refresh_token"},
		AllowedResponseTypes: []string{"code", "code id_token", "id_token token"},
		AllowedScopes:        []string{"openid", "profile", "api.read", "offline_access"},
		RedirectURIs:         []string{"https://localhost:5001/**"},
		RequirePKCE:          true,
		AllowOfflineAccess:   true,
	}
	f.store.AddClient(client)
	return client
}

// machineClient is a confidential client_credentials client authenticating
// with a SHA-256 hashed shared secret.
func (f *fixture) machineClient(secret string) *storage.Client {
	client := &storage.Client{
		ClientID:          "machine",
		RealmID:           testRealm,
		Enabled:           true,
		ProtocolType:      storage.ProtocolTypeOIDC,
		AllowedGrantTypes: []string{"client_credentials"},
		AllowedScopes:     []string{"api.read"},
		Secrets:           []storage.Secret{sharedSecret256(secret)},
	}
	f.store.AddClient(client)
	return client
}

func sharedSecret256(plain string) storage.Secret {
	digest := sha256.Sum256([]byte(plain))
	return storage.Secret{
		Type:  storage.SecretTypeSharedSecret,
		Value: base64.StdEncoding.EncodeToString(digest[:]),
	}
}

func (f *fixture) authorize(params url.Values) (*AuthorizeResponse, *ErrorResponse) {
	f.t.Helper()
	resp, errResp, err := f.server.Authorize(context.Background(), &AuthorizeRequest{
		RealmID:   testRealm,
		Issuer:    testIssuer,
		Subject:   testSubject,
		SessionID: testSession,
		Raw:       params,
	})
	if err != nil {
		f.t.Fatalf("authorize: %v", err)
	}
	return resp, errResp
}

func (f *fixture) token(params url.Values) (*TokenResponse, *ErrorResponse) {
	f.t.Helper()
	resp, errResp, err := f.server.Token(context.Background(), &TokenRequest{
		RealmID:          testRealm,
		Issuer:           testIssuer,
		TokenEndpointURL: testTokenEndpoint,
		Raw:              params,
	})
	if err != nil {
		f.t.Fatalf("token: %v", err)
	}
	return resp, errResp
}

func codeAuthorizeParams() url.Values {
	return url.Values{
		"client_id":             {"web-app"},
		"response_type":         {"code"},
		"redirect_uri":          {"https://localhost:5001/signin-callback"},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"code_challenge":        {security.CodeChallengeS256(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func codeTokenParams(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"web-app"},
		"code":          {code},
		"redirect_uri":  {"https://localhost:5001/signin-callback"},
		"code_verifier": {testVerifier},
	}
}

func protocolErrorCode(t *testing.T, errResp *ErrorResponse) string {
	t.Helper()
	if errResp == nil {
		t.Fatal("expected an error response")
	}
	var perr *oidc.Error
	if !errors.As(errResp.Error, &perr) {
		t.Fatalf("expected protocol error, got %v", errResp.Error)
	}
	return perr.Code
}

func protocolErrorDescription(t *testing.T, errResp *ErrorResponse) string {
	t.Helper()
	if errResp == nil {
		t.Fatal("expected an error response")
	}
	var perr *oidc.Error
	if !errors.As(errResp.Error, &perr) {
		t.Fatalf("expected protocol error, got %v", errResp.Error)
	}
	return perr.Description
}
