package server

import (
	"context"
	"testing"
	"time"

	"github.com/realmauth/realm-oidc/storage"
)

func TestMergeClaim(t *testing.T) {
	claims := map[string]any{}

	if err := mergeClaim(claims, "role", "admin"); err != nil {
		t.Fatalf("first value: %v", err)
	}
	if claims["role"] != "admin" {
		t.Fatalf("role = %v", claims["role"])
	}

	// A second scalar turns the claim into an array; further values append.
	if err := mergeClaim(claims, "role", "auditor"); err != nil {
		t.Fatalf("second value: %v", err)
	}
	if err := mergeClaim(claims, "role", "operator"); err != nil {
		t.Fatalf("third value: %v", err)
	}
	roles, ok := claims["role"].([]any)
	if !ok || len(roles) != 3 {
		t.Fatalf("role = %#v, want three-element array", claims["role"])
	}

	// Structured and scalar values under one claim type have no sound merge.
	claims["address"] = map[string]any{"locality": "Berlin"}
	if err := mergeClaim(claims, "address", "Berlin"); err == nil {
		t.Fatal("mixing a structured claim with a scalar must fail")
	}
	if err := mergeClaim(claims, "score", 1); err != nil {
		t.Fatalf("numeric scalar: %v", err)
	}
	if err := mergeClaim(claims, "score", map[string]any{"raw": 1}); err == nil {
		t.Fatal("mixing a scalar claim with a structure must fail")
	}

	// The mixing rule holds after scalars have already merged into an array.
	if err := mergeClaim(claims, "role", map[string]any{"org": "x"}); err == nil {
		t.Fatal("appending a structure to a scalar array must fail")
	}
	if roles := claims["role"].([]any); len(roles) != 3 {
		t.Fatalf("role = %#v, want unchanged three-element array", roles)
	}

	// And symmetrically for an array of structured values.
	claims["groups"] = map[string]any{"id": "g1"}
	if err := mergeClaim(claims, "groups", map[string]any{"id": "g2"}); err != nil {
		t.Fatalf("second structure: %v", err)
	}
	if err := mergeClaim(claims, "groups", "g3"); err == nil {
		t.Fatal("appending a scalar to a structured array must fail")
	}
}

type fixedProfile struct {
	claims []Claim
	err    error
}

func (p fixedProfile) ProfileData(context.Context, *ProfileRequest) ([]Claim, error) {
	return p.claims, p.err
}

func identityCreation(f *fixture, client *storage.Client) *TokenCreationRequest {
	return &TokenCreationRequest{
		RealmID:   testRealm,
		Issuer:    testIssuer,
		Client:    client,
		Subject:   testSubject,
		SessionID: testSession,
		Scopes:    []string{"openid", "profile"},
		Resources: &storage.Resources{OpenID: true},
		Nonce:     "n-1",
	}
}

func TestIdentityTokenProtectedClaimsSkipped(t *testing.T) {
	f := newFixture(t)
	client := f.codeClient()
	f.server.profile = fixedProfile{claims: []Claim{
		{Type: "sub", Value: "spoofed"},
		{Type: "exp", Value: 0},
		{Type: "name", Value: "Real Name"},
	}}

	token, err := f.server.CreateIdentityToken(t.Context(), identityCreation(f, client))
	if err != nil {
		t.Fatalf("create identity token: %v", err)
	}
	claims := parseUnverifiedClaims(t, token)
	if claims["sub"] != testSubject {
		t.Errorf("sub = %v, protected claim was overridden", claims["sub"])
	}
	if claims["name"] != "Real Name" {
		t.Errorf("name = %v", claims["name"])
	}
}

func TestIdentityTokenClaimMixIsFatal(t *testing.T) {
	f := newFixture(t)
	client := f.codeClient()
	f.server.profile = fixedProfile{claims: []Claim{
		{Type: "address", Value: map[string]any{"locality": "Berlin"}},
		{Type: "address", Value: "Berlin"},
	}}

	if _, err := f.server.CreateIdentityToken(t.Context(), identityCreation(f, client)); err == nil {
		t.Fatal("expected a fatal error for mixed claim shapes")
	}
}

func TestAccessTokenAudiences(t *testing.T) {
	disabled := storage.APIResource{Name: "legacy", Enabled: false}
	api := storage.APIResource{Name: "api", Enabled: true}
	billing := storage.APIResource{Name: "billing", Enabled: true}
	client := &storage.Client{ClientID: "web-app"}

	tests := []struct {
		name      string
		resources *storage.Resources
		want      []string
	}{
		{"nil resources", nil, nil},
		{"api only", &storage.Resources{APIResources: []storage.APIResource{api}}, []string{"api"}},
		{
			"disabled resources excluded",
			&storage.Resources{APIResources: []storage.APIResource{api, disabled, billing}},
			[]string{"api", "billing"},
		},
		{
			"openid adds the client",
			&storage.Resources{OpenID: true, APIResources: []storage.APIResource{api}},
			[]string{"api", "web-app"},
		},
		{"openid alone", &storage.Resources{OpenID: true}, []string{"web-app"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := accessTokenAudiences(client, tt.resources)
			if len(got) != len(tt.want) {
				t.Fatalf("audiences = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("audiences = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestReferenceAccessToken(t *testing.T) {
	f := newFixture(t)
	client := f.machineClient("s3cret")
	client.AccessTokenType = storage.AccessTokenReference

	params := machineParams()
	params.Set("client_id", "machine")
	params.Set("client_secret", "s3cret")
	resp, errResp := f.token(params)
	if errResp != nil {
		t.Fatalf("token: %v", errResp.Error)
	}

	// A reference token is an opaque handle, not a JWT.
	if len(resp.AccessToken) == 0 || len(resp.AccessToken) > 128 {
		t.Fatalf("unexpected handle %q", resp.AccessToken)
	}
	record, err := f.store.ReferenceTokens().Get(t.Context(), resp.AccessToken)
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if record.ClientID != "machine" || record.RealmID != testRealm {
		t.Errorf("record = %+v", record)
	}
	if record.TokenID == "" {
		t.Error("record must carry the jti")
	}
}

func TestRefreshTokenLifetimePolicy(t *testing.T) {
	f := newFixture(t)

	absolute := &storage.Client{AbsoluteRefreshTokenLifetime: 48 * time.Hour}
	if got := f.server.refreshTokenLifetime(absolute); got != 48*time.Hour {
		t.Errorf("absolute lifetime = %v", got)
	}

	defaulted := &storage.Client{}
	if got := f.server.refreshTokenLifetime(defaulted); got != f.server.config.DefaultAbsoluteRefreshTokenLifetime {
		t.Errorf("default lifetime = %v", got)
	}

	sliding := &storage.Client{
		RefreshTokenExpiration:       storage.RefreshTokenExpirationSliding,
		SlidingRefreshTokenLifetime:  24 * time.Hour,
		AbsoluteRefreshTokenLifetime: 72 * time.Hour,
	}
	if got := f.server.refreshTokenLifetime(sliding); got != 24*time.Hour {
		t.Errorf("sliding lifetime = %v", got)
	}

	// A sliding window above the absolute cap is a misconfiguration and gets
	// capped rather than honored.
	capped := &storage.Client{
		RefreshTokenExpiration:       storage.RefreshTokenExpirationSliding,
		SlidingRefreshTokenLifetime:  96 * time.Hour,
		AbsoluteRefreshTokenLifetime: 72 * time.Hour,
	}
	if got := f.server.refreshTokenLifetime(capped); got != 72*time.Hour {
		t.Errorf("capped lifetime = %v", got)
	}
}

// The hybrid flow binds code and state into the identity token.
func TestHybridFlowHashClaims(t *testing.T) {
	f := newFixture(t)
	f.codeClient()

	params := codeAuthorizeParams()
	params.Set("response_type", "code id_token")
	params.Set("nonce", "n-1")

	resp, errResp := f.authorize(params)
	if errResp != nil {
		t.Fatalf("authorize: %v", errResp.Error)
	}
	if resp.Code == "" || resp.IDToken == "" {
		t.Fatalf("hybrid response incomplete: %+v", resp)
	}
	if resp.ResponseMode != "form_post" {
		t.Errorf("response mode = %q, want form_post", resp.ResponseMode)
	}

	claims := parseUnverifiedClaims(t, resp.IDToken)
	if claims["c_hash"] == nil {
		t.Error("hybrid id_token must carry c_hash")
	}
	if claims["s_hash"] == nil {
		t.Error("id_token must bind the request state via s_hash")
	}
	if claims["at_hash"] != nil {
		t.Error("no at_hash without a sibling access token")
	}
}
