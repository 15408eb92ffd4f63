package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/url"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/realmauth/realm-oidc/storage"
)

func basicAuthHeader(clientID, secret string) string {
	pair := url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(pair))
}

func (f *fixture) tokenWithHeader(params url.Values, header string) (*TokenResponse, *ErrorResponse) {
	f.t.Helper()
	resp, errResp, err := f.server.Token(f.t.Context(), &TokenRequest{
		RealmID:             testRealm,
		Issuer:              testIssuer,
		TokenEndpointURL:    testTokenEndpoint,
		AuthorizationHeader: header,
		Raw:                 params,
	})
	if err != nil {
		f.t.Fatalf("token: %v", err)
	}
	return resp, errResp
}

func machineParams() url.Values {
	return url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api.read"},
	}
}

func TestClientSecretBasic(t *testing.T) {
	f := newFixture(t)
	f.machineClient("s3cret")

	t.Run("valid secret", func(t *testing.T) {
		resp, errResp := f.tokenWithHeader(machineParams(), basicAuthHeader("machine", "s3cret"))
		if errResp != nil {
			t.Fatalf("unexpected error: %v", errResp.Error)
		}
		if resp.AccessToken == "" {
			t.Fatal("expected an access token")
		}
	})

	t.Run("credentials with reserved characters", func(t *testing.T) {
		f := newFixture(t)
		client := f.machineClient("ignored")
		client.Secrets = []storage.Secret{sharedSecret256("p@ss:word%")}

		_, errResp := f.tokenWithHeader(machineParams(), basicAuthHeader("machine", "p@ss:word%"))
		if errResp != nil {
			t.Fatalf("unexpected error: %v", errResp.Error)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, errResp := f.tokenWithHeader(machineParams(), basicAuthHeader("machine", "wrong"))
		if got := protocolErrorCode(t, errResp); got != "invalid_client" {
			t.Errorf("error code = %q, want invalid_client", got)
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		_, errResp := f.tokenWithHeader(machineParams(), basicAuthHeader("machine", ""))
		if got := protocolErrorCode(t, errResp); got != "invalid_client" {
			t.Errorf("error code = %q, want invalid_client", got)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		_, errResp := f.tokenWithHeader(machineParams(), "Basic not-base64!!!")
		if got := protocolErrorCode(t, errResp); got != "invalid_client" {
			t.Errorf("error code = %q, want invalid_client", got)
		}
	})
}

// Unknown clients, disabled clients and wrong secrets all collapse into the
// same invalid_client answer.
func TestClientAuthFailureIsUniform(t *testing.T) {
	f := newFixture(t)
	f.machineClient("s3cret")
	f.store.AddClient(&storage.Client{
		ClientID:          "disabled",
		RealmID:           testRealm,
		Enabled:           false,
		ProtocolType:      storage.ProtocolTypeOIDC,
		AllowedGrantTypes: []string{"client_credentials"},
		Secrets:           []storage.Secret{sharedSecret256("other")},
	})

	for name, params := range map[string]url.Values{
		"unknown client": {
			"grant_type": {"client_credentials"}, "client_id": {"ghost"}, "client_secret": {"s3cret"},
		},
		"disabled client": {
			"grant_type": {"client_credentials"}, "client_id": {"disabled"}, "client_secret": {"other"},
		},
		"wrong secret": {
			"grant_type": {"client_credentials"}, "client_id": {"machine"}, "client_secret": {"wrong"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, errResp := f.token(params)
			if got := protocolErrorCode(t, errResp); got != "invalid_client" {
				t.Errorf("error code = %q, want invalid_client", got)
			}
			if got := protocolErrorDescription(t, errResp); got != "client authentication failed" {
				t.Errorf("description = %q, want the uniform failure message", got)
			}
		})
	}
}

func TestConfidentialClientWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.machineClient("s3cret")

	_, errResp := f.token(url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"machine"},
		"scope":      {"api.read"},
	})
	if got := protocolErrorCode(t, errResp); got != "invalid_client" {
		t.Errorf("error code = %q, want invalid_client", got)
	}
}

func TestSharedSecretSHA512(t *testing.T) {
	f := newFixture(t)
	client := f.machineClient("ignored")
	digest := sha512.Sum512([]byte("s3cret"))
	client.Secrets = []storage.Secret{{
		Type:  storage.SecretTypeSharedSecret,
		Value: base64.StdEncoding.EncodeToString(digest[:]),
	}}

	params := machineParams()
	params.Set("client_id", "machine")
	params.Set("client_secret", "s3cret")
	if _, errResp := f.token(params); errResp != nil {
		t.Fatalf("unexpected error: %v", errResp.Error)
	}
}

// A stored digest that is neither SHA-256 nor SHA-512 sized is a registration
// defect; it never matches, it does not error out the request.
func TestSharedSecretBadDigestLengthNeverMatches(t *testing.T) {
	f := newFixture(t)
	client := f.machineClient("ignored")
	client.Secrets = []storage.Secret{{
		Type:  storage.SecretTypeSharedSecret,
		Value: base64.StdEncoding.EncodeToString([]byte("short")),
	}}

	params := machineParams()
	params.Set("client_id", "machine")
	params.Set("client_secret", "short")
	_, errResp := f.token(params)
	if got := protocolErrorCode(t, errResp); got != "invalid_client" {
		t.Errorf("error code = %q, want invalid_client", got)
	}
}

func TestExpiredSecretRejected(t *testing.T) {
	f := newFixture(t)
	client := f.machineClient("s3cret")
	expired := f.clock.Now().Add(-time.Hour)
	client.Secrets[0].Expiration = expired

	params := machineParams()
	params.Set("client_id", "machine")
	params.Set("client_secret", "s3cret")
	_, errResp := f.token(params)
	if got := protocolErrorCode(t, errResp); got != "invalid_client" {
		t.Errorf("error code = %q, want invalid_client", got)
	}
}

func (f *fixture) assertionClient(t *testing.T) (*storage.Client, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: key.Public(), KeyID: "svc-key", Algorithm: "RS256", Use: "sig"}
	raw, err := json.Marshal(jwk)
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}

	client := &storage.Client{
		ClientID:          "svc",
		RealmID:           testRealm,
		Enabled:           true,
		ProtocolType:      storage.ProtocolTypeOIDC,
		AllowedGrantTypes: []string{"client_credentials"},
		AllowedScopes:     []string{"api.read"},
		Secrets:           []storage.Secret{{Type: storage.SecretTypeJWK, Value: string(raw)}},
	}
	f.store.AddClient(client)
	return client, key
}

func signedAssertion(t *testing.T, key *rsa.PrivateKey, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "svc",
		"sub": "svc",
		"aud": testTokenEndpoint,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

func assertionParams(assertion string) url.Values {
	return url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {"api.read"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
}

func TestPrivateKeyJWT(t *testing.T) {
	f := newFixture(t)
	_, key := f.assertionClient(t)

	resp, errResp := f.token(assertionParams(signedAssertion(t, key, nil)))
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp.Error)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
}

func TestPrivateKeyJWTReplayRejected(t *testing.T) {
	f := newFixture(t)
	_, key := f.assertionClient(t)

	assertion := signedAssertion(t, key, nil)
	if _, errResp := f.token(assertionParams(assertion)); errResp != nil {
		t.Fatalf("first use must succeed: %v", errResp.Error)
	}
	_, errResp := f.token(assertionParams(assertion))
	if got := protocolErrorCode(t, errResp); got != "invalid_client" {
		t.Errorf("replayed assertion error = %q, want invalid_client", got)
	}
}

func TestPrivateKeyJWTRejections(t *testing.T) {
	f := newFixture(t)
	_, key := f.assertionClient(t)
	stranger, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tests := []struct {
		name      string
		assertion string
		mutate    func(url.Values)
	}{
		{
			name:      "signed by an unregistered key",
			assertion: signedAssertion(t, stranger, nil),
		},
		{
			name:      "wrong audience",
			assertion: signedAssertion(t, key, func(c jwt.MapClaims) { c["aud"] = "https://other.example.com/token" }),
		},
		{
			name:      "issuer subject mismatch",
			assertion: signedAssertion(t, key, func(c jwt.MapClaims) { c["iss"] = "someone-else" }),
		},
		{
			name:      "expired",
			assertion: signedAssertion(t, key, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }),
		},
		{
			name:      "missing jti",
			assertion: signedAssertion(t, key, func(c jwt.MapClaims) { delete(c, "jti") }),
		},
		{
			name:      "contradicting client_id parameter",
			assertion: signedAssertion(t, key, nil),
			mutate:    func(p url.Values) { p.Set("client_id", "machine") },
		},
		{
			name:      "wrong assertion type",
			assertion: signedAssertion(t, key, nil),
			mutate:    func(p url.Values) { p.Set("client_assertion_type", "urn:example:wrong") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := assertionParams(tt.assertion)
			if tt.mutate != nil {
				tt.mutate(params)
			}
			_, errResp := f.token(params)
			if got := protocolErrorCode(t, errResp); got != "invalid_client" {
				t.Errorf("error code = %q, want invalid_client", got)
			}
		})
	}
}

func selfSignedCertificate(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "machine", Organization: []string{"Example"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func (f *fixture) tokenWithCertificate(params url.Values, cert *x509.Certificate) (*TokenResponse, *ErrorResponse) {
	f.t.Helper()
	resp, errResp, err := f.server.Token(f.t.Context(), &TokenRequest{
		RealmID:           testRealm,
		Issuer:            testIssuer,
		TokenEndpointURL:  testTokenEndpoint,
		ClientCertificate: cert,
		Raw:               params,
	})
	if err != nil {
		f.t.Fatalf("token: %v", err)
	}
	return resp, errResp
}

func TestMTLSThumbprintAuth(t *testing.T) {
	f := newFixture(t)
	cert := selfSignedCertificate(t)
	client := f.machineClient("ignored")
	client.Secrets = []storage.Secret{{
		Type:  storage.SecretTypeX509Thumbprint,
		Value: certificateThumbprint(cert),
	}}

	params := machineParams()
	params.Set("client_id", "machine")
	resp, errResp := f.tokenWithCertificate(params, cert)
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp.Error)
	}

	// Thumbprint matches bind the certificate into the access token.
	claims := parseUnverifiedClaims(t, resp.AccessToken)
	cnf, ok := claims["cnf"].(map[string]any)
	if !ok {
		t.Fatalf("cnf claim missing or malformed: %v", claims["cnf"])
	}
	if cnf["x5t#S256"] != certificateThumbprint(cert) {
		t.Errorf("cnf thumbprint = %v", cnf["x5t#S256"])
	}
}

func TestMTLSSubjectNameAuth(t *testing.T) {
	f := newFixture(t)
	cert := selfSignedCertificate(t)
	client := f.machineClient("ignored")
	client.Secrets = []storage.Secret{{
		Type:  storage.SecretTypeX509Name,
		Value: cert.Subject.String(),
	}}

	params := machineParams()
	params.Set("client_id", "machine")
	resp, errResp := f.tokenWithCertificate(params, cert)
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp.Error)
	}

	// Name matches authenticate without binding.
	claims := parseUnverifiedClaims(t, resp.AccessToken)
	if claims["cnf"] != nil {
		t.Errorf("subject-name auth must not emit cnf, got %v", claims["cnf"])
	}
}

func TestMTLSUnregisteredCertificateRejected(t *testing.T) {
	f := newFixture(t)
	registered := selfSignedCertificate(t)
	presented := selfSignedCertificate(t)
	client := f.machineClient("ignored")
	client.Secrets = []storage.Secret{{
		Type:  storage.SecretTypeX509Thumbprint,
		Value: certificateThumbprint(registered),
	}}

	params := machineParams()
	params.Set("client_id", "machine")
	_, errResp := f.tokenWithCertificate(params, presented)
	if got := protocolErrorCode(t, errResp); got != "invalid_client" {
		t.Errorf("error code = %q, want invalid_client", got)
	}
}
