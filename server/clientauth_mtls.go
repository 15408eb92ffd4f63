package server

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/storage"
)

// mtlsEvaluator authenticates clients by their TLS client certificate
// (RFC 8705). The TLS layer has already verified the chain; this evaluator
// only matches the presented certificate against the client's registered
// certificate secrets. A thumbprint match binds the certificate into issued
// access tokens via the cnf claim; a subject-name match authenticates without
// binding, since any number of certificates can share a name.
type mtlsEvaluator struct {
	server *Server
}

func (e *mtlsEvaluator) Name() string { return MethodMTLS }

func (e *mtlsEvaluator) Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error) {
	cert := req.ClientCertificate
	clientID := req.Raw.Get(oidc.ParamClientID)
	if cert == nil || clientID == "" {
		return &EvaluatedCredential{Method: MethodMTLS, NotPresented: true}, nil
	}

	invalid := func(reason string) *EvaluatedCredential {
		return &EvaluatedCredential{Method: MethodMTLS, ClientID: clientID, failureReason: reason}
	}

	client, reason := e.server.loadClient(ctx, req.RealmID, clientID)
	if client == nil {
		return invalid(reason), nil
	}

	thumbprint := certificateThumbprint(cert)
	subjectName := cert.Subject.String()
	now := e.server.clock.Now()

	for i := range client.Secrets {
		secret := &client.Secrets[i]
		if secret.Expired(now) {
			continue
		}
		switch secret.Type {
		case storage.SecretTypeX509Thumbprint:
			if security.ConstantTimeEquals(secret.Value, thumbprint) {
				return &EvaluatedCredential{
					Method:        MethodMTLS,
					ClientID:      clientID,
					Valid:         true,
					Client:        client,
					MatchedSecret: secret,
					Confirmation:  thumbprint,
				}, nil
			}
		case storage.SecretTypeX509Name:
			if secret.Value == subjectName {
				return &EvaluatedCredential{
					Method:        MethodMTLS,
					ClientID:      clientID,
					Valid:         true,
					Client:        client,
					MatchedSecret: secret,
				}, nil
			}
		}
	}

	return invalid("certificate does not match any registered client secret"), nil
}

// certificateThumbprint returns the base64url-encoded SHA-256 digest of the
// certificate's DER encoding, the x5t#S256 value of RFC 8705.
func certificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
