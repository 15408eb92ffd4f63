package server

import (
	"context"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/signing"
	"github.com/realmauth/realm-oidc/storage"
)

// assertionSigningAlgorithms lists the JWS algorithms accepted on client
// assertions. Symmetric algorithms are deliberately absent; a client that
// can share a symmetric key can use client_secret_basic instead.
var assertionSigningAlgorithms = []string{
	signing.AlgRS256, signing.AlgRS384, signing.AlgRS512,
	signing.AlgPS256, signing.AlgPS384, signing.AlgPS512,
	signing.AlgES256, signing.AlgES384, signing.AlgES512,
}

// privateKeyJWTEvaluator validates private_key_jwt client assertions
// (RFC 7523). The assertion must be signed by one of the client's registered
// JWKs, carry iss == sub == client_id, be audience-restricted to the token
// endpoint, and present a fresh jti. Accepted jti values go into the replay
// cache keyed by this evaluator's name so another assertion kind reusing the
// same identifier is not falsely flagged.
type privateKeyJWTEvaluator struct {
	server *Server
}

func (e *privateKeyJWTEvaluator) Name() string { return MethodPrivateKeyJWT }

func (e *privateKeyJWTEvaluator) Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error) {
	assertion := req.Raw.Get(oidc.ParamClientAssertion)
	if assertion == "" {
		return &EvaluatedCredential{Method: MethodPrivateKeyJWT, NotPresented: true}, nil
	}

	invalid := func(clientID, reason string) *EvaluatedCredential {
		return &EvaluatedCredential{Method: MethodPrivateKeyJWT, ClientID: clientID, failureReason: reason}
	}

	if req.Raw.Get(oidc.ParamClientAssertionType) != oidc.ClientAssertionTypeJWTBearer {
		return invalid("", "unsupported client assertion type"), nil
	}
	if len(assertion) > e.server.config.InputLengthRestrictions.ClientAssertion {
		return invalid("", "client assertion exceeds length limit"), nil
	}

	// The signer is not known until the issuer is, so claims are extracted
	// unverified first. Nothing from this pass is trusted beyond selecting
	// which client's keys to verify against.
	unverified := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(assertion, unverified); err != nil {
		return invalid("", "malformed client assertion"), nil
	}
	issuer, _ := unverified["iss"].(string)
	subject, _ := unverified["sub"].(string)
	if issuer == "" || subject == "" || issuer != subject {
		return invalid(subject, "assertion issuer and subject must both equal the client id"), nil
	}
	clientID := subject
	if param := req.Raw.Get(oidc.ParamClientID); param != "" && param != clientID {
		return invalid(clientID, "client_id parameter contradicts assertion subject"), nil
	}

	client, reason := e.server.loadClient(ctx, req.RealmID, clientID)
	if client == nil {
		return invalid(clientID, reason), nil
	}

	keys := e.clientKeys(client)
	if len(keys) == 0 {
		return invalid(clientID, "client has no registered signing keys"), nil
	}

	claims := jwt.MapClaims{}
	verifier := jwt.NewParser(
		jwt.WithValidMethods(assertionSigningAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(req.TokenEndpointURL),
		jwt.WithLeeway(e.server.config.ClockSkew),
		jwt.WithIssuer(clientID),
		jwt.WithSubject(clientID),
	)
	_, err := verifier.ParseWithClaims(assertion, claims, func(token *jwt.Token) (any, error) {
		if kid, ok := token.Header["kid"].(string); ok && kid != "" {
			for _, candidate := range keys {
				if candidate.keyID == kid {
					return candidate.key, nil
				}
			}
			return nil, fmt.Errorf("no registered key with kid %q", kid)
		}
		set := jwt.VerificationKeySet{}
		for _, candidate := range keys {
			set.Keys = append(set.Keys, candidate.key)
		}
		return set, nil
	})
	if err != nil {
		return invalid(clientID, "client assertion verification failed"), nil
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return invalid(clientID, "client assertion is missing jti"), nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return invalid(clientID, "client assertion is missing exp"), nil
	}

	seen, err := e.server.stores.Replay.Exists(ctx, e.Name(), jti)
	if err != nil {
		return nil, fmt.Errorf("replay cache lookup: %w", err)
	}
	if seen {
		e.server.metrics.RecordReplayDetected(ctx, e.Name())
		e.server.auditor.LogReplayDetected(clientID, req.RealmID, e.Name())
		return invalid(clientID, "client assertion replayed"), nil
	}
	// The entry outlives the assertion's own validity window so a replay
	// arriving just before expiry still hits the cache.
	expiresAt := exp.Time.Add(e.server.config.AssertionReplayBuffer)
	if err := e.server.stores.Replay.Add(ctx, e.Name(), jti, expiresAt); err != nil {
		return nil, fmt.Errorf("replay cache add: %w", err)
	}

	return &EvaluatedCredential{
		Method:   MethodPrivateKeyJWT,
		ClientID: clientID,
		Valid:    true,
		Client:   client,
	}, nil
}

// namedKey pairs a verification key with its kid for keyfunc selection.
type namedKey struct {
	keyID string
	key   any
}

// clientKeys parses the client's registered JWK secrets into verification
// keys. Expired and malformed entries are skipped; a malformed key is a
// registration defect worth logging but must not block other keys.
func (e *privateKeyJWTEvaluator) clientKeys(client *storage.Client) []namedKey {
	var keys []namedKey
	now := e.server.clock.Now()

	for i := range client.Secrets {
		secret := &client.Secrets[i]
		if secret.Type != storage.SecretTypeJWK || secret.Expired(now) {
			continue
		}
		var jwk jose.JSONWebKey
		if err := json.Unmarshal([]byte(secret.Value), &jwk); err != nil {
			e.server.logger.Error("Registered client JWK is malformed",
				"client_id", client.ClientID, "secret", secret.Description, "error", err)
			continue
		}
		if !jwk.Valid() {
			e.server.logger.Error("Registered client JWK is invalid",
				"client_id", client.ClientID, "secret", secret.Description)
			continue
		}
		keys = append(keys, namedKey{keyID: jwk.KeyID, key: jwk.Key})
	}
	return keys
}
