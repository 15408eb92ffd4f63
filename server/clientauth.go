package server

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/security"
	"github.com/realmauth/realm-oidc/storage"
)

// Credential presentation methods, reported in audit events and used to key
// the assertion replay cache.
const (
	MethodBasic         = "client_secret_basic"
	MethodPost          = "client_secret_post"
	MethodPrivateKeyJWT = "private_key_jwt"
	MethodMTLS          = "tls_client_auth"
	MethodNone          = "none"
)

// EvaluatedCredential is one evaluator's verdict on a request. NotPresented
// means the evaluator found no credential of its kind; such results never
// influence the outcome. A presented credential is either valid or not; a
// single invalid presented credential fails the whole authentication.
type EvaluatedCredential struct {
	Method       string
	ClientID     string
	NotPresented bool
	Valid        bool

	Client        *storage.Client
	MatchedSecret *storage.Secret

	// Confirmation is the base64url SHA-256 certificate thumbprint to bind
	// into issued access tokens, set by certificate-based evaluators.
	Confirmation string

	failureReason string
}

// EvaluatedClient is the outcome of client authentication.
type EvaluatedClient struct {
	Client       *storage.Client
	Method       string
	Confirmation string
}

// credentialEvaluator inspects a token request for one credential kind. All
// evaluators run on every request; each independently re-validates client
// existence and secret state rather than trusting a previous evaluator.
type credentialEvaluator interface {
	Name() string
	Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error)
}

// clientAuthenticator runs the fixed evaluator set and arbitrates. The first
// presented real credential decides the outcome; the "none" result is kept
// only as a fallback so public clients remain recognizable.
type clientAuthenticator struct {
	server     *Server
	evaluators []credentialEvaluator
}

func newClientAuthenticator(s *Server) *clientAuthenticator {
	return &clientAuthenticator{
		server: s,
		evaluators: []credentialEvaluator{
			&basicSecretEvaluator{server: s},
			&postSecretEvaluator{server: s},
			&privateKeyJWTEvaluator{server: s},
			&mtlsEvaluator{server: s},
			&publicClientEvaluator{server: s},
		},
	}
}

// Authenticate evaluates every credential on the request. Failures are
// reported uniformly as invalid_client regardless of cause so the endpoint
// does not leak whether a client exists, is disabled, or holds other secrets.
func (a *clientAuthenticator) Authenticate(ctx context.Context, req *TokenRequest) (*EvaluatedClient, error) {
	var fallback *EvaluatedCredential

	for _, ev := range a.evaluators {
		cred, err := ev.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("credential evaluator %s: %w", ev.Name(), err)
		}
		if cred == nil || cred.NotPresented {
			continue
		}

		if cred.Method == MethodNone {
			if fallback == nil {
				fallback = cred
			}
			continue
		}

		if !cred.Valid {
			a.server.auditAuthFailure(cred.ClientID, req.RealmID, cred.Method, cred.failureReason)
			return nil, oidc.ErrInvalidClient("client authentication failed")
		}
		a.server.metrics.RecordClientAuth(ctx, cred.Method, true)
		return &EvaluatedClient{
			Client:       cred.Client,
			Method:       cred.Method,
			Confirmation: cred.Confirmation,
		}, nil
	}

	if fallback != nil {
		if !fallback.Valid {
			a.server.auditAuthFailure(fallback.ClientID, req.RealmID, MethodNone, fallback.failureReason)
			return nil, oidc.ErrInvalidClient("client authentication failed")
		}
		a.server.metrics.RecordClientAuth(ctx, MethodNone, true)
		return &EvaluatedClient{Client: fallback.Client, Method: MethodNone}, nil
	}

	return nil, oidc.ErrInvalidClient("no client credentials presented")
}

func (s *Server) auditAuthFailure(clientID, realmID, method, reason string) {
	if !s.allowSecurityEvent(clientID) {
		return
	}
	s.logger.Warn("Client authentication failed",
		"client_id", safeTruncate(clientID, 64),
		"realm_id", realmID,
		"method", method,
		"reason", reason)
	s.auditor.LogClientAuthFailure(clientID, realmID, method, reason)
}

// loadClient fetches an enabled client after bounding the identifier length.
// Every evaluator goes through here so the length and existence rules cannot
// drift between credential kinds.
func (s *Server) loadClient(ctx context.Context, realmID, clientID string) (*storage.Client, string) {
	if clientID == "" {
		return nil, "client id missing"
	}
	if len(clientID) > s.config.InputLengthRestrictions.ClientID {
		return nil, "client id exceeds length limit"
	}
	client, err := s.stores.Clients.FindEnabledClientByID(ctx, realmID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, "unknown or disabled client"
		}
		s.logger.Error("Client lookup failed", "error", err, "client_id", safeTruncate(clientID, 64))
		return nil, "client lookup failed"
	}
	return client, ""
}

// matchSharedSecret compares a presented plaintext secret against the
// client's stored secret digests. Stored values are base64 SHA-256 (32 byte)
// or SHA-512 (64 byte) digests; any other length is a configuration defect
// and never matches. Comparison is constant-time per candidate secret.
func (s *Server) matchSharedSecret(client *storage.Client, provided string) (*storage.Secret, bool) {
	if len(provided) > s.config.InputLengthRestrictions.ClientSecret {
		return nil, false
	}
	now := s.clock.Now()

	var matched *storage.Secret
	for i := range client.Secrets {
		secret := &client.Secrets[i]
		if secret.Type != storage.SecretTypeSharedSecret || secret.Expired(now) {
			continue
		}
		stored, err := base64.StdEncoding.DecodeString(secret.Value)
		if err != nil {
			s.logger.Error("Stored shared secret is not valid base64",
				"client_id", client.ClientID, "secret", secret.Description)
			continue
		}

		var digest []byte
		switch len(stored) {
		case sha256.Size:
			digest = security.HashSHA256(provided)
		case sha512.Size:
			digest = security.HashSHA512(provided)
		default:
			s.logger.Error("Stored shared secret has unsupported digest length",
				"client_id", client.ClientID, "length", len(stored))
			continue
		}

		// Every candidate is compared so the loop cost does not reveal which
		// secret matched.
		if security.ConstantTimeEquals(string(stored), string(digest)) && matched == nil {
			matched = secret
		}
	}
	return matched, matched != nil
}

// basicSecretEvaluator reads client_secret_basic credentials from the
// Authorization header. Identifier and secret are form-url-encoded inside
// the base64 payload per RFC 6749 appendix B.
type basicSecretEvaluator struct {
	server *Server
}

func (e *basicSecretEvaluator) Name() string { return MethodBasic }

func (e *basicSecretEvaluator) Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error) {
	header := req.AuthorizationHeader
	const prefix = "Basic "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return &EvaluatedCredential{Method: MethodBasic, NotPresented: true}, nil
	}

	invalid := func(clientID, reason string) *EvaluatedCredential {
		return &EvaluatedCredential{Method: MethodBasic, ClientID: clientID, failureReason: reason}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return invalid("", "malformed basic authorization header"), nil
	}
	pair := string(raw)
	idx := strings.IndexByte(pair, ':')
	if idx < 0 {
		return invalid("", "malformed basic authorization header"), nil
	}
	clientID, err := url.QueryUnescape(pair[:idx])
	if err != nil {
		return invalid("", "client id is not form-url-encoded"), nil
	}
	secret, err := url.QueryUnescape(pair[idx+1:])
	if err != nil {
		return invalid(clientID, "client secret is not form-url-encoded"), nil
	}
	if secret == "" {
		return invalid(clientID, "empty client secret"), nil
	}

	client, reason := e.server.loadClient(ctx, req.RealmID, clientID)
	if client == nil {
		return invalid(clientID, reason), nil
	}
	matched, ok := e.server.matchSharedSecret(client, secret)
	if !ok {
		return invalid(clientID, "invalid client secret"), nil
	}
	return &EvaluatedCredential{
		Method:        MethodBasic,
		ClientID:      clientID,
		Valid:         true,
		Client:        client,
		MatchedSecret: matched,
	}, nil
}

// postSecretEvaluator reads client_secret_post credentials from the request
// body. It only speaks up when client_secret is present; a bare client_id is
// the public-client evaluator's business.
type postSecretEvaluator struct {
	server *Server
}

func (e *postSecretEvaluator) Name() string { return MethodPost }

func (e *postSecretEvaluator) Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error) {
	secret := req.Raw.Get(oidc.ParamClientSecret)
	if secret == "" {
		return &EvaluatedCredential{Method: MethodPost, NotPresented: true}, nil
	}
	clientID := req.Raw.Get(oidc.ParamClientID)

	invalid := func(reason string) *EvaluatedCredential {
		return &EvaluatedCredential{Method: MethodPost, ClientID: clientID, failureReason: reason}
	}

	client, reason := e.server.loadClient(ctx, req.RealmID, clientID)
	if client == nil {
		return invalid(reason), nil
	}
	matched, ok := e.server.matchSharedSecret(client, secret)
	if !ok {
		return invalid("invalid client secret"), nil
	}
	return &EvaluatedCredential{
		Method:        MethodPost,
		ClientID:      clientID,
		Valid:         true,
		Client:        client,
		MatchedSecret: matched,
	}, nil
}

// publicClientEvaluator recognizes clients that present only a client_id.
// It is valid solely for clients registered without secrets; a confidential
// client arriving without credentials must not be downgraded.
type publicClientEvaluator struct {
	server *Server
}

func (e *publicClientEvaluator) Name() string { return MethodNone }

func (e *publicClientEvaluator) Evaluate(ctx context.Context, req *TokenRequest) (*EvaluatedCredential, error) {
	clientID := req.Raw.Get(oidc.ParamClientID)
	if clientID == "" {
		return &EvaluatedCredential{Method: MethodNone, NotPresented: true}, nil
	}

	client, reason := e.server.loadClient(ctx, req.RealmID, clientID)
	if client == nil {
		return &EvaluatedCredential{Method: MethodNone, ClientID: clientID, failureReason: reason}, nil
	}
	if len(client.Secrets) > 0 {
		return &EvaluatedCredential{Method: MethodNone, ClientID: clientID, Client: client,
			failureReason: "confidential client presented no credentials"}, nil
	}
	return &EvaluatedCredential{Method: MethodNone, ClientID: clientID, Valid: true, Client: client}, nil
}
