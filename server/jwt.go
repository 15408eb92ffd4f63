package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/golang-jwt/jwt/v5"

	"github.com/realmauth/realm-oidc/signing"
)

// JWT typ header values.
const (
	typAccessToken = "at+jwt"
	typJWT         = "JWT"
)

func (s *Server) signingCredential(ctx context.Context, realmID string, allowedAlgorithms []string) (*signing.Credential, error) {
	cred, err := s.signer.SigningCredential(ctx, realmID, allowedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("no signing credential: %w", err)
	}
	return cred, nil
}

// signJWT produces a compact header.payload.signature token. The header
// carries the credential's key id and, for X.509-backed keys, the x5t
// certificate thumbprint.
func signJWT(cred *signing.Credential, typ string, claims map[string]any) (string, error) {
	method, err := signing.Method(cred.Algorithm)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	token.Header["kid"] = cred.KeyID
	token.Header["typ"] = typ
	if thumbprint := cred.CertificateThumbprint(); thumbprint != "" {
		token.Header["x5t"] = thumbprint
	}

	signed, err := token.SignedString(cred.Key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// mergeClaim adds a claim value to the payload without silently overwriting.
// A second value for an existing scalar claim turns it into an array. Mixing
// a JSON object/array value with a scalar under one claim type has no sound
// merge and is a configuration error, surfaced as a fatal error rather than
// a protocol error.
func mergeClaim(claims map[string]any, name string, value any) error {
	existing, ok := claims[name]
	if !ok {
		claims[name] = value
		return nil
	}
	if list, ok := existing.([]any); ok {
		if len(list) > 0 && isCompositeClaim(list[0]) != isCompositeClaim(value) {
			return fmt.Errorf("claim %q mixes structured and scalar values", name)
		}
		claims[name] = append(list, value)
		return nil
	}
	if isCompositeClaim(existing) != isCompositeClaim(value) {
		return fmt.Errorf("claim %q mixes structured and scalar values", name)
	}
	claims[name] = []any{existing, value}
	return nil
}

// isCompositeClaim reports whether a claim value serializes as a JSON object
// or array.
func isCompositeClaim(value any) bool {
	if value == nil {
		return false
	}
	switch reflect.TypeOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}
