// Package signing provides the signing-credential surface the token factory
// consumes. Key generation and rotation are out of scope: a
// CredentialProvider hands out ready-to-use credentials per realm, and the
// package maps JOSE algorithm names onto signing methods and hash functions.
package signing

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Supported JOSE signing algorithm names.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgPS384 = "PS384"
	AlgPS512 = "PS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
)

// DefaultAlgorithm is used when neither client nor resource restricts the
// signing algorithm.
const DefaultAlgorithm = AlgRS256

var signingMethods = map[string]jwt.SigningMethod{
	AlgRS256: jwt.SigningMethodRS256,
	AlgRS384: jwt.SigningMethodRS384,
	AlgRS512: jwt.SigningMethodRS512,
	AlgPS256: jwt.SigningMethodPS256,
	AlgPS384: jwt.SigningMethodPS384,
	AlgPS512: jwt.SigningMethodPS512,
	AlgES256: jwt.SigningMethodES256,
	AlgES384: jwt.SigningMethodES384,
	AlgES512: jwt.SigningMethodES512,
}

var algorithmHashes = map[string]crypto.Hash{
	AlgRS256: crypto.SHA256,
	AlgRS384: crypto.SHA384,
	AlgRS512: crypto.SHA512,
	AlgPS256: crypto.SHA256,
	AlgPS384: crypto.SHA384,
	AlgPS512: crypto.SHA512,
	AlgES256: crypto.SHA256,
	AlgES384: crypto.SHA384,
	AlgES512: crypto.SHA512,
}

// Method returns the JWT signing method for a JOSE algorithm name.
func Method(alg string) (jwt.SigningMethod, error) {
	m, ok := signingMethods[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
	return m, nil
}

// AlgorithmHash returns the hash function a JOSE algorithm is built on,
// used to derive the at_hash/c_hash/s_hash claims.
func AlgorithmHash(alg string) (crypto.Hash, error) {
	h, ok := algorithmHashes[alg]
	if !ok {
		return 0, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
	return h, nil
}

// Credential is a ready-to-use signing key for one realm.
type Credential struct {
	KeyID     string
	Algorithm string
	Key       crypto.PrivateKey

	// Certificate is set for X.509-backed keys; its thumbprint is emitted
	// as the x5t JWT header.
	Certificate *x509.Certificate
}

// CertificateThumbprint returns the base64url SHA-256 thumbprint of the
// credential's certificate, or "" when the credential has none.
func (c *Credential) CertificateThumbprint() string {
	if c.Certificate == nil {
		return ""
	}
	sum := sha256.Sum256(c.Certificate.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidationKey is a public key published for token verification.
type ValidationKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
}

// CredentialProvider hands out signing credentials per realm. The zero
// allowedAlgorithms slice means "any".
type CredentialProvider interface {
	// SigningCredential returns a credential for the realm whose algorithm
	// is in allowedAlgorithms (any algorithm when the slice is empty), or an
	// error when none qualifies.
	SigningCredential(ctx context.Context, realmID string, allowedAlgorithms []string) (*Credential, error)

	// ValidationKeys returns the realm's current validation keys.
	ValidationKeys(ctx context.Context, realmID string) ([]ValidationKey, error)
}
