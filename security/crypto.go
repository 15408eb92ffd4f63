// Package security provides the crypto primitives, audit logging, rate
// limiting and clock abstraction shared by the authorization-server core.
package security

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ConstantTimeEquals compares two strings in constant time with respect to
// their contents. It returns true iff a == b, for all pairs including
// differing lengths and empty strings. Length still leaks through timing;
// the values compared here (digests, challenges) are fixed-length.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashSHA256 returns the SHA-256 digest of the input.
func HashSHA256(value string) []byte {
	sum := sha256.Sum256([]byte(value))
	return sum[:]
}

// HashSHA512 returns the SHA-512 digest of the input.
func HashSHA512(value string) []byte {
	sum := sha512.Sum512([]byte(value))
	return sum[:]
}

// CodeChallengeS256 derives the S256 PKCE challenge for a verifier per
// RFC 7636: base64url(SHA256(verifier)), unpadded.
func CodeChallengeS256(verifier string) string {
	return base64.RawURLEncoding.EncodeToString(HashSHA256(verifier))
}

// HashedCodeChallenge is the storage form of a code challenge: the challenge
// the client sent, hashed once more with SHA-256 and base64url-encoded. The
// same transformation is applied to the computed challenge at verification
// time, so the two compare directly.
func HashedCodeChallenge(challenge string) string {
	return base64.RawURLEncoding.EncodeToString(HashSHA256(challenge))
}

// LeftHalfHash computes the OIDC token hash claims (at_hash, c_hash,
// s_hash): hash the value with the signing algorithm's hash function and
// base64url-encode the left half of the digest.
func LeftHalfHash(h crypto.Hash, value string) (string, error) {
	if !h.Available() {
		return "", ErrHashUnavailable
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	sum := hasher.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// ErrHashUnavailable reports a hash function not linked into the binary.
var ErrHashUnavailable = errHashUnavailable{}

type errHashUnavailable struct{}

func (errHashUnavailable) Error() string { return "hash function unavailable" }

// NewHandle generates a cryptographically secure random handle suitable for
// authorization codes, reference tokens and refresh tokens. It is an alias
// for oauth2.GenerateVerifier, which produces a URL-safe base64 string of
// 256 bits of entropy.
func NewHandle() string {
	return oauth2.GenerateVerifier()
}

// NewTokenID generates a unique token identifier (jti claim).
func NewTokenID() string {
	return uuid.NewString()
}
