package server

import (
	"log/slog"
	"time"
)

// InputLengthRestrictions bounds every raw string parameter before it is
// interpreted. Oversized values are rejected up front so nothing downstream
// parses attacker-sized input.
type InputLengthRestrictions struct {
	ClientID           int
	ClientSecret       int
	Scope              int
	Nonce              int
	UILocale           int
	LoginHint          int
	AcrValues          int
	RedirectURI        int
	CodeChallengeMin   int
	CodeChallengeMax   int
	CodeVerifierMin    int
	CodeVerifierMax    int
	ClientAssertion    int
	AuthorizationCode  int
	RefreshToken       int
}

// Config holds the policy knobs of the authorization-server core. Zero
// values are replaced by secure defaults in applyDefaults.
type Config struct {
	// AuthorizationCodeLifetime is how long issued codes are redeemable.
	AuthorizationCodeLifetime time.Duration // default: 5 minutes

	// DefaultAccessTokenLifetime applies when a client does not set one.
	DefaultAccessTokenLifetime time.Duration // default: 1 hour

	// DefaultIdentityTokenLifetime applies when a client does not set one.
	DefaultIdentityTokenLifetime time.Duration // default: 5 minutes

	// DefaultAbsoluteRefreshTokenLifetime applies when a client does not set one.
	DefaultAbsoluteRefreshTokenLifetime time.Duration // default: 30 days

	// DefaultSlidingRefreshTokenLifetime applies when a sliding-expiration
	// client does not set one.
	DefaultSlidingRefreshTokenLifetime time.Duration // default: 15 days

	// AssertionReplayBuffer is added to a client assertion's exp when the
	// assertion's jti is recorded in the replay cache, so the entry outlives
	// any window in which the assertion itself is still acceptable.
	AssertionReplayBuffer time.Duration // default: 5 minutes

	// ClockSkew is tolerated when validating client assertion expiry.
	ClockSkew time.Duration // default: 5 seconds

	// InputLengthRestrictions bounds raw request parameters.
	InputLengthRestrictions InputLengthRestrictions
}

// applyDefaults fills zero values with secure defaults and logs warnings for
// settings that weaken the protocol posture.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeLifetime == 0 {
		config.AuthorizationCodeLifetime = 5 * time.Minute
	}
	if config.DefaultAccessTokenLifetime == 0 {
		config.DefaultAccessTokenLifetime = time.Hour
	}
	if config.DefaultIdentityTokenLifetime == 0 {
		config.DefaultIdentityTokenLifetime = 5 * time.Minute
	}
	if config.DefaultAbsoluteRefreshTokenLifetime == 0 {
		config.DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	}
	if config.DefaultSlidingRefreshTokenLifetime == 0 {
		config.DefaultSlidingRefreshTokenLifetime = 15 * 24 * time.Hour
	}
	if config.AssertionReplayBuffer == 0 {
		config.AssertionReplayBuffer = 5 * time.Minute
	}
	if config.ClockSkew == 0 {
		config.ClockSkew = 5 * time.Second
	}

	r := &config.InputLengthRestrictions
	if r.ClientID == 0 {
		r.ClientID = 100
	}
	if r.ClientSecret == 0 {
		r.ClientSecret = 100
	}
	if r.Scope == 0 {
		r.Scope = 300
	}
	if r.Nonce == 0 {
		r.Nonce = 300
	}
	if r.UILocale == 0 {
		r.UILocale = 100
	}
	if r.LoginHint == 0 {
		r.LoginHint = 100
	}
	if r.AcrValues == 0 {
		r.AcrValues = 300
	}
	if r.RedirectURI == 0 {
		r.RedirectURI = 400
	}
	if r.CodeChallengeMin == 0 {
		r.CodeChallengeMin = 43
	}
	if r.CodeChallengeMax == 0 {
		r.CodeChallengeMax = 128
	}
	if r.CodeVerifierMin == 0 {
		r.CodeVerifierMin = 43
	}
	if r.CodeVerifierMax == 0 {
		r.CodeVerifierMax = 128
	}
	if r.ClientAssertion == 0 {
		r.ClientAssertion = 4096
	}
	if r.AuthorizationCode == 0 {
		r.AuthorizationCode = 512
	}
	if r.RefreshToken == 0 {
		r.RefreshToken = 512
	}

	if config.AuthorizationCodeLifetime > 10*time.Minute {
		logger.Warn("Authorization code lifetime exceeds 10 minutes",
			"lifetime", config.AuthorizationCodeLifetime,
			"recommendation", "Keep codes short-lived; they are single-use bearer artifacts")
	}

	return config
}
