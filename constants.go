package oidc

// Request parameter names used across the authorize and token endpoints.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamPrompt              = "prompt"
	ParamUILocales           = "ui_locales"
	ParamLoginHint           = "login_hint"
	ParamAcrValues           = "acr_values"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamGrantType           = "grant_type"
	ParamCode                = "code"
	ParamRefreshToken        = "refresh_token"
	ParamResource            = "resource"
)

// Response types (OIDC Core 3).
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Response modes (OAuth 2.0 Multiple Response Type Encoding Practices).
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Standard scopes with protocol-level meaning.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// Client assertion types (RFC 7523).
const (
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Prompt parameter values (OIDC Core 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// TokenTypeBearer is the token_type value emitted in token responses.
const TokenTypeBearer = "Bearer"

// SupportedResponseTypes lists every response_type combination the server
// understands. Combinations are stored space-separated in canonical order.
// Read-only after init; never mutate.
var SupportedResponseTypes = []string{
	ResponseTypeCode,
	ResponseTypeToken,
	ResponseTypeIDToken,
	ResponseTypeIDToken + " " + ResponseTypeToken,
	ResponseTypeCode + " " + ResponseTypeIDToken,
	ResponseTypeCode + " " + ResponseTypeToken,
	ResponseTypeCode + " " + ResponseTypeIDToken + " " + ResponseTypeToken,
}

// SupportedResponseModes lists every response_mode the server understands.
// Read-only after init; never mutate.
var SupportedResponseModes = []string{
	ResponseModeQuery,
	ResponseModeFragment,
	ResponseModeFormPost,
}

// SupportedGrantTypes lists every grant_type the token endpoint handles.
// Read-only after init; never mutate.
var SupportedGrantTypes = []string{
	GrantTypeAuthorizationCode,
	GrantTypeRefreshToken,
	GrantTypeClientCredentials,
}

// SupportedCodeChallengeMethods lists the PKCE transformations the server
// understands. Whether "plain" is accepted for a given client is policy,
// checked separately. Read-only after init; never mutate.
var SupportedCodeChallengeMethods = []string{
	CodeChallengeMethodS256,
	CodeChallengeMethodPlain,
}
