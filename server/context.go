package server

import (
	"crypto/x509"
	"net/url"

	"github.com/realmauth/realm-oidc/storage"
)

// AuthorizeRequest carries one authorization-endpoint request into the core.
// The transport boundary has already authenticated the end user; Subject and
// SessionID identify the authenticated session. Raw holds the query or form
// parameters exactly as received.
type AuthorizeRequest struct {
	RealmID   string
	Issuer    string
	Subject   string
	SessionID string
	Raw       url.Values
}

// AuthorizeResponse is the success outcome of an authorization request. The
// boundary renders it as a redirect (query or fragment) or as an
// auto-submitting form_post document depending on ResponseMode.
//
// When ConsentRequired is set no artifacts were issued; the boundary must
// obtain user consent and replay the request.
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string
	State        string

	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
	Scope       string
	SessionID   string

	ConsentRequired bool
}

// TokenRequest carries one token-endpoint request into the core.
// AuthorizationHeader is the raw Authorization header, if any;
// ClientCertificate is the verified TLS client certificate, if any.
type TokenRequest struct {
	RealmID          string
	Issuer           string
	TokenEndpointURL string

	AuthorizationHeader string
	ClientCertificate   *x509.Certificate
	Raw                 url.Values
}

// TokenResponse is the success outcome of a token request.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// ErrorResponse is a protocol error outcome. RedirectURI is set when the
// error may be returned to the client via redirect, which is only safe after
// the redirect URI itself has been validated; otherwise the boundary must
// render the error directly.
type ErrorResponse struct {
	Error        error
	RedirectURI  string
	ResponseMode string
	State        string
}

// authorizeContext is the shared state of the authorization pipeline. Stages
// populate it strictly in order; the accessors below assert the ordering so a
// misarranged pipeline fails loudly instead of validating against nil.
type authorizeContext struct {
	request *AuthorizeRequest

	client *storage.Client

	responseType        string
	responseTypes       []string
	responseMode        string
	redirectURI         string
	redirectValidated   bool
	scopes              []string
	state               string
	nonce               string
	prompts             []string
	codeChallenge       string
	codeChallengeMethod string

	resources *storage.Resources

	response      *AuthorizeResponse
	errorResponse *ErrorResponse
}

// Responded implements pipeline.Responder.
func (c *authorizeContext) Responded() bool {
	return c.response != nil || c.errorResponse != nil
}

// fail records a protocol error. Redirect delivery is attached only once the
// redirect URI has been validated.
func (c *authorizeContext) fail(err error) {
	resp := &ErrorResponse{Error: err}
	if c.redirectValidated {
		resp.RedirectURI = c.redirectURI
		resp.ResponseMode = c.responseMode
		resp.State = c.state
	}
	c.errorResponse = resp
}

// mustClient returns the resolved client. Calling it before client resolution
// is a pipeline-ordering bug, not a request error.
func (c *authorizeContext) mustClient() *storage.Client {
	if c.client == nil {
		panic("authorize pipeline: client accessed before resolution")
	}
	return c.client
}

// mustRedirectURI returns the validated redirect URI.
func (c *authorizeContext) mustRedirectURI() string {
	if !c.redirectValidated {
		panic("authorize pipeline: redirect URI accessed before validation")
	}
	return c.redirectURI
}

// mustResources returns the validated resource set.
func (c *authorizeContext) mustResources() *storage.Resources {
	if c.resources == nil {
		panic("authorize pipeline: resources accessed before validation")
	}
	return c.resources
}

func (c *authorizeContext) hasResponseType(rt string) bool {
	for _, t := range c.responseTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// tokenContext is the shared state of the token pipeline.
type tokenContext struct {
	request *TokenRequest

	client    *EvaluatedClient
	grantType string

	// Populated by the grant validators.
	code         *storage.AuthorizationCode
	refreshToken *storage.RefreshToken
	scopes       []string
	resources    *storage.Resources
	subject      string
	sessionID    string
	nonce        string

	response      *TokenResponse
	errorResponse *ErrorResponse
}

// Responded implements pipeline.Responder.
func (c *tokenContext) Responded() bool {
	return c.response != nil || c.errorResponse != nil
}

func (c *tokenContext) fail(err error) {
	c.errorResponse = &ErrorResponse{Error: err}
}

// mustClient returns the authenticated client.
func (c *tokenContext) mustClient() *EvaluatedClient {
	if c.client == nil {
		panic("token pipeline: client accessed before authentication")
	}
	return c.client
}

// mustResources returns the validated resource set.
func (c *tokenContext) mustResources() *storage.Resources {
	if c.resources == nil {
		panic("token pipeline: resources accessed before validation")
	}
	return c.resources
}
