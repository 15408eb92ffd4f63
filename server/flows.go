package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/instrumentation"
	"github.com/realmauth/realm-oidc/pipeline"
	"github.com/realmauth/realm-oidc/storage"
)

// timedStages wraps each stage so its duration lands in the stage histogram.
func timedStages[R pipeline.Responder](m *instrumentation.Metrics, stages []pipeline.Stage[R]) []pipeline.Stage[R] {
	if m == nil {
		return stages
	}
	wrapped := make([]pipeline.Stage[R], len(stages))
	for i, stage := range stages {
		name, run := stage.Name, stage.Run
		wrapped[i] = pipeline.Stage[R]{Name: name, Run: func(ctx context.Context, rc R) (pipeline.Outcome, error) {
			start := time.Now()
			outcome, err := run(ctx, rc)
			m.RecordStageDuration(ctx, name, float64(time.Since(start))/float64(time.Millisecond))
			return outcome, err
		}}
	}
	return wrapped
}

// Authorize runs the authorization-endpoint pipeline. Exactly one of the
// returned response and error response is non-nil unless a fatal error is
// returned, in which case the boundary must answer with a 5xx and neither
// payload.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, *ErrorResponse, error) {
	if req == nil || req.Raw == nil {
		return nil, nil, fmt.Errorf("authorize request with raw parameters is required")
	}

	rc := &authorizeContext{request: req}
	stages := []pipeline.Stage[*authorizeContext]{
		{Name: "resolve_client", Run: s.resolveClientStage},
		{Name: "redirect_uri", Run: s.validateRedirectURIStage},
		{Name: "protocol", Run: s.validateProtocolStage},
		{Name: "pkce", Run: s.validatePKCEStage},
		{Name: "resources", Run: s.validateResourcesStage},
		{Name: "consent", Run: s.consentStage},
		{Name: "issue", Run: s.authorizeTerminalStage},
	}
	if err := pipeline.Run(ctx, rc, timedStages(s.metrics, stages)); err != nil {
		return nil, nil, err
	}

	s.metrics.RecordAuthorizationRequest(ctx, rc.responseType, rc.response != nil && !rc.response.ConsentRequired)
	return rc.response, rc.errorResponse, nil
}

// authorizeTerminalStage issues the artifacts the validated request asked
// for and assembles the success response.
func (s *Server) authorizeTerminalStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	client := rc.mustClient()

	if rc.request.Subject == "" {
		rc.fail(oidc.NewError(oidc.ErrorCodeLoginRequired, "end-user authentication required", http.StatusBadRequest))
		return pipeline.Halt, nil
	}

	response := &AuthorizeResponse{
		RedirectURI:  rc.mustRedirectURI(),
		ResponseMode: rc.responseMode,
		State:        rc.state,
		Scope:        strings.Join(rc.scopes, " "),
		SessionID:    rc.request.SessionID,
	}

	if rc.hasResponseType(oidc.ResponseTypeCode) {
		code, err := s.issueAuthorizationCode(ctx, rc)
		if err != nil {
			return pipeline.Halt, err
		}
		response.Code = code.Handle
	}

	creation := &TokenCreationRequest{
		RealmID:     rc.request.RealmID,
		Issuer:      rc.request.Issuer,
		Client:      client,
		Subject:     rc.request.Subject,
		SessionID:   rc.request.SessionID,
		Scopes:      rc.scopes,
		Resources:   rc.mustResources(),
		Nonce:       rc.nonce,
		CodeToHash:  response.Code,
		StateToHash: rc.state,
	}

	if rc.hasResponseType(oidc.ResponseTypeToken) {
		accessToken, _, err := s.CreateAccessToken(ctx, creation)
		if err != nil {
			return pipeline.Halt, err
		}
		response.AccessToken = accessToken
		response.TokenType = oidc.TokenTypeBearer
		response.ExpiresIn = int64(s.accessTokenLifetime(client).Seconds())
		creation.AccessTokenToHash = accessToken
	}

	if rc.hasResponseType(oidc.ResponseTypeIDToken) {
		idToken, err := s.CreateIdentityToken(ctx, creation)
		if err != nil {
			return pipeline.Halt, err
		}
		response.IDToken = idToken
	}

	if response.AccessToken != "" || response.IDToken != "" {
		s.auditor.LogTokenIssued(rc.request.Subject, client.ClientID, rc.request.RealmID, "authorize", rc.scopes)
	}

	rc.response = response
	return pipeline.Halt, nil
}

// Token runs the token-endpoint pipeline: client authentication, grant-type
// policy, then the grant handler.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *ErrorResponse, error) {
	if req == nil || req.Raw == nil {
		return nil, nil, fmt.Errorf("token request with raw parameters is required")
	}

	rc := &tokenContext{request: req}
	stages := []pipeline.Stage[*tokenContext]{
		{Name: "client_auth", Run: s.authenticateClientStage},
		{Name: "grant_type", Run: s.validateGrantTypeStage},
		{Name: "grant", Run: s.dispatchGrantStage},
	}
	if err := pipeline.Run(ctx, rc, timedStages(s.metrics, stages)); err != nil {
		return nil, nil, err
	}
	return rc.response, rc.errorResponse, nil
}

func (s *Server) authenticateClientStage(ctx context.Context, rc *tokenContext) (pipeline.Outcome, error) {
	client, err := s.authenticator.Authenticate(ctx, rc.request)
	if err != nil {
		if oidc.IsProtocolError(err) {
			s.metrics.RecordClientAuth(ctx, "unknown", false)
			rc.fail(err)
			return pipeline.Halt, nil
		}
		return pipeline.Halt, err
	}
	rc.client = client
	return pipeline.Continue, nil
}

// dispatchGrantStage is the token pipeline's terminal handler.
func (s *Server) dispatchGrantStage(ctx context.Context, rc *tokenContext) (pipeline.Outcome, error) {
	var err error
	switch rc.grantType {
	case oidc.GrantTypeAuthorizationCode:
		err = s.handleAuthorizationCodeGrant(ctx, rc)
	case oidc.GrantTypeRefreshToken:
		err = s.handleRefreshTokenGrant(ctx, rc)
	case oidc.GrantTypeClientCredentials:
		err = s.handleClientCredentialsGrant(ctx, rc)
	default:
		// The grant-type validator admits only the supported table; reaching
		// here with anything else is a pipeline-ordering bug.
		panic("token pipeline: unvalidated grant type dispatched")
	}
	if err != nil {
		return pipeline.Halt, err
	}
	return pipeline.Halt, nil
}

func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, rc *tokenContext) error {
	evaluated := rc.mustClient()
	client := evaluated.Client
	raw := rc.request.Raw

	code, protocolErr, err := s.redeemAuthorizationCode(ctx, raw.Get(oidc.ParamCode), raw.Get(oidc.ParamRedirectURI), client)
	if err != nil {
		return err
	}
	if protocolErr == nil && code.RealmID != rc.request.RealmID {
		protocolErr = oidc.ErrInvalidGrant("invalid authorization code")
	}
	if protocolErr == nil {
		protocolErr = s.verifyCodeVerifier(ctx, code.CodeChallenge, code.CodeChallengeMethod, raw.Get(oidc.ParamCodeVerifier))
	}
	if protocolErr != nil {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "authorization_code", protocolErr.Code)
		rc.fail(protocolErr)
		return nil
	}
	rc.code = code
	rc.subject = code.Subject
	rc.sessionID = code.SessionID
	rc.scopes = code.RequestedScopes
	rc.nonce = code.Nonce

	resources, protocolErr, err := s.resolveRequestedResources(ctx, rc.request.RealmID, client, code.RequestedScopes)
	if err != nil {
		return err
	}
	if protocolErr != nil {
		rc.fail(protocolErr)
		return nil
	}
	rc.resources = resources

	return s.issueGrantTokens(ctx, rc, true)
}

func (s *Server) handleRefreshTokenGrant(ctx context.Context, rc *tokenContext) error {
	evaluated := rc.mustClient()
	client := evaluated.Client
	raw := rc.request.Raw

	token, protocolErr, err := s.loadRefreshToken(ctx, raw.Get(oidc.ParamRefreshToken), client)
	if err != nil {
		return err
	}
	if protocolErr == nil && token.RealmID != rc.request.RealmID {
		protocolErr = oidc.ErrInvalidGrant("invalid refresh token")
	}
	if protocolErr != nil {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "refresh_token", protocolErr.Code)
		rc.fail(protocolErr)
		return nil
	}
	rc.refreshToken = token
	rc.subject = token.Subject
	rc.sessionID = token.SessionID
	rc.scopes = token.Scopes

	// With claim refresh the grant is re-validated against the current
	// resource and client configuration; without it the grant's snapshot is
	// honored as granted, including scopes whose resources were disabled
	// since.
	var resources *storage.Resources
	if client.UpdateAccessTokenClaimsOnRefresh {
		resources, protocolErr, err = s.resolveRequestedResources(ctx, rc.request.RealmID, client, token.Scopes)
		if err != nil {
			return err
		}
		if protocolErr != nil {
			rc.fail(protocolErr)
			return nil
		}
	} else {
		resources, err = s.snapshotResources(ctx, rc.request.RealmID, token.Scopes)
		if err != nil {
			return err
		}
	}
	rc.resources = resources

	return s.issueGrantTokens(ctx, rc, false)
}

// snapshotResources resolves a stored scope set without re-applying client
// policy or enablement checks.
func (s *Server) snapshotResources(ctx context.Context, realmID string, scopes []string) (*storage.Resources, error) {
	lookup := make([]string, 0, len(scopes))
	offline := false
	for _, scope := range scopes {
		if scope == oidc.ScopeOfflineAccess {
			offline = true
			continue
		}
		lookup = append(lookup, scope)
	}
	resources, err := s.stores.Resources.FindResourcesByScope(ctx, realmID, lookup, false)
	if err != nil {
		return nil, fmt.Errorf("resolve scopes: %w", err)
	}
	resources.OfflineAccess = offline
	return resources, nil
}

func (s *Server) handleClientCredentialsGrant(ctx context.Context, rc *tokenContext) error {
	evaluated := rc.mustClient()
	client := evaluated.Client
	raw := rc.request.Raw

	scope := raw.Get(oidc.ParamScope)
	if len(scope) > s.config.InputLengthRestrictions.Scope {
		rc.fail(oidc.ErrInvalidScope("scope exceeds length limit"))
		return nil
	}
	scopes := strings.Fields(scope)

	// Machine grants have no end user: nothing to identify, nothing to keep
	// a session for.
	if contains(scopes, oidc.ScopeOpenID) || contains(scopes, oidc.ScopeOfflineAccess) {
		rc.fail(oidc.ErrInvalidScope("scope not allowed for client_credentials"))
		return nil
	}

	resources, protocolErr, err := s.resolveRequestedResources(ctx, rc.request.RealmID, client, scopes)
	if err != nil {
		return err
	}
	if protocolErr == nil && len(resources.IdentityResources) > 0 {
		protocolErr = oidc.ErrInvalidScope("identity scopes not allowed for client_credentials")
	}
	if protocolErr != nil {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "client_credentials", protocolErr.Code)
		rc.fail(protocolErr)
		return nil
	}
	rc.scopes = scopes
	rc.resources = resources

	return s.issueGrantTokens(ctx, rc, false)
}

// issueGrantTokens builds the token response for a validated grant.
// allowRefresh gates refresh token issuance to grants that may establish
// one; refresh_token grants rotate instead and client_credentials never
// issue one.
func (s *Server) issueGrantTokens(ctx context.Context, rc *tokenContext, allowRefresh bool) error {
	evaluated := rc.mustClient()
	client := evaluated.Client
	resources := rc.mustResources()

	creation := &TokenCreationRequest{
		RealmID:           rc.request.RealmID,
		Issuer:            rc.request.Issuer,
		Client:            client,
		Subject:           rc.subject,
		SessionID:         rc.sessionID,
		Scopes:            rc.scopes,
		Resources:         resources,
		Confirmation:      evaluated.Confirmation,
		ClientCertificate: rc.request.ClientCertificate,
		Nonce:             rc.nonce,
	}

	accessToken, tokenID, err := s.CreateAccessToken(ctx, creation)
	if err != nil {
		return err
	}
	response := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   oidc.TokenTypeBearer,
		ExpiresIn:   int64(s.accessTokenLifetime(client).Seconds()),
		Scope:       strings.Join(rc.scopes, " "),
	}

	switch {
	case rc.refreshToken != nil:
		handle, err := s.rotateRefreshToken(ctx, rc.refreshToken, client, tokenID)
		if err != nil {
			return err
		}
		response.RefreshToken = handle
		s.auditor.LogTokenRefreshed(rc.subject, client.ClientID, rc.request.RealmID, handle != rc.refreshToken.Handle)
	case allowRefresh && resources.OfflineAccess && client.AllowOfflineAccess:
		handle, err := s.CreateRefreshToken(ctx, creation, tokenID)
		if err != nil {
			return err
		}
		response.RefreshToken = handle
	}

	if resources.OpenID && rc.subject != "" {
		creation.AccessTokenToHash = accessToken
		idToken, err := s.CreateIdentityToken(ctx, creation)
		if err != nil {
			return err
		}
		response.IDToken = idToken
	}

	s.metrics.RecordTokenIssued(ctx, rc.grantType, accessTokenKindName(client))
	s.auditor.LogTokenIssued(rc.subject, client.ClientID, rc.request.RealmID, rc.grantType, rc.scopes)
	rc.response = response
	return nil
}

func accessTokenKindName(client *storage.Client) string {
	if client.AccessTokenType == storage.AccessTokenReference {
		return "reference"
	}
	return "jwt"
}
