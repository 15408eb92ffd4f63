package server

import (
	"context"
	"errors"
	"sort"
	"strings"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/pipeline"
	"github.com/realmauth/realm-oidc/storage"
)

// resolveClientStage loads the client named by client_id. It runs first; no
// other authorize stage may run against an unresolved client.
func (s *Server) resolveClientStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	clientID := rc.request.Raw.Get(oidc.ParamClientID)
	if clientID == "" {
		rc.fail(oidc.ErrInvalidRequest("client_id is required"))
		return pipeline.Halt, nil
	}
	if len(clientID) > s.config.InputLengthRestrictions.ClientID {
		rc.fail(oidc.ErrInvalidRequest("client_id exceeds length limit"))
		return pipeline.Halt, nil
	}

	client, err := s.stores.Clients.FindEnabledClientByID(ctx, rc.request.RealmID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.recordValidationFailure(ctx, clientID, rc.request.RealmID, "client", oidc.ErrorCodeUnauthorizedClient)
			rc.fail(oidc.ErrUnauthorizedClient("unknown or disabled client"))
			return pipeline.Halt, nil
		}
		return pipeline.Halt, err
	}
	rc.client = client
	return pipeline.Continue, nil
}

// validateProtocolStage runs the ordered protocol checks on the authorize
// request. Each check short-circuits; on success the context carries the
// parsed response type, response mode, scopes, and the untouched raw values
// for later stages.
func (s *Server) validateProtocolStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	client := rc.mustClient()
	raw := rc.request.Raw
	limits := s.config.InputLengthRestrictions

	fail := func(err *oidc.Error) (pipeline.Outcome, error) {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "protocol", err.Code)
		rc.fail(err)
		return pipeline.Halt, nil
	}

	// 1. response_type present, every value supported.
	rawResponseType := raw.Get(oidc.ParamResponseType)
	if rawResponseType == "" {
		return fail(oidc.ErrUnsupportedResponseType("response_type is required"))
	}
	responseTypes, canonical, ok := canonicalResponseType(rawResponseType)
	if !ok {
		return fail(oidc.ErrUnsupportedResponseType("unsupported response_type"))
	}
	rc.responseTypes = responseTypes
	rc.responseType = canonical

	// 2. Combined response type allowed for this client.
	if !client.AllowsResponseType(canonical) {
		return fail(oidc.ErrUnsupportedResponseType("response_type not allowed for client"))
	}

	// 3. response_mode.
	tokenBearing := canonical != oidc.ResponseTypeCode
	responseMode := raw.Get(oidc.ParamResponseMode)
	if responseMode != "" {
		if !contains(oidc.SupportedResponseModes, responseMode) {
			return fail(oidc.ErrUnsupportedResponseMode("unsupported response_mode"))
		}
		if tokenBearing && responseMode != oidc.ResponseModeFormPost {
			return fail(oidc.ErrInvalidRequest("response_mode must be form_post when tokens are returned from the authorization endpoint"))
		}
	} else if tokenBearing {
		responseMode = oidc.ResponseModeFormPost
	} else {
		responseMode = oidc.ResponseModeQuery
	}
	rc.responseMode = responseMode

	// 4. scope.
	scope := raw.Get(oidc.ParamScope)
	if scope == "" {
		return fail(oidc.ErrInvalidScope("scope is required"))
	}
	if len(scope) > limits.Scope {
		return fail(oidc.ErrInvalidScope("scope exceeds length limit"))
	}
	rc.scopes = strings.Fields(scope)

	// 5. nonce. An OpenID request that returns tokens from the authorization
	// endpoint cannot bind them to the client session without one.
	nonce := raw.Get(oidc.ParamNonce)
	if nonce != "" && len(nonce) > limits.Nonce {
		return fail(oidc.ErrInvalidRequest("nonce exceeds length limit"))
	}
	isOpenID := contains(rc.scopes, oidc.ScopeOpenID)
	if nonce == "" && isOpenID && rc.hasResponseType(oidc.ResponseTypeToken) {
		return fail(oidc.ErrInvalidRequest("nonce required"))
	}
	rc.nonce = nonce

	// 6. prompt.
	if prompt := raw.Get(oidc.ParamPrompt); prompt != "" {
		prompts := strings.Fields(prompt)
		for _, p := range prompts {
			switch p {
			case oidc.PromptNone, oidc.PromptLogin, oidc.PromptConsent, oidc.PromptSelectAccount:
			default:
				return fail(oidc.ErrInvalidRequest("unsupported prompt value"))
			}
		}
		if len(prompts) > 1 && contains(prompts, oidc.PromptNone) {
			return fail(oidc.ErrInvalidRequest("prompt none must not be combined with other values"))
		}
		rc.prompts = prompts
	}

	// 7. ui_locales and login_hint length bounds.
	if v := raw.Get(oidc.ParamUILocales); len(v) > limits.UILocale {
		return fail(oidc.ErrInvalidRequest("ui_locales exceeds length limit"))
	}
	if v := raw.Get(oidc.ParamLoginHint); len(v) > limits.LoginHint {
		return fail(oidc.ErrInvalidRequest("login_hint exceeds length limit"))
	}

	// 8. acr_values is bounded but otherwise uninterpreted; the core does not
	// match ACR values against realm configuration.
	if v := raw.Get(oidc.ParamAcrValues); len(v) > limits.AcrValues {
		return fail(oidc.ErrInvalidRequest("acr_values exceeds length limit"))
	}

	rc.state = raw.Get(oidc.ParamState)
	return pipeline.Continue, nil
}

// canonicalResponseType parses a space-delimited response_type value and
// returns its parts plus the canonical space-joined form. A value with
// duplicates or an unknown part is rejected.
func canonicalResponseType(value string) ([]string, string, bool) {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return nil, "", false
	}
	sort.Strings(parts) // canonical order: code < id_token < token
	for i, p := range parts {
		switch p {
		case oidc.ResponseTypeCode, oidc.ResponseTypeToken, oidc.ResponseTypeIDToken:
		default:
			return nil, "", false
		}
		if i > 0 && parts[i-1] == p {
			return nil, "", false
		}
	}
	canonical := strings.Join(parts, " ")
	if !contains(oidc.SupportedResponseTypes, canonical) {
		return nil, "", false
	}
	return parts, canonical, true
}

// validateGrantTypeStage checks the token request's grant_type against the
// server's table and the authenticated client's allowance.
func (s *Server) validateGrantTypeStage(ctx context.Context, rc *tokenContext) (pipeline.Outcome, error) {
	client := rc.mustClient()

	grantType := rc.request.Raw.Get(oidc.ParamGrantType)
	if grantType == "" {
		rc.fail(oidc.ErrInvalidRequest("grant_type is required"))
		return pipeline.Halt, nil
	}
	if !contains(oidc.SupportedGrantTypes, grantType) {
		s.recordValidationFailure(ctx, client.Client.ClientID, rc.request.RealmID, "grant_type", oidc.ErrorCodeUnsupportedGrantType)
		rc.fail(oidc.ErrUnsupportedGrantType("unsupported grant_type"))
		return pipeline.Halt, nil
	}
	if !client.Client.AllowsGrantType(grantType) {
		s.recordValidationFailure(ctx, client.Client.ClientID, rc.request.RealmID, "grant_type", oidc.ErrorCodeUnauthorizedClient)
		rc.fail(oidc.ErrUnauthorizedClient("grant_type not allowed for client"))
		return pipeline.Halt, nil
	}
	rc.grantType = grantType
	return pipeline.Continue, nil
}

func (s *Server) recordValidationFailure(ctx context.Context, clientID, realmID, stage, errorCode string) {
	s.metrics.RecordValidationFailure(ctx, stage, errorCode)
	if s.allowSecurityEvent(clientID) {
		s.auditor.LogValidationFailure(clientID, realmID, stage, errorCode)
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
