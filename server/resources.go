package server

import (
	"context"
	"fmt"

	oidc "github.com/realmauth/realm-oidc"
	"github.com/realmauth/realm-oidc/pipeline"
	"github.com/realmauth/realm-oidc/storage"
)

// validateResourcesStage resolves and cross-checks the authorize request's
// scopes against the resource store and the response type combination.
func (s *Server) validateResourcesStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	client := rc.mustClient()

	resources, protocolErr, err := s.resolveRequestedResources(ctx, rc.request.RealmID, client, rc.scopes)
	if err != nil {
		return pipeline.Halt, err
	}
	if protocolErr == nil {
		protocolErr = validateScopePlausibility(resources, rc.responseTypes)
	}
	if protocolErr != nil {
		s.recordValidationFailure(ctx, client.ClientID, rc.request.RealmID, "resources", protocolErr.Code)
		rc.fail(protocolErr)
		return pipeline.Halt, nil
	}

	rc.resources = resources
	return pipeline.Continue, nil
}

// resolveRequestedResources turns requested scope names into a Resources set
// and applies the client policy checks shared by all flows: every scope must
// resolve, offline_access needs the client allowance, and every resolved
// scope must be in the client's allowed set.
func (s *Server) resolveRequestedResources(ctx context.Context, realmID string, client *storage.Client, scopes []string) (*storage.Resources, *oidc.Error, error) {
	lookup := make([]string, 0, len(scopes))
	offline := false
	for _, scope := range scopes {
		if scope == oidc.ScopeOfflineAccess {
			offline = true
			continue
		}
		lookup = append(lookup, scope)
	}

	resources, err := s.stores.Resources.FindResourcesByScope(ctx, realmID, lookup, true)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve scopes: %w", err)
	}
	resources.OfflineAccess = offline

	if len(resources.MissingScopes) > 0 {
		s.logger.Debug("Requested scopes did not resolve",
			"client_id", client.ClientID,
			"missing_scopes", resources.MissingScopes)
		return nil, oidc.ErrInvalidScope("requested scope is not available"), nil
	}
	if offline {
		if !client.AllowOfflineAccess {
			return nil, oidc.ErrInvalidScope("offline_access not allowed for client"), nil
		}
		if !client.AllowsScope(oidc.ScopeOfflineAccess) && !client.AllowsGrantType(oidc.GrantTypeRefreshToken) {
			return nil, oidc.ErrInvalidScope("offline_access not allowed for client"), nil
		}
	}

	for _, identity := range resources.IdentityResources {
		if !client.AllowsScope(identity.Name) {
			return nil, oidc.ErrInvalidScope("requested scope not allowed for client"), nil
		}
	}
	for _, apiScope := range resources.APIScopes {
		if !client.AllowsScope(apiScope.Name) {
			return nil, oidc.ErrInvalidScope("requested scope not allowed for client"), nil
		}
	}

	return resources, nil, nil
}

// validateScopePlausibility enforces the response-type/scope matrix. A flow
// that only returns an identity artifact must not carry API scopes, a flow
// that only returns an access token must not carry identity resources, and
// id_token can never be produced without the openid scope.
func validateScopePlausibility(resources *storage.Resources, responseTypes []string) *oidc.Error {
	wantsCode := contains(responseTypes, oidc.ResponseTypeCode)
	wantsToken := contains(responseTypes, oidc.ResponseTypeToken)
	wantsIDToken := contains(responseTypes, oidc.ResponseTypeIDToken)

	if wantsIDToken && !resources.OpenID {
		return oidc.ErrInvalidScope("openid scope required for id_token response type")
	}

	identityOnly := wantsIDToken && !wantsToken && !wantsCode
	resourceOnly := wantsToken && !wantsIDToken && !wantsCode

	if identityOnly && len(resources.APIScopes) > 0 {
		return oidc.ErrInvalidScope("API scopes cannot be requested with an identity-only response type")
	}
	if resourceOnly && (resources.OpenID || len(resources.IdentityResources) > 0) {
		return oidc.ErrInvalidScope("identity scopes cannot be requested with a resource-only response type")
	}
	return nil
}
