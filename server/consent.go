package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/realmauth/realm-oidc/pipeline"
	"github.com/realmauth/realm-oidc/storage"
)

// consentStage halts the pipeline with a consent-required response when the
// subject has not yet granted the requested scopes. The boundary renders the
// consent UI, records the decision via UpdateConsent, and replays the
// request.
func (s *Server) consentStage(ctx context.Context, rc *authorizeContext) (pipeline.Outcome, error) {
	client := rc.mustClient()

	required, err := s.RequiresConsent(ctx, rc.request.Subject, client, rc.scopes)
	if err != nil {
		return pipeline.Halt, err
	}
	if !required {
		return pipeline.Continue, nil
	}

	rc.response = &AuthorizeResponse{
		RedirectURI:     rc.mustRedirectURI(),
		ResponseMode:    rc.responseMode,
		State:           rc.state,
		ConsentRequired: true,
	}
	return pipeline.Halt, nil
}

// RequiresConsent reports whether the subject must (re-)grant consent for
// the requested scopes. An expired consent record is treated as absent and
// deleted as a side effect.
func (s *Server) RequiresConsent(ctx context.Context, subject string, client *storage.Client, scopes []string) (bool, error) {
	if !client.RequireConsent || len(scopes) == 0 {
		return false, nil
	}
	if !client.AllowRememberConsent {
		return true, nil
	}

	consent, err := s.findValidConsent(ctx, subject, client, true)
	if err != nil {
		return false, err
	}
	if consent == nil {
		return true, nil
	}
	return !scopeSetsEqual(scopes, consent.Scopes), nil
}

// ValidateConsent reports whether stored consent already covers the
// requested scopes. Unlike RequiresConsent it never mutates: an expired
// record simply does not satisfy.
func (s *Server) ValidateConsent(ctx context.Context, subject string, client *storage.Client, scopes []string) (bool, error) {
	if !client.RequireConsent || len(scopes) == 0 {
		return true, nil
	}
	if !client.AllowRememberConsent {
		return false, nil
	}

	consent, err := s.findValidConsent(ctx, subject, client, false)
	if err != nil {
		return false, err
	}
	if consent == nil {
		return false, nil
	}
	return scopeSetsEqual(scopes, consent.Scopes), nil
}

// UpdateConsent records the subject's decision: it upserts the granted scope
// set, stamping a fresh expiration when the client defines a consent
// lifetime, and removes the record entirely when nothing was granted.
func (s *Server) UpdateConsent(ctx context.Context, subject string, client *storage.Client, grantedScopes []string) error {
	if len(grantedScopes) == 0 {
		if err := s.stores.Consents.Delete(ctx, subject, client.ClientID); err != nil {
			return fmt.Errorf("delete consent: %w", err)
		}
		s.auditor.LogConsentUpdated(subject, client.ClientID, client.RealmID, nil)
		return nil
	}

	now := s.clock.Now()
	consent := &storage.Consent{
		Subject:   subject,
		ClientID:  client.ClientID,
		Scopes:    grantedScopes,
		CreatedAt: now,
	}
	if client.ConsentLifetime > 0 {
		consent.Expiration = now.Add(client.ConsentLifetime)
	}
	if err := s.stores.Consents.Save(ctx, consent); err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	s.auditor.LogConsentUpdated(subject, client.ClientID, client.RealmID, grantedScopes)
	return nil
}

// findValidConsent loads the stored consent for subject+client. Expired
// records count as absent; when deleteExpired is set they are also removed.
func (s *Server) findValidConsent(ctx context.Context, subject string, client *storage.Client, deleteExpired bool) (*storage.Consent, error) {
	consent, err := s.stores.Consents.Find(ctx, subject, client.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find consent: %w", err)
	}
	if consent.Expired(s.clock.Now()) {
		if deleteExpired {
			if err := s.stores.Consents.Delete(ctx, subject, client.ClientID); err != nil {
				return nil, fmt.Errorf("delete expired consent: %w", err)
			}
		}
		return nil, nil
	}
	return consent, nil
}

// scopeSetsEqual compares two scope slices as sets.
func scopeSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
