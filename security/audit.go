package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	RealmID   string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"realm_id", event.RealmID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when tokens are issued for a grant
func (a *Auditor) LogTokenIssued(subject, clientID, realmID, grantType string, scopes []string) {
	a.LogEvent(Event{
		Type:     "token_issued",
		Subject:  subject,
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"grant_type": grantType,
			"scopes":     scopes,
		},
	})
}

// LogTokenRefreshed logs a refresh token redemption
func (a *Auditor) LogTokenRefreshed(subject, clientID, realmID string, rotated bool) {
	a.LogEvent(Event{
		Type:     "token_refreshed",
		Subject:  subject,
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogClientAuthFailure logs a failed client authentication attempt
func (a *Auditor) LogClientAuthFailure(clientID, realmID, method, reason string) {
	a.LogEvent(Event{
		Type:     "client_auth_failure",
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"method": method,
			"reason": reason,
		},
	})
}

// LogValidationFailure logs a rejected protocol request
func (a *Auditor) LogValidationFailure(clientID, realmID, stage, errorCode string) {
	a.LogEvent(Event{
		Type:     "validation_failure",
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"stage":      stage,
			"error_code": errorCode,
		},
	})
}

// LogReplayDetected logs a replay-cache hit for a one-time handle
func (a *Auditor) LogReplayDetected(clientID, realmID, purpose string) {
	a.LogEvent(Event{
		Type:     "replay_detected",
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"purpose": purpose,
		},
	})
}

// LogConsentUpdated logs a consent grant or revocation
func (a *Auditor) LogConsentUpdated(subject, clientID, realmID string, scopes []string) {
	a.LogEvent(Event{
		Type:     "consent_updated",
		Subject:  subject,
		ClientID: clientID,
		RealmID:  realmID,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
