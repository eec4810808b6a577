package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	OwnerID   string
	ClientID  string
	GrantType string
	Details   map[string]any
	Timestamp time.Time
}

// Enabled reports whether events are written.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// LogEvent logs a security event. The resource owner ID is hashed.
func (a *Auditor) LogEvent(event Event) {
	if !a.Enabled() {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"owner_id_hash", hashForLogging(event.OwnerID),
		"client_id", event.ClientID,
		"grant_type", event.GrantType,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogGrantIssued logs creation of an authorization or device grant
func (a *Auditor) LogGrantIssued(ownerID, clientID, kind, scope string) {
	a.LogEvent(Event{
		Type:     EventGrantIssued,
		OwnerID:  ownerID,
		ClientID: clientID,
		Details: map[string]any{
			"kind":  kind,
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(ownerID, clientID, grantType, scope string, reused bool) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		OwnerID:   ownerID,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"scope":  scope,
			"reused": reused,
		},
	})
}

// LogTokenRefreshed logs a refresh token redemption
func (a *Auditor) LogTokenRefreshed(ownerID, clientID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		OwnerID:   ownerID,
		ClientID:  clientID,
		GrantType: "refresh_token",
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(ownerID, clientID, tokenTypeHint string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		OwnerID:  ownerID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type_hint": tokenTypeHint,
		},
	})
}

// LogReuseDetected logs a replayed grant or refresh token
func (a *Auditor) LogReuseDetected(eventType, ownerID, clientID string) {
	a.LogEvent(Event{
		Type:     eventType,
		OwnerID:  ownerID,
		ClientID: clientID,
	})
}

// LogAuthFailure logs an authentication or validation failure
func (a *Auditor) LogAuthFailure(clientID, grantType, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"reason": reason,
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
