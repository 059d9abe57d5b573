// Package audit logs security-relevant credential events in a structured form
// for SIEM consumption.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventCredentialRejected is logged when the lookup service refuses the credential
	// and lookups are disabled for the session.
	EventCredentialRejected SecurityEventType = "lookup_credential_rejected"
	// EventCredentialExpired is logged when a JWT credential is found expired before use.
	EventCredentialExpired SecurityEventType = "lookup_credential_expired"
	// EventCredentialRefreshed is logged when a new credential is loaded.
	EventCredentialRefreshed SecurityEventType = "lookup_credential_refreshed"
)

// SecurityEvent is one auditable credential event.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	// Credential identifies the token without revealing it.
	Credential string `json:"credential,omitempty"`
	Details    any    `json:"details,omitempty"`
	Severity   string `json:"severity"` // info, warning, critical
}

// CredentialAuditor logs credential events under the "security_audit" logger name.
type CredentialAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewCredentialAuditor creates an auditor. A nil logger yields a no-op auditor.
func NewCredentialAuditor(logger *zap.Logger) *CredentialAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialAuditor{
		logger: logger.Named("security_audit"),
		now:    time.Now,
	}
}

// Fingerprint returns a short stable identifier for a token: the first 12 hex
// characters of its SHA-256. Empty tokens have no fingerprint.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// LogCredentialRejected records that the lookup service answered 401/403.
func (a *CredentialAuditor) LogCredentialRejected(token string, status int) {
	a.log(zapcore.ErrorLevel, "Lookup credential rejected", SecurityEvent{
		EventType:  EventCredentialRejected,
		Credential: Fingerprint(token),
		Details:    map[string]int{"status": status},
		Severity:   "critical",
	})
}

// LogCredentialExpired records that a JWT credential was expired at preflight.
func (a *CredentialAuditor) LogCredentialExpired(token string, expiresAt time.Time) {
	a.log(zapcore.WarnLevel, "Lookup credential expired", SecurityEvent{
		EventType:  EventCredentialExpired,
		Credential: Fingerprint(token),
		Details:    map[string]time.Time{"expires_at": expiresAt.UTC()},
		Severity:   "warning",
	})
}

// LogCredentialRefreshed records that a credential was reloaded.
func (a *CredentialAuditor) LogCredentialRefreshed(token string) {
	a.log(zapcore.InfoLevel, "Lookup credential refreshed", SecurityEvent{
		EventType:  EventCredentialRefreshed,
		Credential: Fingerprint(token),
		Severity:   "info",
	})
}

func (a *CredentialAuditor) log(level zapcore.Level, msg string, event SecurityEvent) {
	if a == nil {
		return
	}
	event.Timestamp = a.now().UTC()

	// Marshaling these known types cannot fail.
	eventJSON, _ := json.Marshal(event)

	a.logger.Log(level, msg,
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("credential", event.Credential),
		zap.String("severity", event.Severity),
	)
}
