package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Outcome values used in audit events
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Auditor writes security audit events to a structured logger.
// Subjects are hashed before they reach the log.
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
	SessionID string
	FlowID    string
	IPAddress string
	Outcome   string
	ErrorKind string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. A nil Auditor discards events.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
		if event.ErrorKind != "" {
			event.Outcome = OutcomeFailure
		}
	}

	attrs := []any{
		"event_type", event.Type,
		"outcome", event.Outcome,
		"timestamp", event.Timestamp,
	}
	if event.Subject != "" {
		attrs = append(attrs, "subject_hash", hashForLogging(event.Subject))
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.FlowID != "" {
		attrs = append(attrs, "flow_id", event.FlowID)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if event.ErrorKind != "" {
		attrs = append(attrs, "error_kind", event.ErrorKind)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	level := slog.LevelInfo
	if event.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "security_audit", attrs...)
}

// LogFlowTransition logs a proxied flow state transition
func (a *Auditor) LogFlowTransition(flowID, clientID, from, to, errorKind string) {
	a.LogEvent(Event{
		Type:      EventFlowTransition,
		FlowID:    flowID,
		ClientID:  clientID,
		ErrorKind: errorKind,
		Details: map[string]any{
			"from": from,
			"to":   to,
		},
	})
}

// LogRoleUnmappable logs a payload that produced no canonical role
func (a *Auditor) LogRoleUnmappable(subject, source, reason string) {
	a.LogEvent(Event{
		Type:      EventRoleUnmappable,
		Subject:   subject,
		ErrorKind: "unmappable_role",
		Details: map[string]any{
			"source": source,
			"reason": reason,
		},
	})
}

// LogSessionRevoked logs the destruction of a session
func (a *Auditor) LogSessionRevoked(sessionID, subject, reason string) {
	a.LogEvent(Event{
		Type:      EventSessionRevoked,
		SessionID: sessionID,
		Subject:   subject,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs a dynamic client registration
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, limiter string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Outcome:   OutcomeFailure,
		Details: map[string]any{
			"limiter": limiter,
		},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
