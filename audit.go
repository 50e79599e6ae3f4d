package govern

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/clank08/govern/internal/audit"
)

// AuditEvent is one recorded governance decision.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's background dispatcher.
// Emit must be safe for concurrent use only if the sink is shared.
type AuditSink = audit.Sink

// NoOpSink discards every event.
type NoOpSink = audit.NoOpSink

// NewChannelSink returns a sink that publishes events on a buffered channel.
func NewChannelSink(buffer int) *audit.ChannelSink { return audit.NewChannelSink(buffer) }

// NewJSONWriterSink returns a sink that writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink { return audit.NewJSONWriterSink(w) }

// NewMultiSink fans events out to every sink.
func NewMultiSink(sinks ...AuditSink) AuditSink { return audit.MultiSink(sinks) }

// Audit event types.
const (
	AuditSessionIssued        = "session_issued"
	AuditLoginSuccess         = "login_success"
	AuditLoginFailure         = "login_failure"
	AuditLoginLocked          = "login_locked"
	AuditRefreshSuccess       = "refresh_success"
	AuditRefreshFailure       = "refresh_failure"
	AuditRefreshReuse         = "refresh_reuse_detected"
	AuditDeviceAnomaly        = "device_anomaly"
	AuditLogout               = "logout"
	AuditSessionRevoked       = "session_revoked"
	AuditSubjectRevoked       = "subject_revoked"
	AuditPasswordChange       = "password_change"
	AuditRateLimited          = "rate_limited"
	AuditRateLimitFailOpen    = "rate_limit_fail_open"
	AuditInvalidationDeferred = "cache_invalidation_deferred"
)

// criticalAuditEvents are security signals the dispatcher holds on to
// briefly instead of dropping when its buffer is full.
var criticalAuditEvents = []string{
	AuditRefreshReuse,
	AuditLoginLocked,
	AuditSubjectRevoked,
	AuditPasswordChange,
	AuditDeviceAnomaly,
}

// AuditErrorCode is the stable error label attached to failed events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrRevoked            AuditErrorCode = "revoked"
	auditErrSessionCreation    AuditErrorCode = "session_creation_failed"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subject string,
	sessionID string,
	err error,
	metadata func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		EventType: eventType,
		Subject:   subject,
		SessionID: sessionID,
		IP:        ClientIPFromContext(ctx),
		Success:   success,
	}
	if metadata != nil {
		event.Metadata = metadata()
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}
	e.audit.Emit(ctx, event)
}

// EmitAudit records an event on behalf of an outer layer such as the
// governance middleware.
func (e *Engine) EmitAudit(ctx context.Context, eventType string, subject string, metadata map[string]string) {
	e.emitAudit(ctx, eventType, false, subject, "", nil, func() map[string]string { return metadata })
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}
	switch ReasonOf(err) {
	case "":
	case ReasonRevoked:
		return auditErrRevoked
	case ReasonRevocationUnavailable:
		return auditErrUnavailable
	default:
		return auditErrInvalidToken
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrSessionCreationFailed):
		return auditErrSessionCreation
	case errors.Is(err, ErrRevocationFailed),
		errors.Is(err, ErrSessionStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	default:
		return auditErrInternal
	}
}
