// Package audit writes security events (denials, elevated access) to the
// structured log. Entity change history lives in the audit_records table.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID attaches a correlation id that security events carry
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id stored by WithRequestID
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With(slog.String("component", "security"))}
}

func (al *Logger) LogAction(ctx context.Context, level slog.Level, tenantID, actorID uuid.UUID, action, resource string, resourceID uuid.UUID, status string) {
	attrs := []slog.Attr{
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("tenant_id", tenantID.String()),
		slog.String("actor_id", actorID.String()),
		slog.String("status", status),
		slog.Time("timestamp", time.Now().UTC()),
	}
	if resourceID != uuid.Nil {
		attrs = append(attrs, slog.String("resource_id", resourceID.String()))
	}
	if reqID := RequestID(ctx); reqID != "" {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	al.logger.LogAttrs(ctx, level, "security event", attrs...)
}

// LogDenied records a cross-tenant attempt. Only the caller's own tenant is logged.
func (al *Logger) LogDenied(ctx context.Context, tenantID, actorID uuid.UUID, op, entityType string, entityID uuid.UUID) {
	al.LogAction(ctx, slog.LevelWarn, tenantID, actorID, op, entityType, entityID, "denied")
}

func (al *Logger) LogElevated(ctx context.Context, actorID uuid.UUID, op, entityType string, entityID uuid.UUID) {
	al.LogAction(ctx, slog.LevelInfo, uuid.Nil, actorID, op, entityType, entityID, "elevated")
}
