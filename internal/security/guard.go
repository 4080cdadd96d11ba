// Package security enforces tenant isolation on every entity-store call.
package security

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/metrics"
	"github.com/aryan0dhankhar/clinicore/internal/security/audit"
)

// Guard validates that a scope may touch a row, and records violations
type Guard struct {
	audit  *audit.Logger
	events events.Sink
}

// NewGuard creates a new guard
func NewGuard(logger *slog.Logger, sink events.Sink) *Guard {
	if sink == nil {
		sink = events.Nop
	}
	return &Guard{audit: audit.NewLogger(logger), events: sink}
}

// CheckRow allows op on a row owned by rowTenant. A system scope may touch
// any tenant's rows; the access is logged.
func (g *Guard) CheckRow(ctx context.Context, scope Scope, op, entityType string, entityID, rowTenant uuid.UUID) error {
	if !scope.Valid() {
		return domain.E(domain.KindInvalidArgument, op, "missing scope", nil)
	}
	if scope.IsSystem() {
		if scope.Actor() != uuid.Nil {
			g.audit.LogElevated(ctx, scope.Actor(), op, entityType, entityID)
		}
		return nil
	}
	if rowTenant == scope.Tenant() {
		return nil
	}
	return g.deny(ctx, scope, op, entityType, entityID)
}

// CheckCreate resolves the tenant a new row belongs to. A tenant scope may
// only create inside its own tenant; a system scope must name one.
func (g *Guard) CheckCreate(ctx context.Context, scope Scope, op, entityType string, requested uuid.UUID) (uuid.UUID, error) {
	if !scope.Valid() {
		return uuid.Nil, domain.E(domain.KindInvalidArgument, op, "missing scope", nil)
	}
	if scope.IsSystem() {
		switch {
		case requested != uuid.Nil:
			return requested, nil
		case scope.Tenant() != uuid.Nil:
			return scope.Tenant(), nil
		}
		return uuid.Nil, domain.E(domain.KindInvalidArgument, op, "system scope must name a tenant", nil)
	}
	if requested == uuid.Nil || requested == scope.Tenant() {
		return scope.Tenant(), nil
	}
	return uuid.Nil, g.deny(ctx, scope, op, entityType, uuid.Nil)
}

// ListTenant returns the tenant a list query is confined to
func (g *Guard) ListTenant(scope Scope, op string) (uuid.UUID, error) {
	if !scope.Valid() {
		return uuid.Nil, domain.E(domain.KindInvalidArgument, op, "missing scope", nil)
	}
	if scope.Tenant() == uuid.Nil {
		return uuid.Nil, domain.E(domain.KindInvalidArgument, op, "system scope must name a tenant", nil)
	}
	return scope.Tenant(), nil
}

// deny logs the violation and returns an error that carries nothing about
// the foreign row beyond the id the caller already supplied.
func (g *Guard) deny(ctx context.Context, scope Scope, op, entityType string, entityID uuid.UUID) error {
	g.audit.LogDenied(ctx, scope.Tenant(), scope.Actor(), op, entityType, entityID)
	metrics.ObserveTenantViolation(op)
	fields := map[string]any{
		"operation":   op,
		"entity_type": entityType,
		"tenant_id":   scope.Tenant().String(),
		"actor_id":    scope.Actor().String(),
	}
	if entityID != uuid.Nil {
		fields["entity_id"] = entityID.String()
	}
	g.events.Emit(events.New(events.TenantIsolationViolation, fields))
	return domain.E(domain.KindCrossTenantAccessDenied, op, "", nil)
}
