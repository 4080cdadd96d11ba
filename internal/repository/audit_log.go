package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
	"github.com/aryan0dhankhar/clinicore/internal/security"
)

// AuditLog reads the audit trail. Records are only ever written by the
// entity stores, inside the mutation's transaction.
type AuditLog struct {
	x     *executor
	guard *security.Guard
}

// NewAuditLog creates an audit trail reader
func NewAuditLog(deps Deps) (*AuditLog, error) {
	if deps.Pool == nil || deps.Guard == nil {
		return nil, fmt.Errorf("audit log needs a pool and a guard")
	}
	return &AuditLog{
		x:     newExecutor(deps),
		guard: deps.Guard,
	}, nil
}

// ListByEntity returns the records of one entity in the order they were
// written. A system scope must be narrowed with OnTenant first.
func (l *AuditLog) ListByEntity(ctx context.Context, scope security.Scope, entityType string, entityID uuid.UUID) ([]domain.AuditRecord, error) {
	const op = "audit.list"
	tenant, err := l.guard.ListTenant(scope, op)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, tenant_id, entity_type, entity_id, action, before_state, after_state, actor_id, occurred_at
		FROM audit_records
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY occurred_at, id
	`
	var out []domain.AuditRecord
	mop := monitor.Operation{Name: op, TenantID: tenant, EntityType: entityType}
	err = l.x.read(ctx, mop, func(ctx context.Context, q queryer) error {
		out = out[:0]
		rows, err := q.QueryContext(ctx, l.x.q(query), tenant, entityType, entityID)
		if err != nil {
			return storageErr(op, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r             domain.AuditRecord
				action        string
				before, after sql.NullString
			)
			if err := rows.Scan(&r.ID, &r.TenantID, &r.EntityType, &r.EntityID, &action,
				&before, &after, &r.ActorID, &r.OccurredAt); err != nil {
				return storageErr(op, fmt.Errorf("failed to scan audit record: %w", err))
			}
			r.Action = domain.AuditAction(action)
			if before.Valid {
				r.BeforeState = []byte(before.String)
			}
			if after.Valid {
				r.AfterState = []byte(after.String)
			}
			r.OccurredAt = r.OccurredAt.UTC()
			out = append(out, r)
		}
		return storageErr(op, rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
