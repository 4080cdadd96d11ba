package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
)

// change is what a mutation primitive reports for the audit trail.
type change struct {
	action   domain.AuditAction
	tenantID uuid.UUID
	entityID uuid.UUID
	actor    uuid.NullUUID
	at       time.Time
	before   json.RawMessage
	after    json.RawMessage
}

// mutation is one row change executed inside a caller-owned transaction.
type mutation func(ctx context.Context, tx *sql.Tx) (change, error)

// withAudit appends the audit record to the mutation's transaction, so the
// row change and its record commit or roll back together.
func withAudit(entityType string, w *auditWriter, m mutation) mutation {
	return func(ctx context.Context, tx *sql.Tx) (change, error) {
		ch, err := m(ctx, tx)
		if err != nil {
			return ch, err
		}
		if err := w.write(ctx, tx, entityType, ch); err != nil {
			return ch, err
		}
		return ch, nil
	}
}

type auditWriter struct {
	x *executor
}

const insertAudit = `
	INSERT INTO audit_records
		(id, tenant_id, entity_type, entity_id, action, before_state, after_state, actor_id, occurred_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (w *auditWriter) write(ctx context.Context, tx *sql.Tx, entityType string, ch change) error {
	if !ch.action.Valid() {
		return domain.E(domain.KindInvalidArgument, "audit.write", "unknown action "+string(ch.action), nil)
	}
	_, err := tx.ExecContext(ctx, w.x.q(insertAudit),
		newID(), ch.tenantID, entityType, ch.entityID, string(ch.action),
		jsonValue(ch.before), jsonValue(ch.after), ch.actor, ch.at)
	if err != nil {
		return storageErr("audit.write", fmt.Errorf("failed to insert audit record: %w", err))
	}
	return nil
}

func snapshot(rec domain.Record) (json.RawMessage, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot entity: %w", err)
	}
	return b, nil
}

func jsonValue(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
