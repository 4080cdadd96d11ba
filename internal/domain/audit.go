package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction identifies the kind of mutation an audit record describes.
type AuditAction string

const (
	AuditCreate     AuditAction = "CREATE"
	AuditUpdate     AuditAction = "UPDATE"
	AuditSoftDelete AuditAction = "SOFT_DELETE"
	AuditRestore    AuditAction = "RESTORE"
)

// Valid reports whether a is one of the known actions.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditCreate, AuditUpdate, AuditSoftDelete, AuditRestore:
		return true
	}
	return false
}

// AuditRecord is an immutable log entry describing one mutation of one entity.
// It is written in the same transaction as the mutation.
type AuditRecord struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    uuid.UUID       `json:"entity_id"`
	Action      AuditAction     `json:"action"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	ActorID     uuid.NullUUID   `json:"actor_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
