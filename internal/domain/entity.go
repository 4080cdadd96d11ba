package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entity holds the columns every tenant-scoped record carries.
// Concrete records embed it and inherit the Record contract.
type Entity struct {
	ID        uuid.UUID     `json:"id"`
	TenantID  uuid.UUID     `json:"tenant_id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`
	CreatedBy uuid.NullUUID `json:"created_by"`
	UpdatedBy uuid.NullUUID `json:"updated_by"`
	Version   int64         `json:"version"`
}

// EntityBase returns the embedded base so generic code can reach it.
func (e *Entity) EntityBase() *Entity { return e }

// IsDeleted reports whether the row has been soft-deleted.
func (e *Entity) IsDeleted() bool { return e.DeletedAt != nil }

// Record is the minimal contract the entity store works with.
type Record interface {
	EntityBase() *Entity
}

// Timestamp normalizes t to the precision persisted for entity and audit columns.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ActorRef converts an actor id into a nullable column value.
// uuid.Nil marks a system-initiated write.
func ActorRef(actor uuid.UUID) uuid.NullUUID {
	if actor == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: actor, Valid: true}
}
