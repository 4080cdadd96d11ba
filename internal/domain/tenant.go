package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantMode describes how a clinic is staffed.
type TenantMode string

const (
	ModeSingleProvider TenantMode = "SINGLE_PROVIDER"
	ModeMultiProvider  TenantMode = "MULTI_PROVIDER"
)

// Valid reports whether m is a known mode.
func (m TenantMode) Valid() bool {
	return m == ModeSingleProvider || m == ModeMultiProvider
}

// Tenant represents a clinic, the unit of data isolation.
// Entities point back at it through TenantID; it never holds them.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Mode      TenantMode
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantRepository defines data access for tenants
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByName(ctx context.Context, name string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*Tenant, error)
}
