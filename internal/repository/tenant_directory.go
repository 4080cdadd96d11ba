package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/pkg/cache"
)

// DefaultTenantTTL bounds how long a deactivation can go unnoticed by a
// process that did not perform it.
const DefaultTenantTTL = 30 * time.Second

// TenantDirectory answers "is this tenant active" from a short-lived cache
// in front of the tenant repository.
type TenantDirectory struct {
	repo  domain.TenantRepository
	cache *cache.Cache[bool]
	ttl   time.Duration
}

// NewTenantDirectory creates a directory over repo. A ttl of zero uses
// DefaultTenantTTL.
func NewTenantDirectory(repo domain.TenantRepository, c *cache.Cache[bool], ttl time.Duration) *TenantDirectory {
	if c == nil {
		c = cache.New[bool]()
	}
	if ttl <= 0 {
		ttl = DefaultTenantTTL
	}
	return &TenantDirectory{repo: repo, cache: c, ttl: ttl}
}

// EnsureActive returns ErrTenantInactive for deactivated tenants and
// ErrNotFound for unknown ones.
func (d *TenantDirectory) EnsureActive(ctx context.Context, tenantID uuid.UUID) error {
	key := tenantKey(tenantID)
	active, ok := d.cache.Get(key)
	if !ok {
		t, err := d.repo.GetByID(ctx, tenantID)
		if err != nil {
			return err
		}
		active = t.IsActive
		d.cache.Set(key, active, d.ttl)
	}
	if !active {
		return domain.E(domain.KindTenantInactive, "tenant.check", "tenant is inactive", nil)
	}
	return nil
}

// Deactivate deactivates the tenant and drops its cached state
func (d *TenantDirectory) Deactivate(ctx context.Context, tenantID uuid.UUID) error {
	defer d.Invalidate(tenantID)
	return d.repo.Deactivate(ctx, tenantID)
}

// Invalidate forgets the cached state of one tenant
func (d *TenantDirectory) Invalidate(tenantID uuid.UUID) {
	d.cache.Delete(tenantKey(tenantID))
}

func tenantKey(id uuid.UUID) string {
	return "tenant:" + id.String()
}
