package security

import (
	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
)

// Scope is the access boundary of one operation. A tenant scope reaches only
// its own tenant's rows. A system scope reaches every tenant and can only be
// obtained through Elevate.
type Scope struct {
	actor  uuid.UUID
	tenant uuid.UUID
	system bool
}

// ForPrincipal builds the tenant scope of a verified principal
func ForPrincipal(p domain.Principal) (Scope, error) {
	if p.TenantID == uuid.Nil {
		return Scope{}, domain.E(domain.KindInvalidArgument, "security.scope", "principal has no tenant", nil)
	}
	return Scope{actor: p.ActorID, tenant: p.TenantID}, nil
}

// Elevate builds a system scope. The principal must hold the system_admin role.
func Elevate(p domain.Principal) (Scope, error) {
	if !p.HasRole(domain.RoleSystemAdmin) {
		return Scope{}, domain.E(domain.KindCrossTenantAccessDenied, "security.elevate",
			"principal may not act across tenants", nil)
	}
	return Scope{actor: p.ActorID, system: true}, nil
}

// System returns the scope for system-initiated work (migrations, jobs).
// Writes made under it carry no actor.
func System() Scope {
	return Scope{system: true}
}

// OnTenant narrows a system scope to one tenant for listing and creation.
// A tenant scope is returned unchanged.
func (s Scope) OnTenant(tenant uuid.UUID) Scope {
	if s.system {
		s.tenant = tenant
	}
	return s
}

// Actor is the acting user, or uuid.Nil for system-initiated writes
func (s Scope) Actor() uuid.UUID { return s.actor }

// Tenant is the scope's tenant. For a system scope it is the narrowed tenant
// or uuid.Nil.
func (s Scope) Tenant() uuid.UUID { return s.tenant }

// IsSystem reports whether the scope crosses tenants
func (s Scope) IsSystem() bool { return s.system }

// Valid reports whether the scope came from one of the constructors
func (s Scope) Valid() bool { return s.system || s.tenant != uuid.Nil }
