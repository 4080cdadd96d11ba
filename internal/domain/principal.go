package domain

import (
	"slices"

	"github.com/google/uuid"
)

// RoleSystemAdmin is the only role allowed to elevate into the system scope.
const RoleSystemAdmin = "system_admin"

// Principal is the verified caller identity handed over by the authentication
// provider. The core trusts it as-is.
type Principal struct {
	ActorID  uuid.UUID
	TenantID uuid.UUID
	Roles    []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}
