// Package auth maps tokens verified by the authentication provider onto
// principals. It never checks credentials itself.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
)

type Claims struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims into the identity the core trusts.
// UserID falls back to the registered subject.
func (c *Claims) Principal() (domain.Principal, error) {
	tenantID, err := uuid.Parse(c.TenantID)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("invalid tenant_id claim: %w", err)
	}
	user := c.UserID
	if user == "" {
		user = c.Subject
	}
	actorID, err := uuid.Parse(user)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("invalid user_id claim: %w", err)
	}
	return domain.Principal{ActorID: actorID, TenantID: tenantID, Roles: c.Roles}, nil
}

// PrincipalFromToken maps a token the provider has already parsed and
// verified. Unverified tokens are rejected.
func PrincipalFromToken(token *jwt.Token) (domain.Principal, error) {
	if token == nil || !token.Valid {
		return domain.Principal{}, fmt.Errorf("token has not been verified")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return domain.Principal{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims.Principal()
}
