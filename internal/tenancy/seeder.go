package tenancy

import (
	"context"
	"fmt"

	"github.com/gosuda/tenantry/internal/domain"
)

// DefaultRoles are the built-in roles every tenant schema carries.
func DefaultRoles() []domain.Role {
	return []domain.Role{
		{Name: domain.RoleAdmin, Label: "Administrator"},
		{Name: domain.RoleManager, Label: "Manager"},
		{Name: domain.RoleUser, Label: "User"},
		{Name: domain.RoleGuest, Label: "Guest"},
	}
}

// Seeder upserts reference rows into a freshly migrated tenant schema.
type Seeder struct {
	roles []domain.Role
}

// NewSeeder seeds roles, or DefaultRoles when none are given.
func NewSeeder(roles ...domain.Role) *Seeder {
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	return &Seeder{roles: roles}
}

// Seed upserts every role by name inside the scope. Re-running is safe.
func (s *Seeder) Seed(ctx context.Context, scope *Scope) error {
	if !scope.Active() {
		return fmt.Errorf("tenancy.Seeder.Seed: %w", ErrScopeInactive)
	}

	roles := scope.Store().Roles
	for _, r := range s.roles {
		role := r
		if err := roles.Upsert(ctx, &role); err != nil {
			return &SeedError{TenantID: scope.Tenant().ID, Role: r.Name, Err: err}
		}
	}
	return nil
}
