package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

type RoleRepo struct {
	q Querier
}

func NewRoleRepo(q Querier) *RoleRepo {
	return &RoleRepo{q: q}
}

// Upsert inserts the role or refreshes its label, keyed by name.
func (r *RoleRepo) Upsert(ctx context.Context, role *domain.Role) error {
	err := r.q.QueryRow(ctx,
		`INSERT INTO roles (name, label) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET label = EXCLUDED.label, updated_at = now()
		 RETURNING id`,
		role.Name, role.Label,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("roleRepo.Upsert: %w", err)
	}

	return nil
}

func (r *RoleRepo) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	var role domain.Role

	err := r.q.QueryRow(ctx,
		`SELECT id, name, label FROM roles WHERE name = $1`, name,
	).Scan(&role.ID, &role.Name, &role.Label)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("roleRepo.GetByName: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("roleRepo.GetByName: %w", err)
	}

	return &role, nil
}
