package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

// TenantUserRepo stores users inside a tenant schema. It must be built over a
// tenant-bound querier; table names are unqualified.
type TenantUserRepo struct {
	q Querier
}

func NewTenantUserRepo(q Querier) *TenantUserRepo {
	return &TenantUserRepo{q: q}
}

func (r *TenantUserRepo) Create(ctx context.Context, u *domain.TenantUser) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	err := r.q.QueryRow(ctx,
		`INSERT INTO users (name, first_name, last_name, email, role_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		u.Name, u.FirstName, u.LastName, u.Email, u.RoleID,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("tenantUserRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("tenantUserRepo.Create: %w", err)
	}

	return nil
}

func (r *TenantUserRepo) GetByEmail(ctx context.Context, email string) (*domain.TenantUser, error) {
	var u domain.TenantUser

	err := r.q.QueryRow(ctx,
		`SELECT id, name, first_name, last_name, email, role_id, created_at, updated_at
		 FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Name, &u.FirstName, &u.LastName, &u.Email, &u.RoleID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenantUserRepo.GetByEmail: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantUserRepo.GetByEmail: %w", err)
	}

	return &u, nil
}

// List pages through users in id order. limit and offset are clamped like
// AuditRepo.ListByTenant.
func (r *TenantUserRepo) List(ctx context.Context, limit, offset int) ([]*domain.TenantUser, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := r.q.Query(ctx,
		`SELECT id, name, first_name, last_name, email, role_id, created_at, updated_at
		 FROM users ORDER BY id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantUserRepo.List: %w", err)
	}
	defer rows.Close()

	var users []*domain.TenantUser
	for rows.Next() {
		var u domain.TenantUser
		err = rows.Scan(&u.ID, &u.Name, &u.FirstName, &u.LastName, &u.Email, &u.RoleID, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("tenantUserRepo.List: scan: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenantUserRepo.List: rows: %w", err)
	}

	return users, nil
}
