package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

const tenantColumns = `id, data, status, last_error, provisioned_at, created_at, updated_at`

type TenantRepo struct {
	q Querier
}

func NewTenantRepo(q Querier) *TenantRepo {
	return &TenantRepo{q: q}
}

func (r *TenantRepo) Create(ctx context.Context, t *domain.Tenant) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("tenantRepo.Create: marshal data: %w", err)
	}
	if t.Status == "" {
		t.Status = domain.TenantStatusProvisioning
	}

	_, err = r.q.Exec(ctx,
		`INSERT INTO tenants (id, data, status, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, data, t.Status, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("tenantRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("tenantRepo.Create: %w", err)
	}

	return nil
}

func (r *TenantRepo) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	t, err := scanTenant(r.q.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenantRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.GetByID: %w", err)
	}

	return t, nil
}

// UpdateStatus moves a tenant to status. Reaching ready stamps provisioned_at
// and clears last_error.
func (r *TenantRepo) UpdateStatus(ctx context.Context, id string, status domain.TenantStatus, lastError string) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE tenants SET
		     status = $1,
		     last_error = $2,
		     provisioned_at = CASE WHEN $1 = 'ready' THEN now() ELSE provisioned_at END,
		     updated_at = now()
		 WHERE id = $3`,
		status, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("tenantRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenantRepo.UpdateStatus: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *TenantRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tenantRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenantRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *TenantRepo) List(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.List: %w", err)
	}
	defer rows.Close()

	return scanTenants(rows, "tenantRepo.List")
}

func (r *TenantRepo) ListByStatus(ctx context.Context, statuses ...domain.TenantStatus) ([]*domain.Tenant, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.q.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE status = ANY($1) ORDER BY created_at`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.ListByStatus: %w", err)
	}
	defer rows.Close()

	return scanTenants(rows, "tenantRepo.ListByStatus")
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	var t domain.Tenant
	var data []byte

	err := row.Scan(&t.ID, &data, &t.Status, &t.LastError, &t.ProvisionedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return &t, nil
}

func scanTenants(rows pgx.Rows, caller string) ([]*domain.Tenant, error) {
	var tenants []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return tenants, nil
}
