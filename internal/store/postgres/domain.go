package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

type DomainRepo struct {
	q Querier
}

func NewDomainRepo(q Querier) *DomainRepo {
	return &DomainRepo{q: q}
}

func (r *DomainRepo) Create(ctx context.Context, d *domain.Domain) error {
	d.Domain = domain.NormalizeHost(d.Domain)

	_, err := r.q.Exec(ctx,
		`INSERT INTO domains (domain, tenant_id, created_at) VALUES ($1, $2, $3)`,
		d.Domain, d.TenantID, d.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("domainRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("domainRepo.Create: %w", err)
	}

	return nil
}

// Resolve returns the tenant bound to host, in any status.
func (r *DomainRepo) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	t, err := scanTenant(r.q.QueryRow(ctx,
		`SELECT t.id, t.data, t.status, t.last_error, t.provisioned_at, t.created_at, t.updated_at
		 FROM domains d JOIN tenants t ON t.id = d.tenant_id
		 WHERE d.domain = $1`,
		domain.NormalizeHost(host),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domainRepo.Resolve: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("domainRepo.Resolve: %w", err)
	}

	return t, nil
}

func (r *DomainRepo) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Domain, error) {
	rows, err := r.q.Query(ctx,
		`SELECT domain, tenant_id, created_at FROM domains WHERE tenant_id = $1 ORDER BY domain`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("domainRepo.ListByTenant: %w", err)
	}
	defer rows.Close()

	var out []*domain.Domain
	for rows.Next() {
		var d domain.Domain
		if err := rows.Scan(&d.Domain, &d.TenantID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("domainRepo.ListByTenant: scan: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("domainRepo.ListByTenant: rows: %w", err)
	}

	return out, nil
}
