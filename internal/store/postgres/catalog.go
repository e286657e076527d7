package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CatalogRepo creates, drops and inspects schemas. It always runs on the
// central pool; schema names are quoted with pgx.Identifier and never
// interpolated raw.
type CatalogRepo struct {
	q Querier
}

func NewCatalogRepo(q Querier) *CatalogRepo {
	return &CatalogRepo{q: q}
}

func (r *CatalogRepo) CreateSchema(ctx context.Context, name string) error {
	_, err := r.q.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return fmt.Errorf("catalogRepo.CreateSchema: %w", err)
	}

	return nil
}

func (r *CatalogRepo) DropSchema(ctx context.Context, name string) error {
	_, err := r.q.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{name}.Sanitize()+` CASCADE`)
	if err != nil {
		return fmt.Errorf("catalogRepo.DropSchema: %w", err)
	}

	return nil
}

func (r *CatalogRepo) SchemaExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, name,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("catalogRepo.SchemaExists: %w", err)
	}

	return ok, nil
}
