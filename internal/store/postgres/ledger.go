package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Ledger table names. The tenant ledger is unqualified and resolves inside
// whatever schema the connection's search_path pins.
const (
	CentralLedgerTable = "central_migrations"
	TenantLedgerTable  = "tenant_migrations"
)

// LedgerRepo records applied migrations in a bookkeeping table.
type LedgerRepo struct {
	q     Querier
	table string
}

func NewLedgerRepo(q Querier, table string) *LedgerRepo {
	return &LedgerRepo{q: q, table: pgx.Identifier{table}.Sanitize()}
}

func (r *LedgerRepo) EnsureLedger(ctx context.Context) error {
	_, err := r.q.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+r.table+` (
		id          TEXT PRIMARY KEY,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("ledgerRepo.EnsureLedger: %w", err)
	}

	return nil
}

// Applied returns the recorded migration IDs. A missing ledger table means
// nothing has been applied; Applied never creates it.
func (r *LedgerRepo) Applied(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := r.q.Query(ctx, `SELECT id FROM `+r.table)
	if IsUndefinedTable(err) {
		return applied, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledgerRepo.Applied: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledgerRepo.Applied: scan: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); IsUndefinedTable(err) {
		return map[string]bool{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("ledgerRepo.Applied: rows: %w", err)
	}

	return applied, nil
}

// Apply runs statements and records id in a single transaction.
func (r *LedgerRepo) Apply(ctx context.Context, id string, statements []string) error {
	tx, err := r.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledgerRepo.Apply: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledgerRepo.Apply: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+r.table+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ledgerRepo.Apply: record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledgerRepo.Apply: commit: %w", err)
	}

	return nil
}
