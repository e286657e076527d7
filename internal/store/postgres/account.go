package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

const accountColumns = `id, tenant_id, owner_id, name, created_at, updated_at`

type AccountRepo struct {
	q Querier
}

func NewAccountRepo(q Querier) *AccountRepo {
	return &AccountRepo{q: q}
}

func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TenantID, a.OwnerID, a.Name, a.CreatedAt, a.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("accountRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("accountRepo.Create: %w", err)
	}

	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("accountRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("accountRepo.GetByID: %w", err)
	}

	return a, nil
}

func (r *AccountRepo) GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("accountRepo.GetByTenantID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("accountRepo.GetByTenantID: %w", err)
	}

	return a, nil
}

func (r *AccountRepo) IsMember(ctx context.Context, accountID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_user WHERE account_id = $1 AND user_id = $2)`,
		accountID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("accountRepo.IsMember: %w", err)
	}

	return ok, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.OwnerID, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
