package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

type InvitationRepo struct {
	q Querier
}

func NewInvitationRepo(q Querier) *InvitationRepo {
	return &InvitationRepo{q: q}
}

func (r *InvitationRepo) Create(ctx context.Context, inv *domain.Invitation) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO invitations (id, account_id, email, role, token, invited_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.ID, inv.AccountID, inv.Email, inv.Role, inv.Token, inv.InvitedBy, inv.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("invitationRepo.Create: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("invitationRepo.Create: %w", err)
	}

	return nil
}

func (r *InvitationRepo) GetByToken(ctx context.Context, token string) (*domain.Invitation, error) {
	var inv domain.Invitation

	err := r.q.QueryRow(ctx,
		`SELECT id, account_id, email, role, token, invited_by, accepted_at, accepted_by, created_at
		 FROM invitations WHERE token = $1`,
		token,
	).Scan(&inv.ID, &inv.AccountID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy,
		&inv.AcceptedAt, &inv.AcceptedBy, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invitationRepo.GetByToken: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("invitationRepo.GetByToken: %w", err)
	}

	return &inv, nil
}

// Accept marks the invitation accepted by userID and attaches the user to the
// invitation's account in one transaction. Accepting again as the same user is
// a no-op; an invitation already accepted by someone else is ErrConflict.
func (r *InvitationRepo) Accept(ctx context.Context, inv *domain.Invitation, userID uuid.UUID, at time.Time) error {
	tx, err := r.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invitationRepo.Accept: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE invitations
		 SET accepted_at = COALESCE(accepted_at, $2), accepted_by = $3
		 WHERE id = $1 AND (accepted_by IS NULL OR accepted_by = $3)`,
		inv.ID, at, userID,
	)
	if err != nil {
		return fmt.Errorf("invitationRepo.Accept: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invitationRepo.Accept: %w", domain.ErrConflict)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO account_user (account_id, user_id, role, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, user_id) DO NOTHING`,
		inv.AccountID, userID, inv.Role, at,
	)
	if err != nil {
		return fmt.Errorf("invitationRepo.Accept: membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invitationRepo.Accept: commit: %w", err)
	}

	if inv.AcceptedAt == nil {
		inv.AcceptedAt = &at
	}
	inv.AcceptedBy = &userID

	return nil
}
