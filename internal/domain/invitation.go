package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Invitation struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Token      string     `json:"-"`
	InvitedBy  uuid.UUID  `json:"invited_by"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy *uuid.UUID `json:"accepted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Accepted reports whether the invitation has been redeemed.
func (i *Invitation) Accepted() bool {
	return i.AcceptedAt != nil
}

type InvitationRepository interface {
	Create(ctx context.Context, inv *Invitation) error
	GetByToken(ctx context.Context, token string) (*Invitation, error)
	// Accept marks the invitation accepted and attaches the user to the
	// account in one transaction.
	Accept(ctx context.Context, inv *Invitation, userID uuid.UUID, at time.Time) error
}
