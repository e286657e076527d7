package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Account is the billing owner of a tenant, linked one-to-one by tenant ID.
// Seat and billing state belong to the billing module; only ownership and
// membership are read here.
type Account struct {
	ID        uuid.UUID
	TenantID  string
	OwnerID   uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the read-only view handed to downstream handlers.
func (a *Account) Ref() *AccountRef {
	return &AccountRef{ID: a.ID, TenantID: a.TenantID, OwnerID: a.OwnerID, Name: a.Name}
}

// AccountRef is the read-only account view exposed after authorization.
type AccountRef struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	Name     string    `json:"name"`
}

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByTenantID(ctx context.Context, tenantID string) (*Account, error)
	// IsMember reports membership granted through an accepted invitation.
	IsMember(ctx context.Context, accountID, userID uuid.UUID) (bool, error)
}
