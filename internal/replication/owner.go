package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/tenancy"
)

// OwnerRoleLabel is the role label account owners are replicated with.
const OwnerRoleLabel = "owner"

// OwnerAccounts finds the account bound to a tenant.
type OwnerAccounts interface {
	GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error)
}

// OwnerUsers loads central users.
type OwnerUsers interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// MirrorOwner returns a pipeline hook that copies the account owner into the
// tenant schema. It runs after every successful provisioning, so a tenant
// that only became ready on a retry still gets its owner row. A tenant with
// no account yet is skipped.
func (r *Replicator) MirrorOwner(accounts OwnerAccounts, users OwnerUsers) tenancy.ReadyHook {
	return func(ctx context.Context, t *domain.Tenant) error {
		acct, err := accounts.GetByTenantID(ctx, t.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replication.MirrorOwner: account: %w", err)
		}

		owner, err := users.GetByID(ctx, acct.OwnerID)
		if err != nil {
			return fmt.Errorf("replication.MirrorOwner: owner %s: %w", acct.OwnerID, err)
		}

		if _, err := r.Replicate(ctx, owner, t.ID, OwnerRoleLabel); err != nil {
			return fmt.Errorf("replication.MirrorOwner: %w", err)
		}
		return nil
	}
}
