// Package access decides whether an authenticated identity may act inside the
// tenant bound to the current request.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/tenancy"
)

var (
	ErrNoActiveScope   = errors.New("access: no active tenant scope")
	ErrUnauthenticated = errors.New("access: unauthenticated")
	ErrNotFound        = errors.New("access: tenant has no account")
	ErrForbidden       = errors.New("access: access denied")
)

// Accounts is the subset of domain.AccountRepository the guard reads.
type Accounts interface {
	GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error)
	IsMember(ctx context.Context, accountID, userID uuid.UUID) (bool, error)
}

// Guard authorizes identities against the account bound to a tenant. It only
// reads the central schema and never changes account state.
type Guard struct {
	accounts Accounts
}

func NewGuard(accounts Accounts) *Guard {
	return &Guard{accounts: accounts}
}

// Authorize returns the tenant's account if identity owns it or is attached to
// it. ctx must carry an active scope for the same tenant.
func (g *Guard) Authorize(ctx context.Context, identity uuid.UUID, tenant *domain.Tenant) (*domain.AccountRef, error) {
	scope := tenancy.ScopeFromContext(ctx)
	if tenant == nil || !scope.Active() || scope.Tenant().ID != tenant.ID {
		return nil, fmt.Errorf("access.Guard.Authorize: %w", ErrNoActiveScope)
	}
	if identity == uuid.Nil {
		return nil, fmt.Errorf("access.Guard.Authorize: %w", ErrUnauthenticated)
	}

	acct, err := g.accounts.GetByTenantID(ctx, tenant.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("access.Guard.Authorize: %s: %w", tenant.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("access.Guard.Authorize: %w", err)
	}

	if acct.OwnerID == identity {
		return acct.Ref(), nil
	}

	member, err := g.accounts.IsMember(ctx, acct.ID, identity)
	if err != nil {
		return nil, fmt.Errorf("access.Guard.Authorize: %w", err)
	}
	if !member {
		log.Info().
			Str("tenant_id", tenant.ID).
			Str("user_id", identity.String()).
			Msg("access denied")
		return nil, fmt.Errorf("access.Guard.Authorize: %w", ErrForbidden)
	}

	return acct.Ref(), nil
}

type accountKey struct{}

// WithAccount stores the authorized account in ctx.
func WithAccount(ctx context.Context, ref *domain.AccountRef) context.Context {
	return context.WithValue(ctx, accountKey{}, ref)
}

// AccountFromContext returns the account stored by WithAccount.
func AccountFromContext(ctx context.Context) (*domain.AccountRef, bool) {
	ref, ok := ctx.Value(accountKey{}).(*domain.AccountRef)
	return ref, ok && ref != nil
}
