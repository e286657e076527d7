package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/tenantry/internal/auth"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/invitation"
)

// AuthService abstracts central authentication for handler testing.
// *auth.Service satisfies this interface.
type AuthService interface {
	Register(ctx context.Context, email, password, firstName, lastName string) (*domain.User, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*auth.Tokens, error)
	IssueTokens(userID uuid.UUID) (*auth.Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (string, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// TenantRegistry abstracts the central tenant records.
// *tenancy.Registry satisfies this interface.
type TenantRegistry interface {
	Register(ctx context.Context, data map[string]any, hosts ...string) (*domain.Tenant, error)
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	Hosts(ctx context.Context, id string) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// AccountStore is the subset of domain.AccountRepository the handlers use.
type AccountStore interface {
	Create(ctx context.Context, a *domain.Account) error
	GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error)
}

// LifecycleDispatcher raises tenant lifecycle events. *events.Bus satisfies
// this interface.
type LifecycleDispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) error
}

// Provisioner retries provisioning on demand. *tenancy.Pipeline satisfies
// this interface.
type Provisioner interface {
	Provision(ctx context.Context, tenantID string) error
}

// InvitationService abstracts the invitation saga. *invitation.Service
// satisfies this interface.
type InvitationService interface {
	Invite(ctx context.Context, account *domain.AccountRef, inviter uuid.UUID, email, role string) (*domain.Invitation, error)
	Accept(ctx context.Context, token string, user *domain.User) (*invitation.Result, error)
}

// AuditLog reads a tenant's audit trail. domain.AuditRepository satisfies
// this interface.
type AuditLog interface {
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*domain.AuditEntry, error)
}

// Deps bundles what the central routes need.
type Deps struct {
	Auth        AuthService
	Registry    TenantRegistry
	Accounts    AccountStore
	Lifecycle   LifecycleDispatcher
	Provisioner Provisioner
	Invitations InvitationService
	Audit       AuditLog
}
