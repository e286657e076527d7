package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/tenantry/internal/domain"
)

type contextKey string

const (
	contextKeyTenant contextKey = "tenant"
	contextKeyUserID contextKey = "user_id"
)

// WithTenant stores the tenant resolved from the request host.
func WithTenant(ctx context.Context, t *domain.Tenant) context.Context {
	return context.WithValue(ctx, contextKeyTenant, t)
}

func TenantFromContext(ctx context.Context) (*domain.Tenant, bool) {
	v, ok := ctx.Value(contextKeyTenant).(*domain.Tenant)
	return v, ok && v != nil
}

// WithUserID stores the authenticated central user.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKeyUserID, id)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(contextKeyUserID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}
