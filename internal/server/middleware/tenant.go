package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/tenancy"
)

// Scopes resolves request hosts and opens tenant scopes. *tenancy.Manager
// satisfies it.
type Scopes interface {
	Resolve(ctx context.Context, host string) (*domain.Tenant, error)
	Begin(ctx context.Context, tenant *domain.Tenant, opts ...tenancy.BeginOption) (*tenancy.Scope, error)
}

// Tenancy resolves the tenant bound to the request host and runs the rest of
// the chain inside an active scope for it. The scope ends when the handler
// returns, whatever the outcome. Unbound hosts are rejected before any later
// middleware runs.
func Tenancy(scopes Scopes) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			tenant, err := scopes.Resolve(ctx, r.Host)
			if err != nil {
				if errors.Is(err, tenancy.ErrTenantNotFound) {
					writeProblem(w, http.StatusNotFound, "tenant not found")
					return
				}
				log.Error().Err(err).Str("host", r.Host).Msg("resolve tenant")
				writeProblem(w, http.StatusInternalServerError, "tenant lookup failed")
				return
			}

			scope, err := scopes.Begin(ctx, tenant)
			switch {
			case errors.Is(err, tenancy.ErrTenantNotReady):
				writeProblem(w, http.StatusServiceUnavailable, "tenant is not ready")
				return
			case errors.Is(err, tenancy.ErrInvalidTenantID):
				writeProblem(w, http.StatusNotFound, "tenant not found")
				return
			case err != nil:
				writeProblem(w, http.StatusInternalServerError, "tenant scope unavailable")
				return
			}
			defer func() {
				if endErr := scope.End(ctx); endErr != nil {
					log.Error().Err(endErr).Str("tenant_id", tenant.ID).Msg("end tenant scope")
				}
			}()

			ctx = tenancy.WithScope(ctx, scope)
			ctx = WithTenant(ctx, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
