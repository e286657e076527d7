package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/access"
	"github.com/gosuda/tenantry/internal/domain"
)

// Authorizer is satisfied by *access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, identity uuid.UUID, tenant *domain.Tenant) (*domain.AccountRef, error)
}

// Guard admits only the owner or members of the account bound to the request
// tenant. It must run after Tenancy and Auth.
func Guard(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenant, _ := TenantFromContext(ctx)
			userID, _ := UserIDFromContext(ctx)

			ref, err := a.Authorize(ctx, userID, tenant)
			switch {
			case err == nil:
			case errors.Is(err, access.ErrUnauthenticated):
				writeProblem(w, http.StatusUnauthorized, "missing credentials")
				return
			case errors.Is(err, access.ErrForbidden):
				writeProblem(w, http.StatusForbidden, "access denied")
				return
			case errors.Is(err, access.ErrNotFound):
				writeProblem(w, http.StatusNotFound, "account not found")
				return
			default:
				log.Error().Err(err).Msg("authorize request")
				writeProblem(w, http.StatusInternalServerError, "authorization failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(access.WithAccount(ctx, ref)))
		})
	}
}
