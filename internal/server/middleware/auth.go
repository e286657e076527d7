package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/auth"
)

// Auth requires a valid access token in the Authorization header and stores
// the token's user in the request context.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeProblem(w, http.StatusUnauthorized, "missing credentials")
				return
			}

			userID, err := auth.AccessIdentity(jwtSecret, token)
			if err != nil {
				log.Debug().Err(err).Msg("reject access token")
				writeProblem(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
