package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/auth"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
)

type SignupInput struct {
	Body struct {
		Email     string `json:"email" minLength:"3" maxLength:"255" doc:"User email"`
		Password  string `json:"password" minLength:"1" maxLength:"128" doc:"Password; verified when the email is already registered"` //nolint:gosec // G117: signup credential DTO
		FirstName string `json:"first_name" maxLength:"255" doc:"Given name"`
		LastName  string `json:"last_name" maxLength:"255" doc:"Family name"`
		Company   string `json:"company" minLength:"1" maxLength:"255" doc:"Account name"`
		Domain    string `json:"domain" minLength:"1" maxLength:"253" pattern:"^[A-Za-z0-9.-]+$" doc:"Hostname the tenant is served on"`
	}
}

type SignupOutput struct {
	Body struct {
		Tenant       *domain.Tenant     `json:"tenant"`
		Domain       string             `json:"domain"`
		Account      *domain.AccountRef `json:"account"`
		AccessToken  string             `json:"access_token"`  //nolint:gosec // G117: auth response DTO
		RefreshToken string             `json:"refresh_token"` //nolint:gosec // G117: auth response DTO
	}
}

type LoginInput struct {
	Body struct {
		Email    string `json:"email" minLength:"3" maxLength:"255" doc:"User email"`
		Password string `json:"password" minLength:"1" maxLength:"128" doc:"Password"` //nolint:gosec // G117: login credential DTO
	}
}

type LoginOutput struct {
	Body struct {
		AccessToken  string `json:"access_token"`  //nolint:gosec // G117: auth response DTO
		RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: auth response DTO
	}
}

type RefreshInput struct {
	Body struct {
		RefreshToken string `json:"refresh_token" minLength:"1" doc:"Refresh token"` //nolint:gosec // G117: token refresh DTO
	}
}

type RefreshOutput struct {
	Body struct {
		AccessToken string `json:"access_token"` //nolint:gosec // G117: auth response DTO
	}
}

// RegisterAuthRoutes mounts the unauthenticated central routes.
func RegisterAuthRoutes(api huma.API, deps Deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/signup",
		Summary:       "Create a tenant with its owner account",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *SignupInput) (*SignupOutput, error) {
		return signup(ctx, deps, input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Login with email and password",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, input *LoginInput) (*LoginOutput, error) {
		tokens, err := deps.Auth.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				return nil, huma.Error401Unauthorized("invalid email or password")
			}
			return nil, huma.Error500InternalServerError("login failed", err)
		}

		out := &LoginOutput{}
		out.Body.AccessToken = tokens.AccessToken
		out.Body.RefreshToken = tokens.RefreshToken
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-token",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Refresh access token",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, input *RefreshInput) (*RefreshOutput, error) {
		accessToken, err := deps.Auth.RefreshToken(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, huma.Error401Unauthorized("invalid or expired refresh token")
		}

		out := &RefreshOutput{}
		out.Body.AccessToken = accessToken
		return out, nil
	})
}

// signup creates or authenticates the central user, registers the tenant
// with its domain, opens the owning account and provisions the tenant before
// answering. The account exists before provisioning starts, so the pipeline
// copies the owner into the schema on whichever attempt succeeds. A failed
// provisioning does not fail the signup; the tenant is returned in the failed
// state and can be retried by its owner.
func signup(ctx context.Context, deps Deps, input *SignupInput) (*SignupOutput, error) {
	b := input.Body

	user, err := deps.Auth.Register(ctx, b.Email, b.Password, b.FirstName, b.LastName)
	switch {
	case errors.Is(err, auth.ErrUserAlreadyExists):
		user, err = deps.Auth.Authenticate(ctx, b.Email, b.Password)
		if err != nil {
			return nil, huma.Error401Unauthorized("invalid email or password")
		}
	case errors.Is(err, auth.ErrWeakPassword):
		return nil, huma.Error422UnprocessableEntity(err.Error())
	case err != nil:
		return nil, huma.Error500InternalServerError("failed to create user", err)
	}

	host := domain.NormalizeHost(b.Domain)
	tenant, err := deps.Registry.Register(ctx, map[string]any{"company": b.Company}, host)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, huma.Error409Conflict("domain is already in use")
		}
		return nil, huma.Error500InternalServerError("failed to register tenant", err)
	}

	now := time.Now().UTC()
	acct := &domain.Account{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		OwnerID:   user.ID,
		Name:      b.Company,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := deps.Accounts.Create(ctx, acct); err != nil {
		if rmErr := deps.Registry.Remove(ctx, tenant.ID); rmErr != nil {
			log.Error().Err(rmErr).Str("tenant_id", tenant.ID).Msg("signup: remove tenant after failed account")
		}
		return nil, huma.Error500InternalServerError("failed to create account", err)
	}

	if err := deps.Lifecycle.Dispatch(ctx, events.Event{Kind: events.TenantCreated, TenantID: tenant.ID}); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("signup: tenant provisioning failed")
	}

	if current, err := deps.Registry.Get(ctx, tenant.ID); err == nil {
		tenant = current
	}

	tokens, err := deps.Auth.IssueTokens(user.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("tenant created but failed to issue tokens", err)
	}

	out := &SignupOutput{}
	out.Body.Tenant = tenant
	out.Body.Domain = host
	out.Body.Account = acct.Ref()
	out.Body.AccessToken = tokens.AccessToken
	out.Body.RefreshToken = tokens.RefreshToken
	return out, nil
}
