package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tenantry/internal/access"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/invitation"
	"github.com/gosuda/tenantry/internal/server/middleware"
	"github.com/gosuda/tenantry/internal/tenancy"
)

type CurrentTenantOutput struct {
	Body struct {
		Tenant  *domain.Tenant     `json:"tenant"`
		Account *domain.AccountRef `json:"account"`
	}
}

type ListTenantUsersInput struct {
	Limit  int `query:"limit" minimum:"0" maximum:"200" default:"50" doc:"Users per page"`
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Users to skip"`
}

type ListTenantUsersOutput struct {
	Body []*domain.TenantUser
}

type CreateInvitationInput struct {
	Body struct {
		Email string `json:"email" minLength:"3" maxLength:"255" doc:"Invitee email"`
		Role  string `json:"role,omitempty" maxLength:"32" doc:"Role label, defaults to member"`
	}
}

type CreateInvitationOutput struct {
	Body struct {
		Invitation *domain.Invitation `json:"invitation"`
		Token      string             `json:"token" doc:"Share with the invitee; shown only once"`
	}
}

// RegisterTenantRoutes mounts the routes served for the tenant bound to the
// request host. They expect the Tenancy, Auth and Guard middleware in front.
func RegisterTenantRoutes(api huma.API, invitations InvitationService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-current-tenant",
		Method:      http.MethodGet,
		Path:        "/tenant",
		Summary:     "Show the tenant and account for this host",
		Tags:        []string{"Tenant"},
	}, func(ctx context.Context, _ *struct{}) (*CurrentTenantOutput, error) {
		tenant, acct, err := tenantContext(ctx)
		if err != nil {
			return nil, err
		}

		out := &CurrentTenantOutput{}
		out.Body.Tenant = tenant
		out.Body.Account = acct
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenant-users",
		Method:      http.MethodGet,
		Path:        "/tenant/users",
		Summary:     "List users replicated into this tenant",
		Tags:        []string{"Tenant"},
	}, func(ctx context.Context, input *ListTenantUsersInput) (*ListTenantUsersOutput, error) {
		if _, _, err := tenantContext(ctx); err != nil {
			return nil, err
		}

		scope := tenancy.ScopeFromContext(ctx)
		users, err := scope.Store().Users.List(ctx, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list users", err)
		}
		if users == nil {
			users = []*domain.TenantUser{}
		}
		return &ListTenantUsersOutput{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-invitation",
		Method:        http.MethodPost,
		Path:          "/tenant/invitations",
		Summary:       "Invite someone to this tenant's account",
		Tags:          []string{"Tenant"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateInvitationInput) (*CreateInvitationOutput, error) {
		_, acct, err := tenantContext(ctx)
		if err != nil {
			return nil, err
		}
		userID, _ := middleware.UserIDFromContext(ctx)

		inv, err := invitations.Invite(ctx, acct, userID, input.Body.Email, input.Body.Role)
		switch {
		case errors.Is(err, invitation.ErrNotOwner):
			return nil, huma.Error403Forbidden("only the account owner can invite")
		case errors.Is(err, invitation.ErrInvalidEmail):
			return nil, huma.Error422UnprocessableEntity("invalid email address")
		case err != nil:
			return nil, huma.Error500InternalServerError("failed to create invitation", err)
		}

		out := &CreateInvitationOutput{}
		out.Body.Invitation = inv
		out.Body.Token = inv.Token
		return out, nil
	})
}

// tenantContext returns what the tenant middleware chain stored. A request
// that reached a handler without an active scope or an authorized account is
// a wiring bug and answered with 500.
func tenantContext(ctx context.Context) (*domain.Tenant, *domain.AccountRef, error) {
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok || !tenancy.ScopeFromContext(ctx).Active() {
		return nil, nil, huma.Error500InternalServerError("no active tenant scope")
	}
	acct, ok := access.AccountFromContext(ctx)
	if !ok || acct.TenantID != tenant.ID {
		return nil, nil, huma.Error500InternalServerError("request not authorized for tenant")
	}
	return tenant, acct, nil
}
