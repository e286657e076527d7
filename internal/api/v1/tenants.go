package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/invitation"
	"github.com/gosuda/tenantry/internal/server/middleware"
	"github.com/gosuda/tenantry/internal/tenancy"
)

type TenantIDInput struct {
	TenantID string `path:"tenantID" minLength:"1" maxLength:"48" doc:"Tenant ID"`
}

type TenantStatusOutput struct {
	Body struct {
		Tenant  *domain.Tenant `json:"tenant"`
		Domains []string       `json:"domains"`
	}
}

type AuditInput struct {
	TenantID string `path:"tenantID" minLength:"1" maxLength:"48" doc:"Tenant ID"`
	Limit    int    `query:"limit" minimum:"0" maximum:"200" default:"50" doc:"Entries per page"`
	Offset   int    `query:"offset" minimum:"0" default:"0" doc:"Entries to skip"`
}

type AuditEntryView struct {
	ID        string         `json:"id"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

type AuditOutput struct {
	Body struct {
		Entries []AuditEntryView `json:"entries"`
	}
}

type AcceptInvitationInput struct {
	Token string `path:"token" minLength:"1" maxLength:"128" doc:"Invitation token"`
}

type AcceptInvitationOutput struct {
	Body struct {
		Account  *domain.AccountRef       `json:"account"`
		TenantID string                   `json:"tenant_id"`
		Role     string                   `json:"role"`
		Degraded []invitation.StepFailure `json:"degraded"`
	}
}

// RegisterCentralRoutes mounts the authenticated routes that act on tenants
// by ID rather than by request host.
func RegisterCentralRoutes(api huma.API, deps Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenantID}",
		Summary:     "Show provisioning status of an owned tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *TenantIDInput) (*TenantStatusOutput, error) {
		if err := requireTenantOwner(ctx, deps, input.TenantID); err != nil {
			return nil, err
		}
		return tenantStatus(ctx, deps, input.TenantID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "provision-tenant",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenantID}/provision",
		Summary:     "Retry provisioning of an owned tenant",
		Description: "Provisioning is idempotent. The response carries the resulting status; a failed attempt reports its stage in last_error.",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *TenantIDInput) (*TenantStatusOutput, error) {
		if err := requireTenantOwner(ctx, deps, input.TenantID); err != nil {
			return nil, err
		}

		if err := deps.Provisioner.Provision(ctx, input.TenantID); err != nil {
			if errors.Is(err, tenancy.ErrTenantNotFound) {
				return nil, huma.Error404NotFound("tenant not found")
			}
			log.Warn().Err(err).Str("tenant_id", input.TenantID).Msg("owner-triggered provisioning failed")
		}
		return tenantStatus(ctx, deps, input.TenantID)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-tenant",
		Method:        http.MethodDelete,
		Path:          "/tenants/{tenantID}",
		Summary:       "Delete an owned tenant and drop its schema",
		Tags:          []string{"Tenants"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *TenantIDInput) (*struct{}, error) {
		if err := requireTenantOwner(ctx, deps, input.TenantID); err != nil {
			return nil, err
		}

		if err := deps.Registry.Remove(ctx, input.TenantID); err != nil {
			if errors.Is(err, tenancy.ErrTenantNotFound) {
				return nil, huma.Error404NotFound("tenant not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete tenant", err)
		}

		// The record is gone; a failed teardown leaves an orphan schema that
		// the pipeline has already alerted on.
		if err := deps.Lifecycle.Dispatch(ctx, events.Event{Kind: events.TenantDeleted, TenantID: input.TenantID}); err != nil {
			log.Warn().Err(err).Str("tenant_id", input.TenantID).Msg("tenant teardown failed")
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenant-audit",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenantID}/audit",
		Summary:     "List lifecycle and membership audit entries of an owned tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *AuditInput) (*AuditOutput, error) {
		if err := requireTenantOwner(ctx, deps, input.TenantID); err != nil {
			return nil, err
		}

		entries, err := deps.Audit.ListByTenant(ctx, input.TenantID, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load audit log", err)
		}

		out := &AuditOutput{}
		out.Body.Entries = make([]AuditEntryView, 0, len(entries))
		for _, e := range entries {
			out.Body.Entries = append(out.Body.Entries, AuditEntryView{
				ID:        e.ID.String(),
				ActorType: e.ActorType,
				ActorID:   e.ActorID,
				Action:    e.Action,
				Details:   e.Details,
				CreatedAt: e.CreatedAt,
			})
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{token}/accept",
		Summary:     "Accept an invitation as the authenticated user",
		Tags:        []string{"Invitations"},
	}, func(ctx context.Context, input *AcceptInvitationInput) (*AcceptInvitationOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		user, err := deps.Auth.GetUser(ctx, userID)
		if err != nil {
			return nil, huma.Error401Unauthorized("user no longer exists")
		}

		res, err := deps.Invitations.Accept(ctx, input.Token, user)
		switch {
		case errors.Is(err, invitation.ErrNotFound):
			return nil, huma.Error404NotFound("invitation not found")
		case errors.Is(err, invitation.ErrAlreadyAccepted):
			return nil, huma.Error409Conflict("invitation already accepted")
		case err != nil:
			return nil, huma.Error500InternalServerError("failed to accept invitation", err)
		}

		out := &AcceptInvitationOutput{}
		out.Body.Account = res.Account
		out.Body.TenantID = res.Account.TenantID
		out.Body.Role = res.Invitation.Role
		out.Body.Degraded = res.Degraded
		if out.Body.Degraded == nil {
			out.Body.Degraded = []invitation.StepFailure{}
		}
		return out, nil
	})
}

// requireTenantOwner admits only the owner of the account bound to tenantID.
func requireTenantOwner(ctx context.Context, deps Deps, tenantID string) error {
	userID, ok := middleware.UserIDFromContext(ctx)
	if !ok {
		return huma.Error401Unauthorized("authentication required")
	}

	acct, err := deps.Accounts.GetByTenantID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return huma.Error404NotFound("tenant not found")
		}
		return huma.Error500InternalServerError("failed to look up account", err)
	}
	if acct.OwnerID != userID {
		return huma.Error403Forbidden("access denied")
	}
	return nil
}

func tenantStatus(ctx context.Context, deps Deps, tenantID string) (*TenantStatusOutput, error) {
	t, err := deps.Registry.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenantNotFound) || errors.Is(err, tenancy.ErrInvalidTenantID) {
			return nil, huma.Error404NotFound("tenant not found")
		}
		return nil, huma.Error500InternalServerError("failed to load tenant", err)
	}

	hosts, err := deps.Registry.Hosts(ctx, tenantID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load domains", err)
	}

	out := &TenantStatusOutput{}
	out.Body.Tenant = t
	out.Body.Domains = hosts
	if out.Body.Domains == nil {
		out.Body.Domains = []string{}
	}
	return out, nil
}
