package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/tenantry/internal/api/v1"
	"github.com/gosuda/tenantry/internal/api/ws"
)

func registerAuthRoutes(api huma.API, deps v1.Deps) {
	v1.RegisterAuthRoutes(api, deps)
}

func registerCentralRoutes(api huma.API, deps v1.Deps) {
	v1.RegisterCentralRoutes(api, deps)
}

func registerTenantRoutes(api huma.API, deps v1.Deps) {
	v1.RegisterTenantRoutes(api, deps.Invitations)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/tenants/{tenantID}/events", hub.ServeTenantEvents)
}
