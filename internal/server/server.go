package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/tenantry/internal/api/v1"
	"github.com/gosuda/tenantry/internal/api/ws"
	"github.com/gosuda/tenantry/internal/config"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/server/middleware"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Scopes  middleware.Scopes
	Guard   middleware.Authorizer
	Metrics *metrics.Metrics
	// Hub streams lifecycle events; nil when Redis is not configured.
	Hub *ws.Hub
	API v1.Deps
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. ctx bounds the background
// sweeps of the rate limiters.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(deps.Metrics.Instrument)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Mount API routes on /api/v1 with three sub-groups:
	// 1. Unauthenticated central routes (signup, login, refresh).
	// 2. Authenticated central routes addressing tenants by ID.
	// 3. Tenant routes, tenant resolved from the request host.
	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(ctx, cfg.Tenancy.RateLimitRPS, cfg.Tenancy.RateLimitBurst))
			api := humachi.New(r, apiConfig("Tenantry API", true))
			registerAuthRoutes(api, deps.API)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT.Secret))
			api := humachi.New(r, apiConfig("Tenantry Tenants API", false))
			registerCentralRoutes(api, deps.API)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Tenancy(deps.Scopes))
			r.Use(middleware.Auth(cfg.JWT.Secret))
			r.Use(middleware.Guard(deps.Guard))
			r.Use(middleware.RateLimit(ctx, cfg.Tenancy.RateLimitRPS, cfg.Tenancy.RateLimitBurst))
			api := humachi.New(r, apiConfig("Tenantry Tenant API", false))
			registerTenantRoutes(api, deps.API)
		})
	})

	// WebSocket routes.
	if deps.Hub != nil {
		router.Route("/ws", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT.Secret))
			registerWSRoutes(r, deps.Hub)
		})
	}

	// Health check and metrics (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	return s
}

// apiConfig builds a huma config for one route group. Only one group serves
// the OpenAPI document and docs so the groups do not register the same paths.
func apiConfig(title string, docs bool) huma.Config {
	c := huma.DefaultConfig(title, "1.0.0")
	c.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	if !docs {
		c.OpenAPIPath = ""
		c.DocsPath = ""
		c.SchemasPath = ""
	}
	return c
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
