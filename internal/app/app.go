// Package app wires the tenantry services from configuration. Both the HTTP
// server and the tenantctl operator tool start from here.
package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/access"
	v1 "github.com/gosuda/tenantry/internal/api/v1"
	"github.com/gosuda/tenantry/internal/api/ws"
	"github.com/gosuda/tenantry/internal/auth"
	"github.com/gosuda/tenantry/internal/config"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/invitation"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/migrate"
	"github.com/gosuda/tenantry/internal/notify"
	"github.com/gosuda/tenantry/internal/replication"
	"github.com/gosuda/tenantry/internal/server"
	"github.com/gosuda/tenantry/internal/store/postgres"
	redisstore "github.com/gosuda/tenantry/internal/store/redis"
	"github.com/gosuda/tenantry/internal/tenancy"
)

// ConfigureLogging sets the global zerolog logger from TENANTRY_LOG_LEVEL and
// TENANTRY_LOG_FORMAT ("text" selects the console writer).
func ConfigureLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("TENANTRY_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(os.Getenv("TENANTRY_LOG_FORMAT"), "text") {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// App holds the wired services.
type App struct {
	Config *config.Config
	Store  *postgres.Store
	// PubSub is nil when Redis is not configured.
	PubSub      *redisstore.PubSub
	Metrics     *metrics.Metrics
	Alerter     notify.Alerter
	Registry    *tenancy.Registry
	Manager     *tenancy.Manager
	Pipeline    *tenancy.Pipeline
	Bus         *events.Bus
	Auth        *auth.Service
	Guard       *access.Guard
	Replicator  *replication.Replicator
	Invitations *invitation.Service

	central *migrate.Runner
	closers []func()
}

// New connects the central and tenant pools, optionally Redis, and builds
// every service. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	centralConns, err := poolSize("TENANTRY_DB_MAX_CONNS", cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	tenantConns, err := poolSize("TENANTRY_TENANT_MAX_CONNS", cfg.Tenancy.TenantMaxConns)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	central, err := migrate.Central()
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	tenantMigrations, err := migrate.Tenant()
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	a := &App{Config: cfg, central: central}

	a.Store, err = postgres.New(ctx, cfg.Database.DSN(), centralConns)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	tenantPool, err := tenancy.OpenPool(ctx, cfg.Database.DSN(), tenantConns, cfg.Tenancy.NeutralSearchPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.closers = append(a.closers, tenantPool.Close)

	locker := tenancy.Locker(tenancy.NewKeyedMutex())
	var publisher events.Publisher
	if cfg.Redis.Enabled() {
		a.PubSub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.PubSub.Close() })
		locker = tenancy.Chain(locker, redisstore.NewLock(a.PubSub.Client(), cfg.Tenancy.LockTTL))
		publisher = a.PubSub
	} else {
		log.Warn().Msg("TENANTRY_REDIS_ADDR is empty; tenant locks and lifecycle events stay in-process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(reg)

	sinks := notify.NewRegistry(notify.LogSink{})
	if cfg.Slack.Enabled() {
		sinks.Register(notify.NewSlackSink(notify.NewSlackClient(cfg.Slack.BotToken), cfg.Slack.AlertChannel))
	}
	a.Alerter = notify.New(sinks)

	a.Registry = tenancy.NewRegistry(a.Store.Tenants(), a.Store.Domains())
	a.Manager = tenancy.NewManager(tenancy.NewConnPool(tenantPool), a.Registry, postgres.NewTenantStore,
		tenancy.WithSchemaPrefix(cfg.Tenancy.SchemaPrefix),
		tenancy.WithNeutralSearchPath(cfg.Tenancy.NeutralSearchPath),
		tenancy.WithMetrics(a.Metrics),
	)
	a.Replicator = replication.New(a.Manager,
		replication.WithAlerter(a.Alerter),
		replication.WithMetrics(a.Metrics),
	)
	a.Pipeline = tenancy.NewPipeline(
		a.Registry,
		tenancy.NewProvisioner(a.Store.Catalog(), cfg.Tenancy.SchemaPrefix),
		a.Manager,
		tenantMigrations,
		tenancy.NewSeeder(),
		tenancy.PipelineConfig{
			Timeout: cfg.Tenancy.ProvisionTimeout,
			Locker:  locker,
			Alerter: a.Alerter,
			Metrics: a.Metrics,
			Audit:   a.Store.Audit(),
			OnReady: []tenancy.ReadyHook{a.Replicator.MirrorOwner(a.Store.Accounts(), a.Store.Users())},
		},
	)

	a.Bus = events.New(publisher)
	events.Bind(a.Bus, a.Pipeline)

	a.Auth = auth.NewService(a.Store.Users(), cfg.JWT.Secret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	a.Guard = access.NewGuard(a.Store.Accounts())
	a.Invitations = invitation.NewService(a.Store.Invitations(), a.Store.Accounts(), a.Replicator,
		invitation.WithAlerter(a.Alerter),
		invitation.WithAudit(a.Store.Audit()),
		invitation.WithMetrics(a.Metrics),
	)

	return a, nil
}

// MigrateCentral applies pending central schema migrations.
func (a *App) MigrateCentral(ctx context.Context) error {
	if err := a.central.Run(ctx, a.Store.Ledger()); err != nil {
		return fmt.Errorf("app.MigrateCentral: %w", err)
	}
	return nil
}

// PendingCentral lists central migrations not applied yet.
func (a *App) PendingCentral(ctx context.Context) ([]string, error) {
	return a.central.Pending(ctx, a.Store.Ledger())
}

// ServerDeps assembles what the HTTP server needs.
func (a *App) ServerDeps() server.Deps {
	deps := server.Deps{
		Scopes:  a.Manager,
		Guard:   a.Guard,
		Metrics: a.Metrics,
		API: v1.Deps{
			Auth:        a.Auth,
			Registry:    a.Registry,
			Accounts:    a.Store.Accounts(),
			Lifecycle:   a.Bus,
			Provisioner: a.Pipeline,
			Invitations: a.Invitations,
			Audit:       a.Store.Audit(),
		},
	}
	if a.PubSub != nil {
		deps.Hub = ws.NewHub(a.PubSub, a.Store.Accounts())
	}
	return deps
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func poolSize(name string, n int) (int32, error) {
	if n < 1 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%s %d out of int32 range", name, n)
	}
	return int32(n), nil //nolint:gosec // bounds checked above
}

// Reconciler retries unfinished provisioning. *tenancy.Pipeline satisfies
// this interface.
type Reconciler interface {
	Reconcile(ctx context.Context) (*tenancy.ReconcileReport, error)
}

// Sweep runs r every interval until ctx ends. A non-positive interval returns
// immediately.
func Sweep(ctx context.Context, r Reconciler, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("tenant reconciliation sweep failed")
				continue
			}
			if report != nil {
				for id, reason := range report.Failed {
					log.Warn().Str("tenant_id", id).Str("error", reason).Msg("tenant still unprovisioned")
				}
			}
		}
	}
}
