package tenancy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/store/postgres"
)

// DefaultSchemaPrefix is prepended to tenant IDs to form schema names.
const DefaultSchemaPrefix = "tenant_"

// StoreFactory builds the tenant repositories over a tenant-bound querier.
// It is chosen once at startup.
type StoreFactory func(postgres.Querier) domain.TenantStore

// Manager opens tenant scopes. It is the only component that changes which
// schema a tenant connection targets.
type Manager struct {
	pool     ConnPool
	registry *Registry
	factory  StoreFactory
	prefix   string
	neutral  string
	metrics  *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithSchemaPrefix overrides DefaultSchemaPrefix.
func WithSchemaPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithNeutralSearchPath sets the schema a connection returns to when a scope
// ends. Empty, the default, leaves no schema current.
func WithNeutralSearchPath(schema string) Option {
	return func(m *Manager) { m.neutral = schema }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(pool ConnPool, registry *Registry, factory StoreFactory, opts ...Option) *Manager {
	m := &Manager{
		pool:     pool,
		registry: registry,
		factory:  factory,
		prefix:   DefaultSchemaPrefix,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginOption adjusts a single Begin call.
type BeginOption func(*beginOptions)

type beginOptions struct {
	allowProvisioning bool
}

// AllowProvisioning lets the provisioning pipeline open a scope for a tenant
// that is not ready yet.
func AllowProvisioning() BeginOption {
	return func(o *beginOptions) { o.allowProvisioning = true }
}

// SchemaName returns the schema for tenantID under the configured prefix.
func (m *Manager) SchemaName(tenantID string) string {
	return SchemaName(m.prefix, tenantID)
}

func (m *Manager) Registry() *Registry { return m.registry }

// Resolve maps a request hostname to a tenant, failing closed with
// ErrTenantNotFound.
func (m *Manager) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	return m.registry.Resolve(ctx, host)
}

// Begin opens a scope bound to tenant. It fails with ErrScopeNested if ctx
// already carries an active scope and with ErrTenantNotReady for a tenant that
// has not finished provisioning. The caller must End the returned scope.
func (m *Manager) Begin(ctx context.Context, tenant *domain.Tenant, opts ...BeginOption) (*Scope, error) {
	if ScopeFromContext(ctx).Active() {
		return nil, fmt.Errorf("tenancy.Manager.Begin: %w", ErrScopeNested)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenancy.Manager.Begin: %w", ErrTenantNotFound)
	}
	if err := ValidateID(tenant.ID); err != nil {
		return nil, fmt.Errorf("tenancy.Manager.Begin: %w", err)
	}

	var o beginOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !tenant.Ready() && !o.allowProvisioning {
		return nil, fmt.Errorf("tenancy.Manager.Begin: %s: %w", tenant.ID, ErrTenantNotReady)
	}

	s := &Scope{
		tenant:  tenant,
		schema:  m.SchemaName(tenant.ID),
		neutral: m.neutral,
		metrics: m.metrics,
	}
	if err := s.activate(ctx, m.pool); err != nil {
		m.metrics.ScopeFailed("activate")
		log.Error().Err(err).
			Str("tenant_id", tenant.ID).
			Str("schema", s.schema).
			Msg("tenant scope activation failed")
		return nil, fmt.Errorf("tenancy.Manager.Begin: %w", err)
	}
	s.store = m.factory(s)

	return s, nil
}

// Run opens a scope for tenant, calls fn with a context carrying it and ends
// the scope on every exit path, including panics.
func (m *Manager) Run(ctx context.Context, tenant *domain.Tenant, fn func(context.Context, *Scope) error, opts ...BeginOption) (err error) {
	s, err := m.Begin(ctx, tenant, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := s.End(ctx); endErr != nil && err == nil {
			err = fmt.Errorf("tenancy.Manager.Run: %w", endErr)
		}
	}()

	return fn(WithScope(ctx, s), s)
}

// Isolated is Run detached from any scope already active in ctx. The ambient
// scope is untouched and is what ctx still carries once Isolated returns.
func (m *Manager) Isolated(ctx context.Context, tenant *domain.Tenant, fn func(context.Context, *Scope) error, opts ...BeginOption) error {
	return m.Run(Detach(ctx), tenant, fn, opts...)
}
