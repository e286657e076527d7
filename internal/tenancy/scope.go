package tenancy

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
)

// State is the lifecycle position of a Scope.
type State int32

const (
	StateInactive State = iota
	StateInitializing
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Scope binds one leased connection to one tenant schema for a unit of work.
// Scopes are single use: once ended they never become active again. A Scope
// satisfies postgres.Querier; every call fails with ErrScopeInactive unless
// the scope is active.
type Scope struct {
	mu      sync.Mutex
	state   State
	tenant  *domain.Tenant
	schema  string
	neutral string
	lease   Lease
	store   domain.TenantStore
	metrics *metrics.Metrics
}

// Tenant returns the tenant this scope was opened for.
func (s *Scope) Tenant() *domain.Tenant { return s.tenant }

// Schema returns the bound schema name.
func (s *Scope) Schema() string { return s.schema }

// Store returns the tenant repositories bound to this scope.
func (s *Scope) Store() domain.TenantStore { return s.store }

func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether scoped queries may run.
func (s *Scope) Active() bool {
	return s != nil && s.State() == StateActive
}

// activate pins the lease to the tenant schema and verifies the pin. On any
// failure the connection is destroyed and the scope returns to Inactive.
func (s *Scope) activate(ctx context.Context, pool ConnPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInactive || s.lease != nil {
		return fmt.Errorf("%w: scope already used", ErrScopeActivation)
	}
	s.state = StateInitializing

	lease, err := pool.Acquire(ctx)
	if err != nil {
		s.state = StateInactive
		return fmt.Errorf("%w: acquire: %w", ErrScopeActivation, err)
	}

	if err := pinSearchPath(ctx, lease, s.schema); err != nil {
		lease.Destroy()
		s.metrics.ConnectionDestroyed()
		s.state = StateInactive
		return fmt.Errorf("%w: %w", ErrScopeActivation, err)
	}

	s.lease = lease
	s.state = StateActive
	s.metrics.ScopeOpened()
	return nil
}

// End resets the connection to the neutral search_path and returns it to the
// pool. If the reset cannot be verified the connection is destroyed instead.
// End is safe to call more than once and on a scope that never activated.
func (s *Scope) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnding
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()

	// The request context may already be canceled; the reset must still run.
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()

	err := resetSearchPath(resetCtx, lease, s.neutral)
	if err != nil {
		lease.Destroy()
		s.metrics.ScopeFailed("reset")
		s.metrics.ConnectionDestroyed()
		log.Error().Err(err).
			Str("tenant_id", s.tenant.ID).
			Str("schema", s.schema).
			Msg("tenant connection reset failed, connection destroyed")
		err = fmt.Errorf("%w: %w", ErrScopeReset, err)
	} else {
		lease.Release()
	}

	s.mu.Lock()
	s.state = StateInactive
	s.mu.Unlock()
	s.metrics.ScopeClosed()

	return err
}

func (s *Scope) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return pgconn.CommandTag{}, ErrScopeInactive
	}
	return s.lease.Exec(ctx, sql, args...)
}

func (s *Scope) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrScopeInactive
	}
	return s.lease.Query(ctx, sql, args...)
}

func (s *Scope) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return errRow{err: ErrScopeInactive}
	}
	return s.lease.QueryRow(ctx, sql, args...)
}

func (s *Scope) Begin(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrScopeInactive
	}
	return s.lease.Begin(ctx)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }

func pinSearchPath(ctx context.Context, q Lease, schema string) error {
	if _, err := q.Exec(ctx, setSearchPathSQL, searchPathValue(schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	var current *string
	if err := q.QueryRow(ctx, currentSchemaSQL).Scan(&current); err != nil {
		return fmt.Errorf("verify search_path: %w", err)
	}
	if current == nil || *current != schema {
		return fmt.Errorf("verify search_path: current schema is %s, want %s", describeSchema(current), schema)
	}
	return nil
}

// resetSearchPath moves the connection back to the neutral search_path. The
// neutral schema may not exist, in which case no schema is current.
func resetSearchPath(ctx context.Context, q Lease, neutral string) error {
	if _, err := q.Exec(ctx, setSearchPathSQL, searchPathValue(neutral)); err != nil {
		return fmt.Errorf("reset search_path: %w", err)
	}

	var current *string
	if err := q.QueryRow(ctx, currentSchemaSQL).Scan(&current); err != nil {
		return fmt.Errorf("verify reset: %w", err)
	}
	if current != nil && *current != neutral {
		return fmt.Errorf("verify reset: current schema is %s, want %s", describeSchema(current), describeSchema(&neutral))
	}
	return nil
}

func describeSchema(s *string) string {
	if s == nil || *s == "" {
		return "<none>"
	}
	return *s
}
