// Package replication copies a central user into a tenant schema when the
// user joins that tenant.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/notify"
	"github.com/gosuda/tenantry/internal/tenancy"
)

var (
	ErrTenantNotReady = errors.New("replication: tenant not ready")
	ErrInsertFailed   = errors.New("replication: insert failed")
)

// Outcome of a successful replication.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeAlreadyPresent Outcome = "already_present"
)

// Stages at which replication can fail.
const (
	StageResolve    = "resolve"
	StageActivate   = "activate"
	StageLookup     = "lookup"
	StageRole       = "role"
	StageInsert     = "insert"
	StageDeactivate = "deactivate"
)

// ReplicationError reports where replication of one user into one tenant
// stopped.
type ReplicationError struct {
	Stage    string
	TenantID string
	UserID   string
	Err      error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replicate user %s into %s: %s: %v", e.UserID, e.TenantID, e.Stage, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }

var roleLabels = map[string]string{
	"admin":   domain.RoleAdmin,
	"owner":   domain.RoleAdmin,
	"manager": domain.RoleManager,
	"member":  domain.RoleUser,
	"user":    domain.RoleUser,
	"viewer":  domain.RoleGuest,
	"guest":   domain.RoleGuest,
}

// RoleFor maps an invitation role label onto a seeded tenant role name.
// Unknown labels map to the plain user role.
func RoleFor(label string) string {
	if role, ok := roleLabels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return role
	}
	return domain.RoleUser
}

// Replicator writes tenant user rows through an isolated scope, so it never
// disturbs a scope the caller may already hold for another tenant.
type Replicator struct {
	manager *tenancy.Manager
	alerter notify.Alerter
	metrics *metrics.Metrics
}

// Option configures a Replicator.
type Option func(*Replicator)

func WithAlerter(a notify.Alerter) Option {
	return func(r *Replicator) { r.alerter = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replicator) { r.metrics = m }
}

func New(manager *tenancy.Manager, opts ...Option) *Replicator {
	r := &Replicator{manager: manager, alerter: notify.Nop{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replicate copies user into tenantID's schema with the role mapped from
// roleLabel. A user already present, by email, is a successful no-op.
func (r *Replicator) Replicate(ctx context.Context, user *domain.User, tenantID, roleLabel string) (Outcome, error) {
	outcome, err := r.replicate(ctx, user, tenantID, roleLabel)
	if err != nil {
		r.metrics.Replicated("failed")
		r.report(ctx, err)
		return "", err
	}
	r.metrics.Replicated(string(outcome))
	log.Info().
		Str("tenant_id", tenantID).
		Str("user_id", user.ID.String()).
		Str("outcome", string(outcome)).
		Msg("user replicated")
	return outcome, nil
}

func (r *Replicator) replicate(ctx context.Context, user *domain.User, tenantID, roleLabel string) (Outcome, error) {
	fail := func(stage string, err error) *ReplicationError {
		return &ReplicationError{Stage: stage, TenantID: tenantID, UserID: user.ID.String(), Err: err}
	}

	tenant, err := r.target(ctx, tenantID)
	if err != nil {
		return "", fail(StageResolve, err)
	}

	var outcome Outcome
	stage := StageActivate
	err = r.manager.Isolated(ctx, tenant, func(ctx context.Context, s *tenancy.Scope) error {
		store := s.Store()

		stage = StageLookup
		_, err := store.Users.GetByEmail(ctx, user.Email)
		if err == nil {
			outcome = OutcomeAlreadyPresent
			stage = StageDeactivate
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		stage = StageRole
		role, err := store.Roles.GetByName(ctx, RoleFor(roleLabel))
		if err != nil {
			return err
		}

		stage = StageInsert
		err = store.Users.Create(ctx, &domain.TenantUser{
			Name:      user.DisplayName(),
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Email:     user.Email,
			RoleID:    role.ID,
		})
		switch {
		case errors.Is(err, domain.ErrConflict):
			// Lost a race with a concurrent replication of the same email.
			outcome = OutcomeAlreadyPresent
		case err != nil:
			return fmt.Errorf("%w: %w", ErrInsertFailed, err)
		default:
			outcome = OutcomeCreated
		}
		stage = StageDeactivate
		return nil
	})
	if err != nil {
		return "", fail(stage, err)
	}

	return outcome, nil
}

// target loads the tenant and requires it to be ready with a bound host.
func (r *Replicator) target(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	reg := r.manager.Registry()

	tenant, err := reg.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTenantNotReady, err)
	}
	if !tenant.Ready() {
		return nil, fmt.Errorf("%w: status %s", ErrTenantNotReady, tenant.Status)
	}
	hosts, err := reg.Hosts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no bound hostname", ErrTenantNotReady)
	}
	return tenant, nil
}

func (r *Replicator) report(ctx context.Context, err error) {
	var rerr *ReplicationError
	if !errors.As(err, &rerr) {
		log.Error().Err(err).Msg("replication failed")
		return
	}

	log.Error().Err(rerr.Err).
		Str("tenant_id", rerr.TenantID).
		Str("user_id", rerr.UserID).
		Str("stage", rerr.Stage).
		Msg("replication failed")

	alertErr := r.alerter.Alert(context.WithoutCancel(ctx), notify.Alert{
		Title:    "tenant user replication failed",
		Severity: notify.SeverityWarning,
		TenantID: rerr.TenantID,
		UserID:   rerr.UserID,
		Stage:    rerr.Stage,
		Err:      rerr.Err,
	})
	if alertErr != nil && !errors.Is(alertErr, notify.ErrNoSinks) {
		log.Warn().Err(alertErr).Str("tenant_id", rerr.TenantID).Msg("operator alert not delivered")
	}
}
