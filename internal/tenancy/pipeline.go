package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/migrate"
	"github.com/gosuda/tenantry/internal/notify"
)

// Pipeline stages, as recorded in Tenant.LastError and alert payloads.
const (
	StageLock       = "lock"
	StageLoad       = "load"
	StageCreate     = "create_schema"
	StageActivate   = "activate"
	StageMigrate    = "migrate"
	StageSeed       = "seed"
	StageDeactivate = "deactivate"
	StageFinalize   = "finalize"
	StageDrop       = "drop_schema"
)

// DefaultProvisionTimeout bounds one provisioning attempt.
const DefaultProvisionTimeout = 60 * time.Second

// ReadyHook runs after every successful provisioning, first attempt or retry.
// Its failure is logged and does not undo the ready status.
type ReadyHook func(ctx context.Context, t *domain.Tenant) error

// PipelineConfig carries the optional collaborators of a Pipeline.
type PipelineConfig struct {
	Timeout time.Duration
	Locker  Locker
	Alerter notify.Alerter
	Metrics *metrics.Metrics
	Audit   domain.AuditRepository
	OnReady []ReadyHook
}

// Pipeline provisions and tears down tenant schemas. Stages run strictly in
// order and stop at the first failure. Provisioning and teardown for the same
// tenant never overlap.
type Pipeline struct {
	registry    *Registry
	provisioner *Provisioner
	manager     *Manager
	migrations  *migrate.Runner
	seeder      *Seeder
	locker      Locker
	timeout     time.Duration
	alerter     notify.Alerter
	metrics     *metrics.Metrics
	audit       domain.AuditRepository
	onReady     []ReadyHook
	flight      singleflight.Group
}

func NewPipeline(registry *Registry, provisioner *Provisioner, manager *Manager, migrations *migrate.Runner, seeder *Seeder, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		registry:    registry,
		provisioner: provisioner,
		manager:     manager,
		migrations:  migrations,
		seeder:      seeder,
		locker:      cfg.Locker,
		timeout:     cfg.Timeout,
		alerter:     cfg.Alerter,
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
		onReady:     cfg.OnReady,
	}
	if p.locker == nil {
		p.locker = NewKeyedMutex()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultProvisionTimeout
	}
	if p.alerter == nil {
		p.alerter = notify.Nop{}
	}
	return p
}

func lockKey(tenantID string) string {
	return "tenant-lifecycle:" + tenantID
}

// Provision runs create schema, activate, migrate and seed for tenantID, then
// marks the tenant ready. On failure the tenant is marked failed with the
// stage in LastError; a partially created schema is left in place and a
// retry resumes it. Concurrent calls for the same tenant share one run.
//
// The run is bounded by the pipeline timeout only. A caller whose ctx ends
// stops waiting and gets ctx's error; the run carries on for the others.
func (p *Pipeline) Provision(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return fmt.Errorf("tenancy.Pipeline.Provision: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(tenantID, func() (any, error) {
		return nil, p.provision(runCtx, tenantID)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("tenancy.Pipeline.Provision: %w", ctx.Err())
	}
}

func (p *Pipeline) provision(ctx context.Context, tenantID string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	unlock, err := p.locker.Lock(ctx, lockKey(tenantID))
	if err != nil {
		return fmt.Errorf("tenancy.Pipeline.Provision: %w", &StageError{Stage: StageLock, Err: err})
	}
	defer unlock()

	t, err := p.registry.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenancy.Pipeline.Provision: %w", &StageError{Stage: StageLoad, Err: err})
	}
	if t.Status == domain.TenantStatusFailed {
		if err := p.registry.MarkProvisioning(ctx, t.ID); err != nil {
			return fmt.Errorf("tenancy.Pipeline.Provision: %w", &StageError{Stage: StageLoad, Err: err})
		}
		t.Status = domain.TenantStatusProvisioning
		t.LastError = ""
	}

	stage, err := p.runStages(ctx, t)
	if err == nil {
		stage = StageFinalize
		err = p.registry.MarkReady(ctx, t.ID)
	}
	p.metrics.ProvisionFinished(stage, time.Since(start), err)

	if err != nil {
		serr := &StageError{Stage: stage, Err: err}
		p.fail(ctx, t.ID, "tenant provisioning failed", serr)
		return fmt.Errorf("tenancy.Pipeline.Provision: %w", serr)
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("schema", p.manager.SchemaName(t.ID)).
		Dur("elapsed", time.Since(start)).
		Msg("tenant provisioned")
	p.record(ctx, t.ID, "tenant.provisioned", nil)

	t.Status = domain.TenantStatusReady
	for _, hook := range p.onReady {
		if err := hook(ctx, t); err != nil {
			log.Warn().Err(err).Str("tenant_id", t.ID).Msg("post-provisioning step failed")
		}
	}

	return nil
}

func (p *Pipeline) runStages(ctx context.Context, t *domain.Tenant) (string, error) {
	if err := p.provisioner.Provision(ctx, t.ID); err != nil {
		return StageCreate, err
	}

	stage := StageActivate
	err := p.manager.Isolated(ctx, t, func(ctx context.Context, s *Scope) error {
		stage = StageMigrate
		if err := p.migrations.Run(ctx, s.Store().Migrations); err != nil {
			return err
		}
		stage = StageSeed
		if err := p.seeder.Seed(ctx, s); err != nil {
			return err
		}
		stage = StageDeactivate
		return nil
	}, AllowProvisioning())
	if err != nil {
		return stage, err
	}

	return "", nil
}

// Teardown drops the tenant schema. The tenant record is expected to be
// deleted already; teardown is destructive and cannot be undone.
func (p *Pipeline) Teardown(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return fmt.Errorf("tenancy.Pipeline.Teardown: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	unlock, err := p.locker.Lock(ctx, lockKey(tenantID))
	if err != nil {
		return fmt.Errorf("tenancy.Pipeline.Teardown: %w", &StageError{Stage: StageLock, Err: err})
	}
	defer unlock()

	err = p.provisioner.Drop(ctx, tenantID)
	p.metrics.TeardownFinished(err)
	if err != nil {
		serr := &StageError{Stage: StageDrop, Err: err}
		p.alert(ctx, tenantID, "tenant teardown failed", serr)
		return fmt.Errorf("tenancy.Pipeline.Teardown: %w", serr)
	}

	p.record(ctx, tenantID, "tenant.torn_down", nil)
	return nil
}

// ReconcileReport summarises one reconciliation sweep.
type ReconcileReport struct {
	Attempted int
	Succeeded []string
	Failed    map[string]string
}

// Reconcile retries provisioning for every tenant left provisioning or failed.
// One tenant failing does not stop the sweep.
func (p *Pipeline) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	tenants, err := p.registry.Unready(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Pipeline.Reconcile: %w", err)
	}

	report := &ReconcileReport{Failed: make(map[string]string)}
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		if err := p.Provision(ctx, t.ID); err != nil {
			report.Failed[t.ID] = err.Error()
			continue
		}
		report.Succeeded = append(report.Succeeded, t.ID)
	}

	log.Info().
		Int("attempted", report.Attempted).
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Msg("tenant reconciliation finished")

	return report, ctx.Err()
}

// Inspection is the operator view of one tenant.
type Inspection struct {
	Tenant       *domain.Tenant
	Schema       string
	Hosts        []string
	SchemaExists bool
	Pending      []string
}

// Inspect reports a tenant's status, bindings and pending migrations. It only
// reads; a schema without a ledger table has nothing applied.
func (p *Pipeline) Inspect(ctx context.Context, tenantID string) (*Inspection, error) {
	t, err := p.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Pipeline.Inspect: %w", err)
	}
	hosts, err := p.registry.Hosts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Pipeline.Inspect: %w", err)
	}
	exists, err := p.provisioner.Exists(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Pipeline.Inspect: %w", err)
	}

	in := &Inspection{Tenant: t, Schema: p.manager.SchemaName(t.ID), Hosts: hosts, SchemaExists: exists}
	if !exists {
		in.Pending = migrationIDs(p.migrations)
		return in, nil
	}

	err = p.manager.Isolated(ctx, t, func(ctx context.Context, s *Scope) error {
		pending, err := p.migrations.Pending(ctx, s.Store().Migrations)
		in.Pending = pending
		return err
	}, AllowProvisioning())
	if err != nil {
		return nil, fmt.Errorf("tenancy.Pipeline.Inspect: %w", err)
	}

	return in, nil
}

func migrationIDs(r *migrate.Runner) []string {
	ms := r.Migrations()
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

// fail marks the tenant failed and alerts. It runs on a fresh deadline since
// the attempt's own deadline may be what expired.
func (p *Pipeline) fail(ctx context.Context, tenantID, title string, serr *StageError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()

	if err := p.registry.MarkFailed(ctx, tenantID, serr); err != nil && !errors.Is(err, ErrTenantNotFound) {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("mark tenant failed")
	}
	p.alert(ctx, tenantID, title, serr)
	p.record(ctx, tenantID, "tenant.provision_failed", map[string]any{
		"stage": serr.Stage,
		"error": serr.Err.Error(),
	})
}

func (p *Pipeline) alert(ctx context.Context, tenantID, title string, serr *StageError) {
	log.Error().Err(serr.Err).
		Str("tenant_id", tenantID).
		Str("stage", serr.Stage).
		Msg(title)

	err := p.alerter.Alert(context.WithoutCancel(ctx), notify.Alert{
		Title:    title,
		Severity: notify.SeverityError,
		TenantID: tenantID,
		Stage:    serr.Stage,
		Err:      serr.Err,
	})
	if err != nil && !errors.Is(err, notify.ErrNoSinks) {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("operator alert not delivered")
	}
}

func (p *Pipeline) record(ctx context.Context, tenantID, action string, details map[string]any) {
	if p.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	err := p.audit.Record(context.WithoutCancel(ctx), &domain.AuditEntry{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ActorType: domain.ActorSystem,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("action", action).Msg("audit record failed")
	}
}
