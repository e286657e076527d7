package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gosuda/tenantry/internal/app"
	"github.com/gosuda/tenantry/internal/config"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/tenancy"
)

var errNoRedis = errors.New("lifecycle events need TENANTRY_REDIS_ADDR") //nolint:gochecknoglobals // sentinel error

// operator is everything the subcommands do against a deployment.
type operator interface {
	MigrateCentral(ctx context.Context) error
	PendingCentral(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]*domain.Tenant, error)
	Inspect(ctx context.Context, tenantID string) (*tenancy.Inspection, error)
	Provision(ctx context.Context, tenantID string) error
	Reconcile(ctx context.Context) (*tenancy.ReconcileReport, error)
	// Delete removes the tenant record and tears its schema down.
	Delete(ctx context.Context, tenantID string) error
	// DropSchema drops the schema of a tenant whose record is already gone.
	DropSchema(ctx context.Context, tenantID string) error
	Watch(ctx context.Context, tenantID string, fn func(events.Event)) error
	Audit(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEntry, error)
}

// openFunc connects an operator; the returned func releases it.
type openFunc func(ctx context.Context) (operator, func(), error)

func openApp(ctx context.Context) (operator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return &appOperator{app: a}, a.Close, nil
}

type appOperator struct {
	app *app.App
}

func (o *appOperator) MigrateCentral(ctx context.Context) error {
	return o.app.MigrateCentral(ctx)
}

func (o *appOperator) PendingCentral(ctx context.Context) ([]string, error) {
	return o.app.PendingCentral(ctx)
}

func (o *appOperator) List(ctx context.Context) ([]*domain.Tenant, error) {
	return o.app.Registry.List(ctx)
}

func (o *appOperator) Inspect(ctx context.Context, tenantID string) (*tenancy.Inspection, error) {
	return o.app.Pipeline.Inspect(ctx, tenantID)
}

func (o *appOperator) Provision(ctx context.Context, tenantID string) error {
	err := o.app.Pipeline.Provision(ctx, tenantID)
	ev := events.Event{Kind: events.TenantReady, TenantID: tenantID}
	if err != nil {
		ev = events.Event{Kind: events.TenantFailed, TenantID: tenantID, Error: err.Error()}
	}
	o.app.Bus.Publish(ctx, ev)
	return err
}

func (o *appOperator) Reconcile(ctx context.Context) (*tenancy.ReconcileReport, error) {
	return o.app.Pipeline.Reconcile(ctx)
}

func (o *appOperator) Delete(ctx context.Context, tenantID string) error {
	if err := o.app.Registry.Remove(ctx, tenantID); err != nil {
		return err
	}
	return o.app.Bus.Dispatch(ctx, events.Event{Kind: events.TenantDeleted, TenantID: tenantID})
}

func (o *appOperator) DropSchema(ctx context.Context, tenantID string) error {
	if _, err := o.app.Registry.Get(ctx, tenantID); err == nil {
		return fmt.Errorf("tenant %s still has a record; delete it instead", tenantID)
	} else if !errors.Is(err, tenancy.ErrTenantNotFound) {
		return err
	}
	return o.app.Pipeline.Teardown(ctx, tenantID)
}

func (o *appOperator) Watch(ctx context.Context, tenantID string, fn func(events.Event)) error {
	if o.app.PubSub == nil {
		return errNoRedis
	}
	channel := lifecycleChannel(tenantID)
	return events.Watch(ctx, o.app.PubSub, channel, fn)
}

func (o *appOperator) Audit(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEntry, error) {
	return o.app.Store.Audit().ListByTenant(ctx, tenantID, limit, 0)
}
