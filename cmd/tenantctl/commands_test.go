package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/tenancy"
)

type fakeOperator struct {
	pending     []string
	migrated    bool
	tenants     []*domain.Tenant
	inspection  *tenancy.Inspection
	provisioned []string
	provisionFn func(id string) error
	report      *tenancy.ReconcileReport
	deleted     []string
	dropped     []string
	watched     string
	events      []events.Event
	audit       []*domain.AuditEntry
	auditLimit  int
}

func (f *fakeOperator) MigrateCentral(context.Context) error {
	f.migrated = true
	return nil
}

func (f *fakeOperator) PendingCentral(context.Context) ([]string, error) { return f.pending, nil }

func (f *fakeOperator) List(context.Context) ([]*domain.Tenant, error) { return f.tenants, nil }

func (f *fakeOperator) Inspect(_ context.Context, id string) (*tenancy.Inspection, error) {
	if f.inspection == nil || f.inspection.Tenant.ID != id {
		return nil, tenancy.ErrTenantNotFound
	}
	return f.inspection, nil
}

func (f *fakeOperator) Provision(_ context.Context, id string) error {
	if f.provisionFn != nil {
		if err := f.provisionFn(id); err != nil {
			return err
		}
	}
	f.provisioned = append(f.provisioned, id)
	return nil
}

func (f *fakeOperator) Reconcile(context.Context) (*tenancy.ReconcileReport, error) {
	return f.report, nil
}

func (f *fakeOperator) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeOperator) DropSchema(_ context.Context, id string) error {
	f.dropped = append(f.dropped, id)
	return nil
}

func (f *fakeOperator) Watch(_ context.Context, tenantID string, fn func(events.Event)) error {
	f.watched = lifecycleChannel(tenantID)
	for _, ev := range f.events {
		fn(ev)
	}
	return nil
}

func (f *fakeOperator) Audit(_ context.Context, _ string, limit int) ([]*domain.AuditEntry, error) {
	f.auditLimit = limit
	return f.audit, nil
}

type harness struct {
	op     *fakeOperator
	opened int
	closed int
}

func (h *harness) open(context.Context) (operator, func(), error) {
	h.opened++
	return h.op, func() { h.closed++ }, nil
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(h.open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCentral(t *testing.T) {
	t.Parallel()

	t.Run("dry run lists without applying", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{pending: []string{"0003_invitations", "0004_audit_log"}}}

		out, err := h.run(t, "migrate-central", "--dry-run")
		require.NoError(t, err)
		assert.False(t, h.op.migrated)
		assert.Contains(t, out, "pending")
		assert.Contains(t, out, "0004_audit_log")
		assert.Equal(t, 1, h.closed)
	})

	t.Run("applies pending", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{pending: []string{"0004_audit_log"}}}

		out, err := h.run(t, "migrate-central")
		require.NoError(t, err)
		assert.True(t, h.op.migrated)
		assert.Contains(t, out, "applied")
	})

	t.Run("up to date", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{}}

		out, err := h.run(t, "migrate-central")
		require.NoError(t, err)
		assert.Contains(t, out, "central schema is up to date")
	})
}

func TestList_JSON(t *testing.T) {
	t.Parallel()

	h := &harness{op: &fakeOperator{tenants: []*domain.Tenant{
		{ID: "acme01", Status: domain.TenantStatusReady},
		{ID: "beta02", Status: domain.TenantStatusFailed, LastError: "migrate: syntax error"},
	}}}

	out, err := h.run(t, "list", "-o", "json")
	require.NoError(t, err)

	var got []domain.Tenant
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, domain.TenantStatusFailed, got[1].Status)
	assert.Equal(t, "migrate: syntax error", got[1].LastError)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := &harness{op: &fakeOperator{inspection: &tenancy.Inspection{
		Tenant:       &domain.Tenant{ID: "acme01", Status: domain.TenantStatusProvisioning},
		Schema:       "tenant_acme01",
		Hosts:        []string{"acme.example.com"},
		SchemaExists: true,
		Pending:      []string{"0002_users"},
	}}}

	out, err := h.run(t, "status", "acme01")
	require.NoError(t, err)
	assert.Contains(t, out, "provisioning")
	assert.Contains(t, out, "tenant_acme01 (exists: true)")
	assert.Contains(t, out, "acme.example.com")
	assert.Contains(t, out, "0002_users")

	_, err = h.run(t, "status", "missing")
	require.ErrorIs(t, err, tenancy.ErrTenantNotFound)

	_, err = h.run(t, "status")
	require.Error(t, err)
}

func TestProvision_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("create schema: permission denied")
	h := &harness{op: &fakeOperator{provisionFn: func(id string) error {
		if id == "bad" {
			return boom
		}
		return nil
	}}}

	out, err := h.run(t, "provision", "bad", "good")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad:")
	assert.Equal(t, []string{"good"}, h.op.provisioned)
	assert.Contains(t, out, "good ready")
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	h := &harness{op: &fakeOperator{report: &tenancy.ReconcileReport{
		Attempted: 2,
		Succeeded: []string{"acme01"},
		Failed:    map[string]string{"beta02": "seed: duplicate key"},
	}}}

	out, err := h.run(t, "reconcile")
	require.ErrorIs(t, err, errPartial)
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "beta02")

	h = &harness{op: &fakeOperator{report: &tenancy.ReconcileReport{}}}
	out, err = h.run(t, "reconcile", "-o", "json")
	require.NoError(t, err)

	var got reconcileView
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotNil(t, got.Succeeded)
	assert.NotNil(t, got.Failed)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	t.Run("requires confirmation", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{}}

		_, err := h.run(t, "delete", "acme01")
		require.Error(t, err)
		assert.Zero(t, h.opened)
		assert.Empty(t, h.op.deleted)
	})

	t.Run("removes record and schema", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{}}

		out, err := h.run(t, "delete", "acme01", "--yes")
		require.NoError(t, err)
		assert.Equal(t, []string{"acme01"}, h.op.deleted)
		assert.Empty(t, h.op.dropped)
		assert.Contains(t, out, "acme01 deleted")
	})

	t.Run("schema only", func(t *testing.T) {
		t.Parallel()
		h := &harness{op: &fakeOperator{}}

		_, err := h.run(t, "delete", "acme01", "--yes", "--schema-only")
		require.NoError(t, err)
		assert.Equal(t, []string{"acme01"}, h.op.dropped)
		assert.Empty(t, h.op.deleted)
	})
}

func TestEvents(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evs := []events.Event{
		{Kind: events.TenantReady, TenantID: "acme01", At: at},
		{Kind: events.TenantFailed, TenantID: "beta02", Error: "lock: timeout", At: at},
	}

	h := &harness{op: &fakeOperator{events: evs}}
	out, err := h.run(t, "events")
	require.NoError(t, err)
	assert.Equal(t, "tenantry:lifecycle", h.op.watched)
	assert.Contains(t, out, "2026-01-02T03:04:05Z tenant.ready acme01")
	assert.Contains(t, out, "tenant.failed beta02 error=lock: timeout")

	h = &harness{op: &fakeOperator{events: evs[:1]}}
	out, err = h.run(t, "events", "--tenant", "acme01", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "tenantry:tenant:acme01", h.op.watched)

	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, events.TenantReady, got.Kind)
}

func TestUnknownOutputFormat(t *testing.T) {
	t.Parallel()

	h := &harness{op: &fakeOperator{}}
	_, err := h.run(t, "list", "-o", "yaml")
	require.Error(t, err)
	assert.Zero(t, h.opened)
}

func TestOpenFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("TENANTRY_JWT_SECRET is required")
	cmd := newRootCommand(func(context.Context) (operator, func(), error) { return nil, nil, boom })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"reconcile"})

	require.ErrorIs(t, cmd.ExecuteContext(context.Background()), boom)
}

func TestAudit(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := &harness{op: &fakeOperator{audit: []*domain.AuditEntry{
		{TenantID: "acme01", ActorType: "system", Action: "tenant.torn_down", CreatedAt: at},
		{TenantID: "acme01", ActorType: "user", ActorID: "u-1", Action: "invitation.accepted", CreatedAt: at},
	}}}

	out, err := h.run(t, "audit", "acme01", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, 5, h.op.auditLimit)
	assert.Contains(t, out, "tenant.torn_down")
	assert.Contains(t, out, "user:u-1")

	h = &harness{op: &fakeOperator{}}
	out, err = h.run(t, "audit", "acme01", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}
