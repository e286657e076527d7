package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/domain"
)

func TestRegistry_RegisterBindsHosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ft := newFakeTenants()
	fd := newFakeDomains(ft)
	r := NewRegistry(ft, fd)

	tn, err := r.Register(ctx, map[string]any{"plan": "pro"}, "Acme.Example.com.", "acme.test:8080")
	require.NoError(t, err)
	require.NoError(t, ValidateID(tn.ID))
	assert.Equal(t, domain.TenantStatusProvisioning, tn.Status)

	got, err := r.Resolve(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	hosts, err := r.Hosts(ctx, tn.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme.example.com", "acme.test"}, hosts)
}

func TestRegistry_RegisterRollsBackOnBindingFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ft := newFakeTenants()
	fd := newFakeDomains(ft)
	fd.createErr = domain.ErrConflict
	r := NewRegistry(ft, fd)

	_, err := r.Register(ctx, nil, "taken.example.com")
	require.ErrorIs(t, err, domain.ErrConflict)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegistry_StatusTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ft := newFakeTenants(&domain.Tenant{ID: "a", Status: domain.TenantStatusProvisioning})
	r := NewRegistry(ft, newFakeDomains(ft))

	require.NoError(t, r.MarkFailed(ctx, "a", errors.New("migrate: boom")))
	assert.Equal(t, domain.TenantStatusFailed, ft.get("a").Status)
	assert.Equal(t, "migrate: boom", ft.get("a").LastError)

	unready, err := r.Unready(ctx)
	require.NoError(t, err)
	require.Len(t, unready, 1)

	require.NoError(t, r.MarkReady(ctx, "a"))
	assert.True(t, ft.get("a").Ready())
	assert.NotNil(t, ft.get("a").ProvisionedAt)
	assert.Empty(t, ft.get("a").LastError)

	require.ErrorIs(t, r.MarkReady(ctx, "missing"), ErrTenantNotFound)
}

func TestRegistry_GetAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ft := newFakeTenants(readyTenant("a"))
	r := NewRegistry(ft, newFakeDomains(ft))

	_, err := r.Get(ctx, "bad-id")
	require.ErrorIs(t, err, ErrInvalidTenantID)

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	require.NoError(t, r.Remove(ctx, "a"))
	_, err = r.Get(ctx, "a")
	require.ErrorIs(t, err, ErrTenantNotFound)
	require.ErrorIs(t, r.Remove(ctx, "a"), ErrTenantNotFound)
}
