package replication_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/notify"
	"github.com/gosuda/tenantry/internal/replication"
	"github.com/gosuda/tenantry/internal/tenancy"
	"github.com/gosuda/tenantry/internal/tenancy/tenancytest"
)

type mockAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (m *mockAlerter) Alert(_ context.Context, a notify.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func newUser() *domain.User {
	return &domain.User{
		ID:        uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		Email:     "jane@example.com",
		FirstName: "Jane",
		LastName:  "Doe",
	}
}

func newCluster() *tenancytest.Cluster {
	c := tenancytest.NewCluster()
	c.AddTenant(&domain.Tenant{ID: "t1", Status: domain.TenantStatusReady}, "t1.example.com")
	c.AddTenant(&domain.Tenant{ID: "t2", Status: domain.TenantStatusReady}, "t2.example.com")
	return c
}

func TestReplicate_CreatesTenantUser(t *testing.T) {
	t.Parallel()

	c := newCluster()
	r := replication.New(c.Manager())

	outcome, err := r.Replicate(context.Background(), newUser(), "t1", "manager")
	require.NoError(t, err)
	assert.Equal(t, replication.OutcomeCreated, outcome)

	users := c.Users("tenant_t1")
	require.Len(t, users, 1)
	assert.Equal(t, "jane@example.com", users[0].Email)
	assert.Equal(t, "Jane Doe", users[0].Name)
	assert.Equal(t, c.Role("tenant_t1", domain.RoleManager).ID, users[0].RoleID)
	assert.Empty(t, c.Users("tenant_t2"))
	assert.Zero(t, c.Leases(), "the scope is released")
}

func TestReplicate_TwiceYieldsOneRow(t *testing.T) {
	t.Parallel()

	c := newCluster()
	r := replication.New(c.Manager())
	ctx := context.Background()

	first, err := r.Replicate(ctx, newUser(), "t1", "manager")
	require.NoError(t, err)
	second, err := r.Replicate(ctx, newUser(), "t1", "manager")
	require.NoError(t, err)

	assert.Equal(t, replication.OutcomeCreated, first)
	assert.Equal(t, replication.OutcomeAlreadyPresent, second)
	assert.Len(t, c.Users("tenant_t1"), 1)
}

func TestReplicate_ConflictIsNoOp(t *testing.T) {
	t.Parallel()

	c := newCluster()
	// Another replication inserts the same email between lookup and insert.
	c.BeforeInsert = func(schema string, u *domain.TenantUser) {
		c.InsertUser(schema, &domain.TenantUser{Email: u.Email})
	}
	r := replication.New(c.Manager())

	outcome, err := r.Replicate(context.Background(), newUser(), "t1", "user")
	require.NoError(t, err)
	assert.Equal(t, replication.OutcomeAlreadyPresent, outcome)
	assert.Len(t, c.Users("tenant_t1"), 1)
}

func TestReplicate_RoleMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  string
	}{
		{label: "admin", want: domain.RoleAdmin},
		{label: "Manager", want: domain.RoleManager},
		{label: "member", want: domain.RoleUser},
		{label: "viewer", want: domain.RoleGuest},
		{label: "guest", want: domain.RoleGuest},
		{label: "editor", want: domain.RoleUser},
		{label: "", want: domain.RoleUser},
	}

	for _, tc := range tests {
		t.Run(tc.label, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, replication.RoleFor(tc.label))

			c := newCluster()
			_, err := replication.New(c.Manager()).Replicate(context.Background(), newUser(), "t1", tc.label)
			require.NoError(t, err)
			users := c.Users("tenant_t1")
			require.Len(t, users, 1)
			assert.Equal(t, c.Role("tenant_t1", tc.want).ID, users[0].RoleID)
		})
	}
}

func TestReplicate_TenantNotReady(t *testing.T) {
	t.Parallel()

	c := newCluster()
	c.AddTenant(&domain.Tenant{ID: "pending", Status: domain.TenantStatusProvisioning}, "pending.example.com")
	c.AddTenant(&domain.Tenant{ID: "hostless", Status: domain.TenantStatusReady})
	alerts := &mockAlerter{}
	r := replication.New(c.Manager(), replication.WithAlerter(alerts))

	for _, id := range []string{"pending", "hostless", "missing", "bad-id"} {
		_, err := r.Replicate(context.Background(), newUser(), id, "user")
		require.ErrorIs(t, err, replication.ErrTenantNotReady, id)

		var rerr *replication.ReplicationError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, replication.StageResolve, rerr.Stage)
		assert.Equal(t, id, rerr.TenantID)
		assert.Equal(t, newUser().ID.String(), rerr.UserID)
	}
	assert.Len(t, alerts.alerts, 4)
	assert.Zero(t, c.Leases())
}

func TestReplicate_InsertFailure(t *testing.T) {
	t.Parallel()

	c := newCluster()
	c.InsertErr = errors.New("disk full")
	alerts := &mockAlerter{}
	r := replication.New(c.Manager(), replication.WithAlerter(alerts))

	_, err := r.Replicate(context.Background(), newUser(), "t1", "user")
	require.ErrorIs(t, err, replication.ErrInsertFailed)

	var rerr *replication.ReplicationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, replication.StageInsert, rerr.Stage)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, notify.SeverityWarning, alerts.alerts[0].Severity)
	assert.Equal(t, replication.StageInsert, alerts.alerts[0].Stage)
	assert.Zero(t, c.Leases(), "the scope is released on failure")
}

func TestReplicate_LeavesAmbientScopeAlone(t *testing.T) {
	t.Parallel()

	c := newCluster()
	m := c.Manager()
	r := replication.New(m)

	err := m.Run(context.Background(), c.Tenant("t2"), func(ctx context.Context, outer *tenancy.Scope) error {
		_, err := r.Replicate(ctx, newUser(), "t1", "admin")
		require.NoError(t, err)

		assert.Same(t, outer, tenancy.ScopeFromContext(ctx))
		assert.True(t, outer.Active())
		users, err := outer.Store().Users.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, users, "nothing written to the request's tenant")
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, c.Users("tenant_t1"), 1)
	assert.Empty(t, c.Users("tenant_t2"))
}
