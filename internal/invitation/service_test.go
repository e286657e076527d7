package invitation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/invitation"
	"github.com/gosuda/tenantry/internal/notify"
	"github.com/gosuda/tenantry/internal/replication"
)

// --- mocks ---

type mockInvitations struct {
	mu      sync.Mutex
	byToken map[string]*domain.Invitation
	members map[uuid.UUID]bool
	grants  int

	acceptErr error
}

func newMockInvitations() *mockInvitations {
	return &mockInvitations{byToken: make(map[string]*domain.Invitation), members: make(map[uuid.UUID]bool)}
}

func (m *mockInvitations) Create(_ context.Context, inv *domain.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.byToken[inv.Token] = &cp
	return nil
}

func (m *mockInvitations) GetByToken(_ context.Context, token string) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byToken[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvitations) Accept(_ context.Context, inv *domain.Invitation, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptErr != nil {
		return m.acceptErr
	}
	stored := m.byToken[inv.Token]
	if stored.AcceptedBy != nil && *stored.AcceptedBy != userID {
		return domain.ErrConflict
	}
	stored.AcceptedAt = &at
	stored.AcceptedBy = &userID
	m.members[userID] = true
	m.grants++
	return nil
}

type mockAccounts struct {
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

func (m *mockAccounts) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return m.getByIDFunc(ctx, id)
}

type mockReplicator struct {
	calls         int
	replicateFunc func(ctx context.Context, user *domain.User, tenantID, role string) (replication.Outcome, error)
}

func (m *mockReplicator) Replicate(ctx context.Context, user *domain.User, tenantID, role string) (replication.Outcome, error) {
	m.calls++
	return m.replicateFunc(ctx, user, tenantID, role)
}

type mockSeats struct {
	calls int
	err   error
}

func (m *mockSeats) SyncSeats(context.Context, uuid.UUID) error {
	m.calls++
	return m.err
}

type mockNotifier struct {
	calls int
	err   error
}

func (m *mockNotifier) InvitationAccepted(context.Context, *domain.Invitation, *domain.User) error {
	m.calls++
	return m.err
}

type mockAlerter struct {
	alerts []notify.Alert
}

func (m *mockAlerter) Alert(_ context.Context, a notify.Alert) error {
	m.alerts = append(m.alerts, a)
	return nil
}

// --- fixture ---

var (
	ownerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	acctID  = uuid.MustParse("44444444-4444-4444-4444-444444444444")
)

type fixture struct {
	svc        *invitation.Service
	invs       *mockInvitations
	replicator *mockReplicator
	seats      *mockSeats
	notifier   *mockNotifier
	alerts     *mockAlerter
	account    *domain.Account
}

func newFixture() *fixture {
	f := &fixture{
		invs: newMockInvitations(),
		replicator: &mockReplicator{replicateFunc: func(context.Context, *domain.User, string, string) (replication.Outcome, error) {
			return replication.OutcomeCreated, nil
		}},
		seats:    &mockSeats{},
		notifier: &mockNotifier{},
		alerts:   &mockAlerter{},
		account:  &domain.Account{ID: acctID, TenantID: "acme", OwnerID: ownerID, Name: "Acme"},
	}
	accounts := &mockAccounts{getByIDFunc: func(_ context.Context, id uuid.UUID) (*domain.Account, error) {
		if id != acctID {
			return nil, domain.ErrNotFound
		}
		return f.account, nil
	}}
	f.svc = invitation.NewService(f.invs, accounts, f.replicator,
		invitation.WithSeatSyncer(f.seats),
		invitation.WithNotifier(f.notifier),
		invitation.WithAlerter(f.alerts),
	)
	return f
}

func (f *fixture) invite(t *testing.T, email, role string) *domain.Invitation {
	t.Helper()
	inv, err := f.svc.Invite(context.Background(), f.account.Ref(), ownerID, email, role)
	require.NoError(t, err)
	return inv
}

func invitee() *domain.User {
	return &domain.User{ID: uuid.MustParse("22222222-2222-2222-2222-222222222222"), Email: "bob@example.com"}
}

// --- tests ---

func TestInvite(t *testing.T) {
	t.Parallel()

	f := newFixture()
	inv := f.invite(t, " Bob <Bob@Example.com> ", "")

	assert.Equal(t, "bob@example.com", inv.Email)
	assert.Equal(t, invitation.DefaultRole, inv.Role)
	assert.Equal(t, acctID, inv.AccountID)
	assert.Len(t, inv.Token, 64)
	assert.False(t, inv.Accepted())

	other := f.invite(t, "carol@example.com", "Viewer")
	assert.Equal(t, "viewer", other.Role)
	assert.NotEqual(t, inv.Token, other.Token)
}

func TestInvite_Rejects(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Invite(ctx, f.account.Ref(), uuid.New(), "bob@example.com", "user")
	require.ErrorIs(t, err, invitation.ErrNotOwner)

	_, err = f.svc.Invite(ctx, f.account.Ref(), ownerID, "not an email", "user")
	require.ErrorIs(t, err, invitation.ErrInvalidEmail)

	_, err = f.svc.Invite(ctx, nil, ownerID, "bob@example.com", "user")
	require.ErrorIs(t, err, invitation.ErrNotOwner)
}

func TestAccept_AllStepsSucceed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	inv := f.invite(t, "bob@example.com", "manager")
	var gotRole, gotTenant string
	f.replicator.replicateFunc = func(_ context.Context, _ *domain.User, tenantID, role string) (replication.Outcome, error) {
		gotTenant, gotRole = tenantID, role
		return replication.OutcomeCreated, nil
	}

	res, err := f.svc.Accept(context.Background(), inv.Token, invitee())
	require.NoError(t, err)

	assert.Empty(t, res.Degraded)
	assert.Equal(t, acctID, res.Account.ID)
	assert.Equal(t, "acme", gotTenant)
	assert.Equal(t, "manager", gotRole)
	assert.True(t, f.invs.members[invitee().ID])
	assert.Equal(t, 1, f.seats.calls)
	assert.Equal(t, 1, f.notifier.calls)
	assert.Empty(t, f.alerts.alerts)
}

func TestAccept_ReplicationFailureKeepsMembership(t *testing.T) {
	t.Parallel()

	f := newFixture()
	inv := f.invite(t, "bob@example.com", "user")
	f.replicator.replicateFunc = func(context.Context, *domain.User, string, string) (replication.Outcome, error) {
		return "", &replication.ReplicationError{Stage: replication.StageResolve, TenantID: "acme", Err: replication.ErrTenantNotReady}
	}

	res, err := f.svc.Accept(context.Background(), inv.Token, invitee())
	require.NoError(t, err, "a replication failure never fails the acceptance")

	require.Len(t, res.Degraded, 1)
	assert.Equal(t, invitation.StepReplicate, res.Degraded[0].Step)
	assert.Contains(t, res.Degraded[0].Error, "not ready")
	assert.True(t, f.invs.members[invitee().ID])
	assert.Equal(t, 1, f.seats.calls, "later steps still run")
	assert.Equal(t, 1, f.notifier.calls)
	assert.Empty(t, f.alerts.alerts, "replication alerts on its own")
}

func TestAccept_EveryFollowUpFailsIndependently(t *testing.T) {
	t.Parallel()

	f := newFixture()
	inv := f.invite(t, "bob@example.com", "user")
	f.replicator.replicateFunc = func(context.Context, *domain.User, string, string) (replication.Outcome, error) {
		return "", errors.New("replication down")
	}
	f.seats.err = errors.New("billing down")
	f.notifier.err = errors.New("smtp down")

	res, err := f.svc.Accept(context.Background(), inv.Token, invitee())
	require.NoError(t, err)

	steps := make([]string, 0, len(res.Degraded))
	for _, d := range res.Degraded {
		steps = append(steps, d.Step)
	}
	assert.Equal(t, []string{invitation.StepReplicate, invitation.StepSeatSync, invitation.StepNotify}, steps)
	require.Len(t, f.alerts.alerts, 2)
	assert.Equal(t, invitation.StepSeatSync, f.alerts.alerts[0].Stage)
	assert.Equal(t, invitation.StepNotify, f.alerts.alerts[1].Stage)
}

func TestAccept_RetryRerunsFollowUps(t *testing.T) {
	t.Parallel()

	f := newFixture()
	inv := f.invite(t, "bob@example.com", "user")
	f.seats.err = errors.New("billing down")

	res, err := f.svc.Accept(context.Background(), inv.Token, invitee())
	require.NoError(t, err)
	require.Len(t, res.Degraded, 1)

	f.seats.err = nil
	res, err = f.svc.Accept(context.Background(), inv.Token, invitee())
	require.NoError(t, err)
	assert.Empty(t, res.Degraded)
	assert.Equal(t, 2, f.seats.calls)
	assert.Equal(t, 2, f.replicator.calls)
	assert.Equal(t, 2, f.invs.grants)
}

func TestAccept_AuthoritativeFailures(t *testing.T) {
	t.Parallel()

	t.Run("unknown token", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		_, err := f.svc.Accept(context.Background(), "nope", invitee())
		require.ErrorIs(t, err, invitation.ErrNotFound)
	})

	t.Run("accepted by someone else", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		inv := f.invite(t, "bob@example.com", "user")
		_, err := f.svc.Accept(context.Background(), inv.Token, &domain.User{ID: uuid.New(), Email: "eve@example.com"})
		require.NoError(t, err)

		_, err = f.svc.Accept(context.Background(), inv.Token, invitee())
		require.ErrorIs(t, err, invitation.ErrAlreadyAccepted)
	})

	t.Run("grant fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		inv := f.invite(t, "bob@example.com", "user")
		f.invs.acceptErr = errors.New("tx aborted")

		_, err := f.svc.Accept(context.Background(), inv.Token, invitee())
		require.Error(t, err)
		assert.Zero(t, f.replicator.calls, "no follow-up runs without the grant")
		assert.Zero(t, f.seats.calls)
	})
}
