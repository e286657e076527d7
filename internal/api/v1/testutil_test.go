package v1_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/auth"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/events"
	"github.com/gosuda/tenantry/internal/invitation"
	"github.com/gosuda/tenantry/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject the authenticated user for DoCtx
// ---------------------------------------------------------------------------

func userCtx(userID uuid.UUID) context.Context {
	return middleware.WithUserID(context.Background(), userID)
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

// ---------------------------------------------------------------------------
// Mock AuthService
// ---------------------------------------------------------------------------

type mockAuthService struct {
	registerFunc     func(ctx context.Context, email, password, firstName, lastName string) (*domain.User, error)
	authenticateFunc func(ctx context.Context, email, password string) (*domain.User, error)
	loginFunc        func(ctx context.Context, email, password string) (*auth.Tokens, error)
	refreshTokenFunc func(ctx context.Context, refreshToken string) (string, error)
	getUserFunc      func(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, email, password, firstName, lastName string) (*domain.User, error) {
	return m.registerFunc(ctx, email, password, firstName, lastName)
}

func (m *mockAuthService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	return m.authenticateFunc(ctx, email, password)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.Tokens, error) {
	return m.loginFunc(ctx, email, password)
}

func (m *mockAuthService) IssueTokens(userID uuid.UUID) (*auth.Tokens, error) {
	return &auth.Tokens{AccessToken: "access-" + userID.String(), RefreshToken: "refresh-" + userID.String()}, nil
}

func (m *mockAuthService) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	return m.refreshTokenFunc(ctx, refreshToken)
}

func (m *mockAuthService) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return m.getUserFunc(ctx, userID)
}

// ---------------------------------------------------------------------------
// Mock TenantRegistry
// ---------------------------------------------------------------------------

type mockRegistry struct {
	registerFunc func(ctx context.Context, data map[string]any, hosts ...string) (*domain.Tenant, error)
	getFunc      func(ctx context.Context, id string) (*domain.Tenant, error)
	hostsFunc    func(ctx context.Context, id string) ([]string, error)
	removeFunc   func(ctx context.Context, id string) error
}

func (m *mockRegistry) Register(ctx context.Context, data map[string]any, hosts ...string) (*domain.Tenant, error) {
	return m.registerFunc(ctx, data, hosts...)
}

func (m *mockRegistry) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return m.getFunc(ctx, id)
}

func (m *mockRegistry) Hosts(ctx context.Context, id string) ([]string, error) {
	return m.hostsFunc(ctx, id)
}

func (m *mockRegistry) Remove(ctx context.Context, id string) error {
	return m.removeFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock AccountStore
// ---------------------------------------------------------------------------

type mockAccounts struct {
	createFunc        func(ctx context.Context, a *domain.Account) error
	getByTenantIDFunc func(ctx context.Context, tenantID string) (*domain.Account, error)
}

func (m *mockAccounts) Create(ctx context.Context, a *domain.Account) error {
	return m.createFunc(ctx, a)
}

func (m *mockAccounts) GetByTenantID(ctx context.Context, tenantID string) (*domain.Account, error) {
	return m.getByTenantIDFunc(ctx, tenantID)
}

type mockAudit struct {
	listByTenantFunc func(ctx context.Context, tenantID string, limit, offset int) ([]*domain.AuditEntry, error)
}

func (m *mockAudit) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*domain.AuditEntry, error) {
	return m.listByTenantFunc(ctx, tenantID, limit, offset)
}

// ---------------------------------------------------------------------------
// Lifecycle and provisioning
// ---------------------------------------------------------------------------

type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
	hook   func(ev events.Event) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev events.Event) error {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	if d.hook != nil {
		return d.hook(ev)
	}
	return nil
}

func (d *recordingDispatcher) kinds() []events.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.Kind, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Kind)
	}
	return out
}

type mockProvisioner struct {
	provisionFunc func(ctx context.Context, tenantID string) error
}

func (m *mockProvisioner) Provision(ctx context.Context, tenantID string) error {
	return m.provisionFunc(ctx, tenantID)
}

// ---------------------------------------------------------------------------
// Mock InvitationService
// ---------------------------------------------------------------------------

type mockInvitations struct {
	inviteFunc func(ctx context.Context, account *domain.AccountRef, inviter uuid.UUID, email, role string) (*domain.Invitation, error)
	acceptFunc func(ctx context.Context, token string, user *domain.User) (*invitation.Result, error)
}

func (m *mockInvitations) Invite(ctx context.Context, account *domain.AccountRef, inviter uuid.UUID, email, role string) (*domain.Invitation, error) {
	return m.inviteFunc(ctx, account, inviter, email, role)
}

func (m *mockInvitations) Accept(ctx context.Context, token string, user *domain.User) (*invitation.Result, error) {
	return m.acceptFunc(ctx, token, user)
}
