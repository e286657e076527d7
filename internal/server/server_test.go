package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantry/internal/access"
	v1 "github.com/gosuda/tenantry/internal/api/v1"
	"github.com/gosuda/tenantry/internal/auth"
	"github.com/gosuda/tenantry/internal/config"
	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/metrics"
	"github.com/gosuda/tenantry/internal/server"
	"github.com/gosuda/tenantry/internal/tenancy/tenancytest"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

type ownerAccounts struct {
	owner uuid.UUID
}

func (a ownerAccounts) GetByTenantID(_ context.Context, tenantID string) (*domain.Account, error) {
	return &domain.Account{ID: uuid.New(), TenantID: tenantID, OwnerID: a.owner}, nil
}

func (a ownerAccounts) IsMember(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T, owner uuid.UUID) (http.Handler, *tenancytest.Cluster) {
	t.Helper()

	cluster := tenancytest.NewCluster()
	cluster.AddTenant(&domain.Tenant{ID: "t1", Status: domain.TenantStatusReady}, "t1.example.com")

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: testSecret},
		Server: config.ServerConfig{
			Addr:        ":0",
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Tenancy: config.TenancyConfig{RateLimitRPS: 100, RateLimitBurst: 100},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := server.New(ctx, cfg, server.Deps{
		Scopes:  cluster.Manager(),
		Guard:   access.NewGuard(ownerAccounts{owner: owner}),
		Metrics: metrics.New(prometheus.NewRegistry()),
		API:     v1.Deps{},
	})
	return srv.Handler(), cluster
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, uuid.New())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_MetricsRecordRoutePattern(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, uuid.New())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}

func TestServer_OpenAPIServedOnce(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, uuid.New())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/signup")
}

func TestServer_TenantRoutes(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	h, cluster := newTestServer(t, owner)
	token, err := auth.IssueAccessToken(testSecret, owner, time.Hour)
	require.NoError(t, err)

	get := func(host string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant", nil)
		req.Host = host
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := get("t1.example.com")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"t1"`)

	rec = get("t2.example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant not found")

	assert.Zero(t, cluster.Leases())
}

func TestServer_CentralRoutesRequireToken(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, uuid.New())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/tenants/t1", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
