package domain

import (
	"context"
	"strings"
	"time"
)

// TenantStatus tracks where a tenant is in its provisioning lifecycle.
type TenantStatus string

const (
	TenantStatusProvisioning TenantStatus = "provisioning"
	TenantStatusReady        TenantStatus = "ready"
	TenantStatusFailed       TenantStatus = "failed"
)

// Tenant is one isolated customer namespace. ID is used verbatim to derive
// the schema name, so it must pass tenancy.ValidateID before reaching SQL.
type Tenant struct {
	ID            string         `json:"id"`
	Data          map[string]any `json:"data,omitempty"`
	Status        TenantStatus   `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	ProvisionedAt *time.Time     `json:"provisioned_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Ready reports whether the tenant may accept traffic.
func (t *Tenant) Ready() bool {
	return t != nil && t.Status == TenantStatusReady
}

// SchemaName returns the namespace name for the tenant under the given prefix.
func (t *Tenant) SchemaName(prefix string) string {
	return prefix + t.ID
}

// Domain binds an external hostname to a tenant. A hostname resolves to at
// most one tenant; a tenant may own several hostnames.
type Domain struct {
	Domain    string    `json:"domain"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeHost lower-cases a Host header value and strips any port and
// trailing dot so it can be compared against stored bindings.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if strings.HasPrefix(host, "[") {
		// IPv6 literal, keep the bracketed address only.
		if end := strings.Index(host, "]"); end > 0 {
			return host[:end+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

type TenantRepository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	UpdateStatus(ctx context.Context, id string, status TenantStatus, lastError string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Tenant, error)
	ListByStatus(ctx context.Context, statuses ...TenantStatus) ([]*Tenant, error)
}

type DomainRepository interface {
	Create(ctx context.Context, d *Domain) error
	// Resolve returns the tenant bound to a normalised hostname.
	Resolve(ctx context.Context, host string) (*Tenant, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Domain, error)
}
