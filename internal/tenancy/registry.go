package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
)

// Registry is the durable record of tenants and their hostname bindings.
type Registry struct {
	tenants domain.TenantRepository
	domains domain.DomainRepository
}

func NewRegistry(tenants domain.TenantRepository, domains domain.DomainRepository) *Registry {
	return &Registry{tenants: tenants, domains: domains}
}

// Register records a new tenant in the provisioning state and binds hosts to
// it. If a binding fails the tenant row is removed again.
func (r *Registry) Register(ctx context.Context, data map[string]any, hosts ...string) (*domain.Tenant, error) {
	now := time.Now().UTC()
	t := &domain.Tenant{
		ID:        NewID(),
		Data:      data,
		Status:    domain.TenantStatusProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.tenants.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Register: %w", err)
	}

	for _, host := range hosts {
		err := r.domains.Create(ctx, &domain.Domain{
			Domain:    domain.NormalizeHost(host),
			TenantID:  t.ID,
			CreatedAt: now,
		})
		if err != nil {
			if delErr := r.tenants.Delete(ctx, t.ID); delErr != nil {
				log.Error().Err(delErr).Str("tenant_id", t.ID).Msg("registry: remove tenant after failed binding")
			}
			return nil, fmt.Errorf("tenancy.Registry.Register: bind %s: %w", host, err)
		}
	}

	return t, nil
}

// Get returns the tenant with id, in any status.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Get: %w", err)
	}
	t, err := r.tenants.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("tenancy.Registry.Get: %w", ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Get: %w", err)
	}
	return t, nil
}

// Resolve maps a request hostname to its tenant.
func (r *Registry) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	host = domain.NormalizeHost(host)
	if host == "" {
		return nil, fmt.Errorf("tenancy.Registry.Resolve: %w", ErrTenantNotFound)
	}
	t, err := r.domains.Resolve(ctx, host)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("tenancy.Registry.Resolve: %s: %w", host, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Resolve: %w", err)
	}
	return t, nil
}

// Hosts lists the hostnames bound to a tenant.
func (r *Registry) Hosts(ctx context.Context, id string) ([]string, error) {
	ds, err := r.domains.ListByTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Hosts: %w", err)
	}
	hosts := make([]string, 0, len(ds))
	for _, d := range ds {
		hosts = append(hosts, d.Domain)
	}
	return hosts, nil
}

func (r *Registry) List(ctx context.Context) ([]*domain.Tenant, error) {
	ts, err := r.tenants.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Registry.List: %w", err)
	}
	return ts, nil
}

// Unready lists tenants still provisioning or left failed.
func (r *Registry) Unready(ctx context.Context) ([]*domain.Tenant, error) {
	ts, err := r.tenants.ListByStatus(ctx, domain.TenantStatusProvisioning, domain.TenantStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Registry.Unready: %w", err)
	}
	return ts, nil
}

func (r *Registry) MarkProvisioning(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.TenantStatusProvisioning, "")
}

func (r *Registry) MarkReady(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.TenantStatusReady, "")
}

func (r *Registry) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.setStatus(ctx, id, domain.TenantStatusFailed, msg)
}

func (r *Registry) setStatus(ctx context.Context, id string, status domain.TenantStatus, lastError string) error {
	err := r.tenants.UpdateStatus(ctx, id, status, lastError)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("tenancy.Registry.setStatus: %w", ErrTenantNotFound)
	}
	if err != nil {
		return fmt.Errorf("tenancy.Registry.setStatus: %w", err)
	}
	return nil
}

// Remove deletes the tenant record; bindings and account rows cascade.
func (r *Registry) Remove(ctx context.Context, id string) error {
	err := r.tenants.Delete(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("tenancy.Registry.Remove: %w", ErrTenantNotFound)
	}
	if err != nil {
		return fmt.Errorf("tenancy.Registry.Remove: %w", err)
	}
	return nil
}
