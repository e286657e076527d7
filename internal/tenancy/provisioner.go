package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
)

// Provisioner creates and drops tenant schemas through the central catalog.
// It never touches a tenant connection.
type Provisioner struct {
	catalog domain.SchemaCatalog
	prefix  string
}

func NewProvisioner(catalog domain.SchemaCatalog, prefix string) *Provisioner {
	if prefix == "" {
		prefix = DefaultSchemaPrefix
	}
	return &Provisioner{catalog: catalog, prefix: prefix}
}

// Provision creates the tenant schema if absent and confirms it exists.
// Calling it for an already provisioned tenant is a no-op.
func (p *Provisioner) Provision(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return fmt.Errorf("tenancy.Provisioner.Provision: %w", err)
	}
	schema := SchemaName(p.prefix, tenantID)

	if err := p.catalog.CreateSchema(ctx, schema); err != nil {
		return &ProvisionError{Kind: CreateFailed, TenantID: tenantID, Schema: schema, Err: err}
	}

	ok, err := p.catalog.SchemaExists(ctx, schema)
	if err != nil {
		return &ProvisionError{Kind: VerificationFailed, TenantID: tenantID, Schema: schema, Err: err}
	}
	if !ok {
		return &ProvisionError{Kind: VerificationFailed, TenantID: tenantID, Schema: schema}
	}

	log.Info().Str("tenant_id", tenantID).Str("schema", schema).Msg("tenant schema provisioned")
	return nil
}

// Drop removes the tenant schema and everything in it. Irreversible.
func (p *Provisioner) Drop(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return fmt.Errorf("tenancy.Provisioner.Drop: %w", err)
	}
	schema := SchemaName(p.prefix, tenantID)

	if err := p.catalog.DropSchema(ctx, schema); err != nil {
		return &ProvisionError{Kind: DropFailed, TenantID: tenantID, Schema: schema, Err: err}
	}

	ok, err := p.catalog.SchemaExists(ctx, schema)
	if err != nil {
		return &ProvisionError{Kind: VerificationFailed, TenantID: tenantID, Schema: schema, Err: err}
	}
	if ok {
		return &ProvisionError{Kind: VerificationFailed, TenantID: tenantID, Schema: schema,
			Err: errors.New("schema still present after drop")}
	}

	log.Warn().Str("tenant_id", tenantID).Str("schema", schema).Msg("tenant schema dropped")
	return nil
}

// Exists reports whether the tenant schema is present.
func (p *Provisioner) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateID(tenantID); err != nil {
		return false, fmt.Errorf("tenancy.Provisioner.Exists: %w", err)
	}
	ok, err := p.catalog.SchemaExists(ctx, SchemaName(p.prefix, tenantID))
	if err != nil {
		return false, fmt.Errorf("tenancy.Provisioner.Exists: %w", err)
	}
	return ok, nil
}
