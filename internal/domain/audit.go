package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit actor types.
const (
	ActorSystem = "system"
	ActorUser   = "user"
)

// AuditEntry records one lifecycle or membership change of a tenant. Entries
// are keyed by tenant ID only, so they survive the tenant's deletion.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"` // "tenant.provisioned", "invitation.accepted", ...
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditRepository appends to and reads the audit trail. Writers treat a
// failed Record as non-fatal.
type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*AuditEntry, error)
}
