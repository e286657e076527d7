package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantry/internal/domain"
)

// Page bounds for paged listings.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// AuditRepo appends to and reads the central audit_log. Entries outlive the
// tenant they describe, so teardown stays visible after the record is gone.
type AuditRepo struct {
	q Querier
}

func NewAuditRepo(q Querier) *AuditRepo {
	return &AuditRepo{q: q}
}

// Record fills a missing ID, timestamp or details map before inserting.
func (r *AuditRepo) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("auditRepo.Record: marshal details: %w", err)
	}

	_, err = r.q.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, actor_type, actor_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.ActorType, entry.ActorID, entry.Action, details, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("auditRepo.Record: %s: %w", entry.Action, err)
	}

	return nil
}

// ListByTenant returns the newest entries first. limit is clamped to
// [1, MaxPageLimit]; zero means DefaultPageLimit.
func (r *AuditRepo) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*domain.AuditEntry, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := r.q.Query(ctx,
		`SELECT id, tenant_id, actor_type, actor_id, action, details, created_at
		 FROM audit_log WHERE tenant_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.ListByTenant: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.ListByTenant: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (*domain.AuditEntry, error) {
	var e domain.AuditEntry
	var details []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.ActorType, &e.ActorID, &e.Action, &details, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func clampPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
