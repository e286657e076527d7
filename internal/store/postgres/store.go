package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tenantry/internal/domain"
)

// Store owns the central pool and the repositories over the shared schema.
type Store struct {
	pool        *pgxpool.Pool
	tenants     *TenantRepo
	domains     *DomainRepo
	users       *UserRepo
	accounts    *AccountRepo
	invitations *InvitationRepo
	audit       *AuditRepo
	catalog     *CatalogRepo
	ledger      *LedgerRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	pool, err := Open(ctx, dsn, maxConns, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: %w", err)
	}

	return NewWithQuerier(pool), nil
}

// NewWithQuerier wires the central repositories over q. The returned Store
// does not own q unless q is a *pgxpool.Pool.
func NewWithQuerier(q Querier) *Store {
	s := &Store{
		tenants:     NewTenantRepo(q),
		domains:     NewDomainRepo(q),
		users:       NewUserRepo(q),
		accounts:    NewAccountRepo(q),
		invitations: NewInvitationRepo(q),
		audit:       NewAuditRepo(q),
		catalog:     NewCatalogRepo(q),
		ledger:      NewLedgerRepo(q, CentralLedgerTable),
	}
	if pool, ok := q.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

// Open connects a pool and pings it. afterConnect, when set, runs on every new
// physical connection.
func Open(ctx context.Context, dsn string, maxConns int32, afterConnect func(context.Context, *pgx.Conn) error) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.MaxConns = maxConns
	if afterConnect != nil {
		cfg.AfterConnect = afterConnect
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the central pool, or nil when the store was built over another querier.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Tenants() domain.TenantRepository         { return s.tenants }
func (s *Store) Domains() domain.DomainRepository         { return s.domains }
func (s *Store) Users() domain.UserRepository             { return s.users }
func (s *Store) Accounts() domain.AccountRepository       { return s.accounts }
func (s *Store) Invitations() domain.InvitationRepository { return s.invitations }
func (s *Store) Audit() domain.AuditRepository            { return s.audit }
func (s *Store) Catalog() domain.SchemaCatalog            { return s.catalog }
func (s *Store) Ledger() domain.MigrationLedger           { return s.ledger }

// NewTenantStore builds the tenant-scoped repositories over a tenant-bound
// querier. It is the constructor handed to the tenancy manager at startup.
func NewTenantStore(q Querier) domain.TenantStore {
	return domain.TenantStore{
		Users:      NewTenantUserRepo(q),
		Roles:      NewRoleRepo(q),
		Migrations: NewLedgerRepo(q, TenantLedgerTable),
	}
}
