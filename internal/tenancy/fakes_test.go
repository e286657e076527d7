package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/store/postgres"
)

// fakeDB emulates just enough of a PostgreSQL cluster for scope tests:
// schemas, a per-connection search_path, and keyed rows per schema. Statements
// of the form "INSERT <key>" store a key in the current schema and
// "SELECT <key>" looks it up there.
type fakeDB struct {
	mu      sync.Mutex
	schemas map[string]bool
	rows    map[string][]string
	// execHook, when set, can fail any statement before it runs.
	execHook func(c *fakeConn, sql string, args []any) error
	// currentHook, when set, overrides what current_schema() reports.
	currentHook func(c *fakeConn, current *string) *string
}

func newFakeDB(schemas ...string) *fakeDB {
	db := &fakeDB{schemas: make(map[string]bool), rows: make(map[string][]string)}
	for _, s := range schemas {
		db.schemas[s] = true
	}
	return db
}

func (db *fakeDB) keys(schema string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.rows[schema]...)
}

type fakeConn struct {
	id         int
	db         *fakeDB
	searchPath string
	destroyed  bool
}

func (c *fakeConn) current() *string {
	name := strings.Trim(c.searchPath, `"`)
	var cur *string
	if name != "" && c.db.schemas[name] {
		cur = &name
	}
	if c.db.currentHook != nil {
		cur = c.db.currentHook(c, cur)
	}
	return cur
}

// fakePool hands out fakeConns, reusing released ones first.
type fakePool struct {
	mu         sync.Mutex
	db         *fakeDB
	idle       []*fakeConn
	created    int
	acquireErr error
	released   int
	destroyed  int
}

func newFakePool(db *fakeDB) *fakePool {
	return &fakePool{db: db}
}

func (p *fakePool) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	var c *fakeConn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		p.created++
		c = &fakeConn{id: p.created, db: p.db}
	}
	return &fakeLease{conn: c, pool: p}, nil
}

func (p *fakePool) idleConns() []*fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeConn(nil), p.idle...)
}

type fakeLease struct {
	conn *fakeConn
	pool *fakePool
}

var _ Lease = (*fakeLease)(nil)

func (l *fakeLease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.pool.released++
	l.pool.idle = append(l.pool.idle, l.conn)
}

func (l *fakeLease) Destroy() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.pool.destroyed++
	l.conn.destroyed = true
}

func (l *fakeLease) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	db := l.conn.db
	if db.execHook != nil {
		if err := db.execHook(l.conn, sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if sql == setSearchPathSQL {
		l.conn.searchPath = args[0].(string)
		return pgconn.NewCommandTag("SELECT 1"), nil
	}

	cur := l.conn.current()
	if cur == nil {
		return pgconn.CommandTag{}, errors.New(`ERROR: no schema has been selected to create in (SQLSTATE 3F000)`)
	}
	if key, ok := strings.CutPrefix(sql, "INSERT "); ok {
		db.rows[*cur] = append(db.rows[*cur], key)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (l *fakeLease) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeLease: Query not supported")
}

func (l *fakeLease) QueryRow(ctx context.Context, sql string, _ ...any) pgx.Row {
	if err := ctx.Err(); err != nil {
		return errRow{err: err}
	}
	db := l.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()

	cur := l.conn.current()
	if sql == currentSchemaSQL {
		return fakeRow{value: cur}
	}
	if cur == nil {
		return errRow{err: errors.New(`ERROR: relation does not exist (SQLSTATE 42P01)`)}
	}
	if key, ok := strings.CutPrefix(sql, "SELECT "); ok {
		for _, k := range db.rows[*cur] {
			if k == key {
				return fakeRow{value: &k}
			}
		}
		return errRow{err: pgx.ErrNoRows}
	}
	return errRow{err: fmt.Errorf("fakeLease: unsupported query %q", sql)}
}

func (l *fakeLease) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeLease: Begin not supported")
}

type fakeRow struct {
	value *string
}

func (r fakeRow) Scan(dest ...any) error {
	switch d := dest[0].(type) {
	case **string:
		*d = r.value
	case *string:
		if r.value == nil {
			return errors.New("cannot scan NULL into *string")
		}
		*d = *r.value
	default:
		return fmt.Errorf("fakeRow: unsupported dest %T", dest[0])
	}
	return nil
}

// --- tenant store over a scope ---

func fakeFactory(db *fakeDB) StoreFactory {
	return func(q postgres.Querier) domain.TenantStore {
		return domain.TenantStore{
			Roles:      &fakeRoles{q: q},
			Migrations: &fakeLedger{q: q, db: db},
		}
	}
}

type fakeRoles struct {
	q postgres.Querier
}

func (r *fakeRoles) Upsert(ctx context.Context, role *domain.Role) error {
	err := r.q.QueryRow(ctx, "SELECT role:"+role.Name).Scan(new(string))
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	_, err = r.q.Exec(ctx, "INSERT role:"+role.Name)
	return err
}

func (r *fakeRoles) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	if err := r.q.QueryRow(ctx, "SELECT role:"+name).Scan(new(string)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &domain.Role{Name: name}, nil
}

type fakeLedger struct {
	q  postgres.Querier
	db *fakeDB
}

func (l *fakeLedger) EnsureLedger(ctx context.Context) error {
	_, err := l.q.Exec(ctx, "CREATE TABLE IF NOT EXISTS tenant_migrations")
	return err
}

func (l *fakeLedger) Applied(ctx context.Context) (map[string]bool, error) {
	var cur *string
	if err := l.q.QueryRow(ctx, currentSchemaSQL).Scan(&cur); err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, errors.New("no current schema")
	}
	applied := make(map[string]bool)
	for _, k := range l.db.keys(*cur) {
		if id, ok := strings.CutPrefix(k, "migration:"); ok {
			applied[id] = true
		}
	}
	return applied, nil
}

func (l *fakeLedger) Apply(ctx context.Context, id string, statements []string) error {
	for _, s := range statements {
		if _, err := l.q.Exec(ctx, s); err != nil {
			return err
		}
	}
	_, err := l.q.Exec(ctx, "INSERT migration:"+id)
	return err
}

// --- central fakes ---

type fakeCatalog struct {
	mu        sync.Mutex
	db        *fakeDB
	calls     int
	createErr error
	dropErr   error
	existsErr error
	// swallowCreate reports success without creating anything.
	swallowCreate bool
}

func (c *fakeCatalog) CreateSchema(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.createErr != nil {
		return c.createErr
	}
	if c.swallowCreate {
		return nil
	}
	c.db.mu.Lock()
	c.db.schemas[name] = true
	c.db.mu.Unlock()
	return nil
}

func (c *fakeCatalog) DropSchema(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.dropErr != nil {
		return c.dropErr
	}
	c.db.mu.Lock()
	delete(c.db.schemas, name)
	delete(c.db.rows, name)
	c.db.mu.Unlock()
	return nil
}

func (c *fakeCatalog) SchemaExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.existsErr != nil {
		return false, c.existsErr
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.db.schemas[name], nil
}

type fakeTenants struct {
	mu      sync.Mutex
	tenants map[string]*domain.Tenant
	updates []domain.TenantStatus
}

func newFakeTenants(ts ...*domain.Tenant) *fakeTenants {
	f := &fakeTenants{tenants: make(map[string]*domain.Tenant)}
	for _, t := range ts {
		f.tenants[t.ID] = t
	}
	return f
}

func (f *fakeTenants) Create(_ context.Context, t *domain.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tenants[t.ID]; ok {
		return domain.ErrConflict
	}
	cp := *t
	f.tenants[t.ID] = &cp
	return nil
}

func (f *fakeTenants) GetByID(_ context.Context, id string) (*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, fmt.Errorf("fakeTenants.GetByID: %w", domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenants) UpdateStatus(_ context.Context, id string, status domain.TenantStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.LastError = lastError
	if status == domain.TenantStatusReady {
		now := time.Now()
		t.ProvisionedAt = &now
	}
	f.updates = append(f.updates, status)
	return nil
}

func (f *fakeTenants) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tenants[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.tenants, id)
	return nil
}

func (f *fakeTenants) List(_ context.Context) ([]*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Tenant, 0, len(f.tenants))
	for _, t := range f.tenants {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTenants) ListByStatus(_ context.Context, statuses ...domain.TenantStatus) ([]*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Tenant
	for _, t := range f.tenants {
		for _, s := range statuses {
			if t.Status == s {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeTenants) get(id string) *domain.Tenant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[id]
}

type fakeDomains struct {
	mu        sync.Mutex
	tenants   *fakeTenants
	hosts     map[string]string
	createErr error
}

func newFakeDomains(tenants *fakeTenants) *fakeDomains {
	return &fakeDomains{tenants: tenants, hosts: make(map[string]string)}
}

func (f *fakeDomains) Create(_ context.Context, d *domain.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.hosts[d.Domain]; ok {
		return domain.ErrConflict
	}
	f.hosts[d.Domain] = d.TenantID
	return nil
}

func (f *fakeDomains) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	f.mu.Lock()
	id, ok := f.hosts[host]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeDomains.Resolve: %w", domain.ErrNotFound)
	}
	return f.tenants.GetByID(ctx, id)
}

func (f *fakeDomains) ListByTenant(_ context.Context, tenantID string) ([]*domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Domain
	for h, id := range f.hosts {
		if id == tenantID {
			out = append(out, &domain.Domain{Domain: h, TenantID: id})
		}
	}
	return out, nil
}

// --- helpers ---

func readyTenant(id string) *domain.Tenant {
	return &domain.Tenant{ID: id, Status: domain.TenantStatusReady}
}

// newTestManager wires a Manager over the fakes with the given tenants
// registered and, for ready ones, their schemas present.
func newTestManager(tenants ...*domain.Tenant) (*Manager, *fakePool, *fakeDB, *fakeTenants, *fakeDomains) {
	db := newFakeDB()
	for _, t := range tenants {
		if t.Ready() {
			db.schemas[DefaultSchemaPrefix+t.ID] = true
		}
	}
	ft := newFakeTenants(tenants...)
	fd := newFakeDomains(ft)
	pool := newFakePool(db)
	m := NewManager(pool, NewRegistry(ft, fd), fakeFactory(db))
	return m, pool, db, ft, fd
}
