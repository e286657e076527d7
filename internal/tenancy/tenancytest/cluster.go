// Package tenancytest runs tenancy scopes against an in-memory cluster so
// packages built on top of tenancy can be tested without PostgreSQL.
package tenancytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gosuda/tenantry/internal/domain"
	"github.com/gosuda/tenantry/internal/store/postgres"
	"github.com/gosuda/tenantry/internal/tenancy"
)

// Cluster holds schemas, tenant-scoped rows and the central tenant registry.
type Cluster struct {
	mu       sync.Mutex
	schemas  map[string]*schemaData
	tenants  map[string]*domain.Tenant
	hosts    map[string]string
	nextID   int64
	leased   int

	// InsertErr, when set, fails every tenant user insert.
	InsertErr error
	// BeforeInsert runs before a tenant user insert, outside the lock.
	BeforeInsert func(schema string, u *domain.TenantUser)
	// CreateErr, when set, fails every schema create of Catalog.
	CreateErr error
}

type schemaData struct {
	users      []*domain.TenantUser
	roles      map[string]*domain.Role
	migrations map[string]bool
}

func NewCluster() *Cluster {
	return &Cluster{
		schemas: make(map[string]*schemaData),
		tenants: make(map[string]*domain.Tenant),
		hosts:   make(map[string]string),
	}
}

// AddTenant registers t with hosts. Ready tenants get a schema holding the
// default roles.
func (c *Cluster) AddTenant(t *domain.Tenant, hosts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *t
	c.tenants[t.ID] = &cp
	for _, h := range hosts {
		c.hosts[domain.NormalizeHost(h)] = t.ID
	}
	if t.Ready() {
		sd := c.addSchemaLocked(tenancy.SchemaName(tenancy.DefaultSchemaPrefix, t.ID))
		for _, r := range tenancy.DefaultRoles() {
			c.nextID++
			role := r
			role.ID = c.nextID
			sd.roles[r.Name] = &role
		}
	}
}

// AddSchema creates an empty schema.
func (c *Cluster) AddSchema(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addSchemaLocked(name)
}

func (c *Cluster) addSchemaLocked(name string) *schemaData {
	sd, ok := c.schemas[name]
	if !ok {
		sd = &schemaData{roles: make(map[string]*domain.Role), migrations: make(map[string]bool)}
		c.schemas[name] = sd
	}
	return sd
}

// Users returns copies of the tenant users stored in schema.
func (c *Cluster) Users(schema string) []domain.TenantUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd, ok := c.schemas[schema]
	if !ok {
		return nil
	}
	out := make([]domain.TenantUser, 0, len(sd.users))
	for _, u := range sd.users {
		out = append(out, *u)
	}
	return out
}

// InsertUser writes a tenant user directly, bypassing any scope.
func (c *Cluster) InsertUser(schema string, u *domain.TenantUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd := c.addSchemaLocked(schema)
	c.nextID++
	cp := *u
	cp.ID = c.nextID
	sd.users = append(sd.users, &cp)
}

// Role returns the role named name in schema.
func (c *Cluster) Role(schema, name string) *domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd, ok := c.schemas[schema]
	if !ok {
		return nil
	}
	return sd.roles[name]
}

// Leases reports how many connections are currently lent out.
func (c *Cluster) Leases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leased
}

// Tenant returns the stored tenant record.
func (c *Cluster) Tenant(id string) *domain.Tenant {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Registry returns a tenancy.Registry over the in-memory tenant tables.
func (c *Cluster) Registry() *tenancy.Registry {
	return tenancy.NewRegistry(tenantRepo{c}, domainRepo{c})
}

// Manager returns a Manager using the cluster's pool and stores.
func (c *Cluster) Manager(opts ...tenancy.Option) *tenancy.Manager {
	return tenancy.NewManager(pool{c}, c.Registry(), c.Factory(), opts...)
}

// Factory builds in-memory tenant stores over a scope.
func (c *Cluster) Factory() tenancy.StoreFactory {
	return func(q postgres.Querier) domain.TenantStore {
		s := store{c: c, q: q}
		return domain.TenantStore{Users: userStore{s}, Roles: roleStore{s}, Migrations: ledger{s}}
	}
}

// Catalog returns a schema catalog over the cluster's schemas.
func (c *Cluster) Catalog() domain.SchemaCatalog {
	return catalog{c}
}

type catalog struct{ c *Cluster }

func (k catalog) CreateSchema(_ context.Context, name string) error {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	if k.c.CreateErr != nil {
		return k.c.CreateErr
	}
	k.c.addSchemaLocked(name)
	return nil
}

func (k catalog) DropSchema(_ context.Context, name string) error {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	delete(k.c.schemas, name)
	return nil
}

func (k catalog) SchemaExists(_ context.Context, name string) (bool, error) {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	_, ok := k.c.schemas[name]
	return ok, nil
}

// --- connections ---

type pool struct{ c *Cluster }

func (p pool) Acquire(ctx context.Context) (tenancy.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.c.mu.Lock()
	p.c.leased++
	p.c.mu.Unlock()
	return &lease{c: p.c}, nil
}

type lease struct {
	c    *Cluster
	path string
	done bool
}

func (l *lease) Release() { l.finish() }
func (l *lease) Destroy() { l.finish() }

func (l *lease) finish() {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if !l.done {
		l.done = true
		l.c.leased--
	}
}

func (l *lease) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "set_config('search_path'") {
		l.path = strings.Trim(args[0].(string), `"`)
		return pgconn.NewCommandTag("SELECT 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("tenancytest: unsupported exec %q", sql)
}

func (l *lease) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("tenancytest: Query not supported")
}

func (l *lease) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if !strings.Contains(sql, "current_schema()") {
		return row{err: fmt.Errorf("tenancytest: unsupported query %q", sql)}
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if _, ok := l.c.schemas[l.path]; ok && l.path != "" {
		name := l.path
		return row{value: &name}
	}
	return row{}
}

func (l *lease) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("tenancytest: Begin not supported")
}

type row struct {
	value *string
	err   error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	d, ok := dest[0].(**string)
	if !ok {
		return fmt.Errorf("tenancytest: unsupported scan dest %T", dest[0])
	}
	*d = r.value
	return nil
}

// --- tenant stores ---

// store finds its schema by asking the scope, so an ended scope fails.
type store struct {
	c *Cluster
	q postgres.Querier
}

func (s store) schema(ctx context.Context) (string, error) {
	var cur *string
	if err := s.q.QueryRow(ctx, "SELECT current_schema()").Scan(&cur); err != nil {
		return "", err
	}
	if cur == nil {
		return "", errors.New("tenancytest: no schema selected")
	}
	return *cur, nil
}

type userStore struct{ store }

func (u userStore) Create(ctx context.Context, tu *domain.TenantUser) error {
	schema, err := u.schema(ctx)
	if err != nil {
		return err
	}
	if u.c.BeforeInsert != nil {
		u.c.BeforeInsert(schema, tu)
	}
	u.c.mu.Lock()
	defer u.c.mu.Unlock()
	if u.c.InsertErr != nil {
		return u.c.InsertErr
	}
	sd := u.c.schemas[schema]
	email := strings.ToLower(tu.Email)
	for _, existing := range sd.users {
		if existing.Email == email {
			return fmt.Errorf("tenancytest: users_email_key: %w", domain.ErrConflict)
		}
	}
	u.c.nextID++
	tu.ID = u.c.nextID
	tu.Email = email
	tu.CreatedAt = time.Now().UTC()
	tu.UpdatedAt = tu.CreatedAt
	cp := *tu
	sd.users = append(sd.users, &cp)
	return nil
}

func (u userStore) GetByEmail(ctx context.Context, email string) (*domain.TenantUser, error) {
	schema, err := u.schema(ctx)
	if err != nil {
		return nil, err
	}
	u.c.mu.Lock()
	defer u.c.mu.Unlock()
	for _, existing := range u.c.schemas[schema].users {
		if existing.Email == strings.ToLower(email) {
			cp := *existing
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

// List pages in insertion order, which is id order. A non-positive limit
// means a page of 50, as in the postgres repo.
func (u userStore) List(ctx context.Context, limit, offset int) ([]*domain.TenantUser, error) {
	schema, err := u.schema(ctx)
	if err != nil {
		return nil, err
	}
	u.c.mu.Lock()
	defer u.c.mu.Unlock()
	all := u.c.schemas[schema].users
	offset = min(max(offset, 0), len(all))
	if limit <= 0 {
		limit = 50
	}
	end := min(offset+limit, len(all))
	out := make([]*domain.TenantUser, 0, end-offset)
	for _, existing := range all[offset:end] {
		cp := *existing
		out = append(out, &cp)
	}
	return out, nil
}

type roleStore struct{ store }

func (r roleStore) Upsert(ctx context.Context, role *domain.Role) error {
	schema, err := r.schema(ctx)
	if err != nil {
		return err
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	sd := r.c.schemas[schema]
	if existing, ok := sd.roles[role.Name]; ok {
		existing.Label = role.Label
		role.ID = existing.ID
		return nil
	}
	r.c.nextID++
	role.ID = r.c.nextID
	cp := *role
	sd.roles[role.Name] = &cp
	return nil
}

func (r roleStore) GetByName(ctx context.Context, name string) (*domain.Role, error) {
	schema, err := r.schema(ctx)
	if err != nil {
		return nil, err
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	role, ok := r.c.schemas[schema].roles[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

type ledger struct{ store }

func (l ledger) EnsureLedger(ctx context.Context) error {
	_, err := l.schema(ctx)
	return err
}

func (l ledger) Applied(ctx context.Context) (map[string]bool, error) {
	schema, err := l.schema(ctx)
	if err != nil {
		return nil, err
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	out := make(map[string]bool)
	for id := range l.c.schemas[schema].migrations {
		out[id] = true
	}
	return out, nil
}

func (l ledger) Apply(ctx context.Context, id string, _ []string) error {
	schema, err := l.schema(ctx)
	if err != nil {
		return err
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.schemas[schema].migrations[id] = true
	return nil
}

// --- central registry ---

type tenantRepo struct{ c *Cluster }

func (r tenantRepo) Create(_ context.Context, t *domain.Tenant) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if _, ok := r.c.tenants[t.ID]; ok {
		return domain.ErrConflict
	}
	cp := *t
	r.c.tenants[t.ID] = &cp
	return nil
}

func (r tenantRepo) GetByID(_ context.Context, id string) (*domain.Tenant, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	t, ok := r.c.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r tenantRepo) UpdateStatus(_ context.Context, id string, status domain.TenantStatus, lastError string) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	t, ok := r.c.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.LastError = lastError
	return nil
}

func (r tenantRepo) Delete(_ context.Context, id string) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if _, ok := r.c.tenants[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.c.tenants, id)
	for h, tid := range r.c.hosts {
		if tid == id {
			delete(r.c.hosts, h)
		}
	}
	return nil
}

func (r tenantRepo) List(_ context.Context) ([]*domain.Tenant, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	out := make([]*domain.Tenant, 0, len(r.c.tenants))
	for _, t := range r.c.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r tenantRepo) ListByStatus(ctx context.Context, statuses ...domain.TenantStatus) ([]*domain.Tenant, error) {
	all, _ := r.List(ctx)
	var out []*domain.Tenant
	for _, t := range all {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

type domainRepo struct{ c *Cluster }

func (r domainRepo) Create(_ context.Context, d *domain.Domain) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if _, ok := r.c.hosts[d.Domain]; ok {
		return domain.ErrConflict
	}
	r.c.hosts[d.Domain] = d.TenantID
	return nil
}

func (r domainRepo) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	r.c.mu.Lock()
	id, ok := r.c.hosts[host]
	r.c.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tenantRepo(r).GetByID(ctx, id)
}

func (r domainRepo) ListByTenant(_ context.Context, tenantID string) ([]*domain.Domain, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	var out []*domain.Domain
	for h, id := range r.c.hosts {
		if id == tenantID {
			out = append(out, &domain.Domain{Domain: h, TenantID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}
