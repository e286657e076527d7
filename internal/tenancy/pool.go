package tenancy

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tenantry/internal/store/postgres"
)

// Lease is one connection borrowed from the tenant pool.
type Lease interface {
	postgres.Querier
	// Release returns the connection to the pool.
	Release()
	// Destroy closes the connection so it is never handed out again.
	Destroy()
}

// ConnPool hands out leases on tenant connections.
type ConnPool interface {
	Acquire(ctx context.Context) (Lease, error)
}

type pgxPool struct {
	pool *pgxpool.Pool
}

// NewConnPool adapts a pgxpool to ConnPool.
func NewConnPool(pool *pgxpool.Pool) ConnPool {
	return &pgxPool{pool: pool}
}

func (p *pgxPool) Acquire(ctx context.Context) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pgxLease{Conn: conn}, nil
}

type pgxLease struct {
	*pgxpool.Conn
}

func (l pgxLease) Destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.Conn.Hijack().Close(ctx)
}

// OpenPool connects the tenant pool. Every new physical connection starts on
// the neutral search_path, so a connection is never bound to a tenant until a
// Scope binds it.
func OpenPool(ctx context.Context, dsn string, maxConns int32, neutral string) (*pgxpool.Pool, error) {
	pool, err := postgres.Open(ctx, dsn, maxConns, func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setSearchPathSQL, searchPathValue(neutral))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tenancy.OpenPool: %w", err)
	}
	return pool, nil
}

const (
	setSearchPathSQL = `SELECT set_config('search_path', $1, false)`
	currentSchemaSQL = `SELECT current_schema()`
	resetTimeout     = 5 * time.Second
)

// searchPathValue quotes schema for use as a search_path value. The empty
// schema yields an empty search_path.
func searchPathValue(schema string) string {
	if schema == "" {
		return ""
	}
	return pgx.Identifier{schema}.Sanitize()
}
