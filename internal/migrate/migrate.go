// Package migrate applies the embedded SQL migrations for the central schema
// and for every tenant schema.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantry/internal/domain"
)

//go:embed sql/central/*.sql sql/tenant/*.sql
var embedded embed.FS

// Embedded migration directories.
const (
	CentralDir = "sql/central"
	TenantDir  = "sql/tenant"
)

// ErrNoMigrations is returned by Load when a directory holds no .sql files.
var ErrNoMigrations = errors.New("migrate: no migrations found")

// Migration is one ordered migration file split into statements.
type Migration struct {
	ID         string // file name without extension, e.g. "0001_roles"
	Statements []string
}

// MigrationError reports the migration that stopped a run.
type MigrationError struct {
	ID  string
	Err error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: %v", e.ID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Runner applies an ordered set of migrations against a ledger.
type Runner struct {
	migrations []Migration
}

// NewRunner builds a Runner over already loaded migrations.
func NewRunner(migrations []Migration) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Runner{migrations: sorted}
}

// Central returns the runner for the shared central schema.
func Central() (*Runner, error) {
	ms, err := Load(embedded, CentralDir)
	if err != nil {
		return nil, fmt.Errorf("migrate.Central: %w", err)
	}
	return NewRunner(ms), nil
}

// Tenant returns the runner applied inside each tenant schema.
func Tenant() (*Runner, error) {
	ms, err := Load(embedded, TenantDir)
	if err != nil {
		return nil, fmt.Errorf("migrate.Tenant: %w", err)
	}
	return NewRunner(ms), nil
}

// Migrations returns the ordered migrations.
func (r *Runner) Migrations() []Migration {
	return r.migrations
}

// Run applies every migration the ledger has not recorded yet, in order.
// Each migration and its ledger row commit together, so a failed run can be
// resumed by calling Run again.
func (r *Runner) Run(ctx context.Context, ledger domain.MigrationLedger) error {
	if err := ledger.EnsureLedger(ctx); err != nil {
		return fmt.Errorf("migrate.Runner.Run: ensure ledger: %w", err)
	}
	pending, err := r.pending(ctx, ledger)
	if err != nil {
		return fmt.Errorf("migrate.Runner.Run: %w", err)
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return &MigrationError{ID: m.ID, Err: err}
		}
		if err := ledger.Apply(ctx, m.ID, m.Statements); err != nil {
			return &MigrationError{ID: m.ID, Err: err}
		}
		log.Debug().Str("migration", m.ID).Msg("migration applied")
	}

	return nil
}

// Pending lists the IDs of migrations not yet recorded in the ledger. It never
// creates the ledger; a ledger that does not exist yet reads as empty.
func (r *Runner) Pending(ctx context.Context, ledger domain.MigrationLedger) ([]string, error) {
	pending, err := r.pending(ctx, ledger)
	if err != nil {
		return nil, fmt.Errorf("migrate.Runner.Pending: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (r *Runner) pending(ctx context.Context, ledger domain.MigrationLedger) ([]Migration, error) {
	applied, err := ledger.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var out []Migration
	for _, m := range r.migrations {
		if !applied[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Load reads every .sql file in dir, ordered by file name.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate.Load: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("migrate.Load: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{
			ID:         strings.TrimSuffix(e.Name(), ".sql"),
			Statements: splitStatements(string(body)),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("migrate.Load: %s: %w", dir, ErrNoMigrations)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// splitStatements splits SQL on semicolons outside of string literals and
// line comments. Dollar-quoted bodies are not supported.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString, inComment bool

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return stmts
}
