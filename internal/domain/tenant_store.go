package domain

import (
	"context"
	"time"
)

// Built-in tenant role names seeded into every tenant schema.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
	RoleGuest   = "guest"
)

// Role is a row of the tenant-scoped roles reference table.
type Role struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// TenantUser is the copy of a central user that lives inside a tenant schema.
type TenantUser struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	RoleID    int64     `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TenantUserRepository interface {
	// Create returns ErrConflict when the email already exists.
	Create(ctx context.Context, u *TenantUser) error
	GetByEmail(ctx context.Context, email string) (*TenantUser, error)
	// List returns one page in id order. A non-positive limit means the
	// store's default page size.
	List(ctx context.Context, limit, offset int) ([]*TenantUser, error)
}

type RoleRepository interface {
	Upsert(ctx context.Context, r *Role) error
	GetByName(ctx context.Context, name string) (*Role, error)
}

// MigrationLedger records which structural migrations a namespace has applied.
type MigrationLedger interface {
	EnsureLedger(ctx context.Context) error
	// Applied reads the recorded IDs; a ledger not created yet reads as empty.
	Applied(ctx context.Context) (map[string]bool, error)
	// Apply runs the statements and records id in one transaction.
	Apply(ctx context.Context, id string, statements []string) error
}

// TenantStore bundles the repositories bound to one tenant schema.
type TenantStore struct {
	Users      TenantUserRepository
	Roles      RoleRepository
	Migrations MigrationLedger
}

// SchemaCatalog manages namespaces through the central connection.
type SchemaCatalog interface {
	CreateSchema(ctx context.Context, name string) error
	DropSchema(ctx context.Context, name string) error
	SchemaExists(ctx context.Context, name string) (bool, error)
}
