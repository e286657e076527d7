package tenancy

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound  = errors.New("tenancy: tenant not found")
	ErrTenantNotReady  = errors.New("tenancy: tenant not ready")
	ErrInvalidTenantID = errors.New("tenancy: invalid tenant id")
	ErrScopeInactive   = errors.New("tenancy: scope is not active")
	ErrScopeNested     = errors.New("tenancy: a scope is already active in this context")
	ErrScopeActivation = errors.New("tenancy: scope activation failed")
	ErrScopeReset      = errors.New("tenancy: scope reset failed")
)

// ProvisionErrorKind distinguishes a failed create from a failed post-check.
type ProvisionErrorKind string

const (
	CreateFailed       ProvisionErrorKind = "create_failed"
	VerificationFailed ProvisionErrorKind = "verification_failed"
	DropFailed         ProvisionErrorKind = "drop_failed"
)

// ProvisionError reports a schema create or drop that did not take effect.
type ProvisionError struct {
	Kind     ProvisionErrorKind
	TenantID string
	Schema   string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provision %s (%s): %s", e.TenantID, e.Schema, e.Kind)
	}
	return fmt.Sprintf("provision %s (%s): %s: %v", e.TenantID, e.Schema, e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// SeedError reports the reference row that failed to upsert.
type SeedError struct {
	TenantID string
	Role     string
	Err      error
}

func (e *SeedError) Error() string {
	return fmt.Sprintf("seed %s: role %s: %v", e.TenantID, e.Role, e.Err)
}

func (e *SeedError) Unwrap() error { return e.Err }

// StageError tags a pipeline failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }
