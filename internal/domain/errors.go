package domain

import "errors"

// Repositories translate driver errors into these so callers never inspect
// pgx types. A missing row is ErrNotFound; a unique key clash (a hostname
// already bound, an email already replicated) is ErrConflict.
var (
	ErrNotFound = errors.New("domain: not found")
	ErrConflict = errors.New("domain: conflict")
)
