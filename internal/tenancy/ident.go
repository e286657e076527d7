package tenancy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLen bounds tenant IDs so prefix+ID stays within PostgreSQL's
// 63-byte identifier limit.
const MaxIDLen = 48

var idPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,48}$`) //nolint:gochecknoglobals // compiled once

// ValidateID checks that id is safe to embed in a schema name. It is the
// only gate between external input and schema DDL.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// NewID returns a fresh tenant ID: a random UUID without separators.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SchemaName derives the schema for a tenant ID under prefix.
func SchemaName(prefix, id string) string {
	return prefix + id
}
