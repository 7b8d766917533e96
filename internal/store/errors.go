package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a requested license, key, or admin does not
	// exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing unique
	// key (e.g. a duplicate custom license key).
	ErrConflict = errors.New("already exists")

	// ErrCapacityReached is returned by ClaimSlot when a license has no free
	// activation slots for a new hardware ID.
	ErrCapacityReached = errors.New("activation capacity reached")

	// ErrRevoked is returned when a mutation is attempted on a revoked
	// license. Revocation is terminal; only delete is allowed afterwards.
	ErrRevoked = errors.New("license is revoked")
)

// isUniqueViolation reports whether a driver error is a unique-constraint
// failure. Matched by message because SQLite and PostgreSQL surface different
// error types for the same condition.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
