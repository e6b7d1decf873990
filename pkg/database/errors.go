package database

import (
	"database/sql"
	"errors"
	"strings"
)

// IsNotFoundError reports whether err represents a missing row.
func IsNotFoundError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsBusyError reports whether err represents a DuckDB file lock conflict,
// which happens when a second process tries to open a database file that is
// already attached for writing elsewhere (spec §5: "Per-collection DB:
// single-writer; readers acquire read-only handles").
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "conflicting lock") ||
		strings.Contains(msg, "could not set lock") ||
		strings.Contains(msg, "database is locked")
}

// IsDuplicateKeyError reports whether err represents a uniqueness violation.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
