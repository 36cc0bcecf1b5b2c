package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// ConflictError reports a lost unique-constraint race.
// ExistingID carries the winning row's id when the caller re-read it.
type ConflictError struct {
	// Constraint is the violated constraint's logical name.
	Constraint string
	// ExistingID is the id of the row that won the race, if re-read.
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("conflict on %s: existing id %s", e.Constraint, e.ExistingID)
	}
	return fmt.Sprintf("conflict on %s", e.Constraint)
}

// IsConflict reports whether err is a ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// uniqueViolationCode is the PostgreSQL error code for unique violations.
const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally on a specific constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// mapNotFound converts sql.ErrNoRows to ErrNotFound, passing other errors
// through.
func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
