package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ncruces/go-sqlite3"
)

// errNoRowsAffected marks updates that matched no row; wrapError maps it to
// ErrNoObject through sql.ErrNoRows semantics.
var errNoRowsAffected = sql.ErrNoRows

var (
	// ErrNoObject is returned when a required row does not exist.
	ErrNoObject = errors.New("no such object")

	// ErrDuplicatedObject is returned on integrity violations; it usually
	// indicates a logic bug in the caller.
	ErrDuplicatedObject = errors.New("object already exists")
)

// DatabaseError wraps backend failures that are neither missing rows nor
// integrity violations. Agents release their locks and let the supervisor
// restart on these.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// wrapError maps raw driver errors onto the typed taxonomy.
func wrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNoObject)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrDuplicatedObject)
	default:
		return &DatabaseError{Op: op, Err: err}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 = unique_violation
		return pgErr.Code == "23505"
	}
	var sqlErr *sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.ExtendedCode() {
		case sqlite3.CONSTRAINT_UNIQUE, sqlite3.CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
