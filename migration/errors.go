package migration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrOrderingViolation matches every *OrderingViolation.
	ErrOrderingViolation = errors.New("migration ordering violation")
	// ErrDivergence matches a *MigrationError whose statements changed the
	// schema but whose AppliedRecord could not be written. Operators must
	// reconcile the bookkeeping table by hand.
	ErrDivergence = errors.New("schema advanced but applied record was not written")
)

// StatementError reports a single statement that the store rejected.
type StatementError struct {
	// Index is the 1-based position of the statement inside its definition.
	Index     int
	Statement string
	// Code is the driver's native code: "SQLITE:<extended result code>" or a
	// PostgreSQL SQLSTATE. Empty when the driver gives none.
	Code    string
	Timeout bool
	Err     error
}

func (e *StatementError) Error() string {
	msg := fmt.Sprintf("statement %d", e.Index)
	if e.Timeout {
		msg += " timed out"
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	return msg + ": " + e.Err.Error()
}

func (e *StatementError) Unwrap() error { return e.Err }

// TrackerError reports that applied state could not be read or recorded.
type TrackerError struct {
	Op  string
	Err error
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
}

func (e *TrackerError) Unwrap() error { return e.Err }

// OrderingViolation reports a registry or history that breaks the
// contiguous, append-only ordering the runner depends on.
type OrderingViolation struct {
	Position int
	Name     string
	Reason   string
}

func (e *OrderingViolation) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("ordering violation at position %d (%s): %s", e.Position, e.Name, e.Reason)
	}
	return fmt.Sprintf("ordering violation at position %d: %s", e.Position, e.Reason)
}

// Is reports whether target is ErrOrderingViolation.
func (e *OrderingViolation) Is(target error) bool {
	return target == ErrOrderingViolation
}

// MigrationError is the failure of one definition during a run.
type MigrationError struct {
	Position int
	Name     string
	// Divergent is set when the schema change is in the store but its
	// AppliedRecord is not.
	Divergent bool
	// Partial is set when some statements of a non-transactional
	// definition succeeded before the failing one.
	Partial bool
	Err     error
}

func (e *MigrationError) Error() string {
	prefix := fmt.Sprintf("migration %d (%s)", e.Position, e.Name)
	switch {
	case e.Divergent:
		prefix += " diverged"
	case e.Partial:
		prefix += " partially applied"
	}
	return prefix + ": " + e.Err.Error()
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Is reports ErrDivergence for divergent failures.
func (e *MigrationError) Is(target error) bool {
	return target == ErrDivergence && e.Divergent
}

// nativeCode extracts the driver's error code from err, if any.
func nativeCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return "SQLITE:" + strconv.Itoa(liteErr.Code())
	}
	return ""
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
