package migration

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"
)

// newTestDB opens an in-memory SQLite store. The pool is capped at one
// connection so every caller sees the same in-memory database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTracker(t *testing.T) *SQLTracker {
	t.Helper()
	tracker, err := NewSQLTracker(SQLite, "")
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	return tracker
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, registry *Registry, opts ...Option) (*Runner, *SQLTracker) {
	t.Helper()
	tracker := newTestTracker(t)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewRunner(registry, tracker, opts...), tracker
}

func mustRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	r, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func appliedPositions(t *testing.T, db *sql.DB, tracker Tracker) []int {
	t.Helper()
	records, err := tracker.Applied(context.Background(), db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	positions := make([]int, 0, len(records))
	for _, rec := range records {
		positions = append(positions, rec.Position)
	}
	return positions
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return n > 0
}

func columnExists(t *testing.T, db *sql.DB, table, column string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		t.Fatalf("check column %s.%s: %v", table, column, err)
	}
	return n > 0
}

// failingTracker wraps a Tracker and fails RecordApplied for one position.
type failingTracker struct {
	Tracker
	failAt int
}

var errRecordRefused = errors.New("record refused")

func (f *failingTracker) RecordApplied(ctx context.Context, q Querier, position int, name string) (AppliedRecord, error) {
	if position == f.failAt {
		return AppliedRecord{}, &TrackerError{Op: "record", Err: errRecordRefused}
	}
	return f.Tracker.RecordApplied(ctx, q, position, name)
}
