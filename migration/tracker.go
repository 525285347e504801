package migration

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// AppliedRecord marks one definition as applied.
type AppliedRecord struct {
	Position  int
	Name      string
	AppliedAt time.Time
}

// Tracker persists which definitions have been applied. Every method takes
// the Querier to run on so that recording can share the transaction that
// executed the definition.
type Tracker interface {
	// Bootstrapped reports whether the bookkeeping table exists.
	Bootstrapped(ctx context.Context, q Querier) (bool, error)
	// HighestApplied returns the greatest recorded position; ok is false
	// when nothing is recorded, including on a pristine store.
	HighestApplied(ctx context.Context, q Querier) (position int, ok bool, err error)
	// Applied returns every record ordered by position.
	Applied(ctx context.Context, q Querier) ([]AppliedRecord, error)
	// RecordApplied durably stores one record and returns it.
	RecordApplied(ctx context.Context, q Querier, position int, name string) (AppliedRecord, error)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLTracker implements Tracker over a bookkeeping table with columns
// position, name and applied_at (Unix milliseconds).
type SQLTracker struct {
	dialect Dialect
	table   string
	now     func() time.Time
}

// NewSQLTracker creates a tracker for the given dialect and table. An empty
// table name selects DefaultTable. The name is folded the way the dialect
// folds unquoted identifiers.
func NewSQLTracker(dialect Dialect, table string) (*SQLTracker, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid bookkeeping table name %q", table)
	}
	// The DDL leaves the name unquoted, so the catalog holds the folded form.
	if dialect.FoldIdentifier != nil {
		table = dialect.FoldIdentifier(table)
	}
	return &SQLTracker{
		dialect: dialect,
		table:   table,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Table returns the bookkeeping table name.
func (t *SQLTracker) Table() string { return t.table }

// Bootstrapped reports whether the bookkeeping table exists.
func (t *SQLTracker) Bootstrapped(ctx context.Context, q Querier) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, t.dialect.TableExistsSQL, t.table).Scan(&n); err != nil {
		return false, &TrackerError{Op: "inspect", Err: err}
	}
	return n > 0, nil
}

// HighestApplied returns the greatest recorded position.
func (t *SQLTracker) HighestApplied(ctx context.Context, q Querier) (int, bool, error) {
	exists, err := t.Bootstrapped(ctx, q)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, nil
	}

	var n int
	var highest *int64
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), MAX(position) FROM %s`, t.table))
	if err := row.Scan(&n, &highest); err != nil {
		return 0, false, &TrackerError{Op: "read", Err: err}
	}
	if n == 0 || highest == nil {
		return 0, false, nil
	}
	return int(*highest), true, nil
}

// Applied returns every record ordered by position. A pristine store yields
// no records and no error.
func (t *SQLTracker) Applied(ctx context.Context, q Querier) ([]AppliedRecord, error) {
	exists, err := t.Bootstrapped(ctx, q)
	if err != nil || !exists {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT position, name, applied_at FROM %s ORDER BY position`, t.table))
	if err != nil {
		return nil, &TrackerError{Op: "read", Err: err}
	}
	defer rows.Close()

	var result []AppliedRecord
	for rows.Next() {
		var rec AppliedRecord
		var millis int64
		if err := rows.Scan(&rec.Position, &rec.Name, &millis); err != nil {
			return nil, &TrackerError{Op: "scan", Err: err}
		}
		rec.AppliedAt = time.UnixMilli(millis).UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &TrackerError{Op: "read", Err: err}
	}
	return result, nil
}

// RecordApplied inserts one record, creating the bookkeeping table first if
// the registry has not already done so.
func (t *SQLTracker) RecordApplied(ctx context.Context, q Querier, position int, name string) (AppliedRecord, error) {
	if _, err := q.ExecContext(ctx, t.dialect.BookkeepingDDL(t.table)); err != nil {
		return AppliedRecord{}, &TrackerError{Op: "bootstrap", Err: err}
	}
	rec := AppliedRecord{
		Position:  position,
		Name:      name,
		AppliedAt: time.UnixMilli(t.now().UnixMilli()).UTC(),
	}
	insert := fmt.Sprintf(`INSERT INTO %s (position, name, applied_at) VALUES (%s, %s, %s)`,
		t.table, t.dialect.Placeholder(1), t.dialect.Placeholder(2), t.dialect.Placeholder(3))
	if _, err := q.ExecContext(ctx, insert, rec.Position, rec.Name, rec.AppliedAt.UnixMilli()); err != nil {
		return AppliedRecord{}, &TrackerError{Op: "record", Err: err}
	}
	return rec, nil
}
