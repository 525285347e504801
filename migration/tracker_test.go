package migration

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSQLTracker_PristineStore(t *testing.T) {
	db := newTestDB(t)
	tracker := newTestTracker(t)
	ctx := context.Background()

	boot, err := tracker.Bootstrapped(ctx, db)
	if err != nil {
		t.Fatalf("bootstrapped: %v", err)
	}
	if boot {
		t.Error("pristine store should not be bootstrapped")
	}

	_, ok, err := tracker.HighestApplied(ctx, db)
	if err != nil {
		t.Fatalf("highest applied on pristine store should not error: %v", err)
	}
	if ok {
		t.Error("pristine store should report no applied migrations")
	}

	applied, err := tracker.Applied(ctx, db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no records, got %d", len(applied))
	}
}

func TestSQLTracker_BootstrappedButEmpty(t *testing.T) {
	db := newTestDB(t)
	tracker := newTestTracker(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, SQLite.BookkeepingDDL(DefaultTable)); err != nil {
		t.Fatalf("create bookkeeping table: %v", err)
	}

	boot, err := tracker.Bootstrapped(ctx, db)
	if err != nil {
		t.Fatalf("bootstrapped: %v", err)
	}
	if !boot {
		t.Error("expected bootstrapped store")
	}
	_, ok, err := tracker.HighestApplied(ctx, db)
	if err != nil {
		t.Fatalf("highest applied: %v", err)
	}
	if ok {
		t.Error("empty bookkeeping table should report no applied migrations")
	}
}

func TestSQLTracker_RecordAndRead(t *testing.T) {
	db := newTestDB(t)
	tracker := newTestTracker(t)
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	for i, name := range []string{"create_narrations", "create_fragments"} {
		rec, err := tracker.RecordApplied(ctx, db, i+1, name)
		if err != nil {
			t.Fatalf("record %d: %v", i+1, err)
		}
		if !rec.AppliedAt.Equal(fixed) {
			t.Errorf("expected applied_at %v, got %v", fixed, rec.AppliedAt)
		}
	}

	head, ok, err := tracker.HighestApplied(ctx, db)
	if err != nil {
		t.Fatalf("highest applied: %v", err)
	}
	if !ok || head != 2 {
		t.Fatalf("expected head 2, got %d (ok=%v)", head, ok)
	}

	applied, err := tracker.Applied(ctx, db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 records, got %d", len(applied))
	}
	if applied[1].Name != "create_fragments" {
		t.Errorf("expected second record create_fragments, got %q", applied[1].Name)
	}
	if !applied[0].AppliedAt.Equal(fixed) {
		t.Errorf("expected stored applied_at %v, got %v", fixed, applied[0].AppliedAt)
	}
}

func TestSQLTracker_DuplicatePositionRejected(t *testing.T) {
	db := newTestDB(t)
	tracker := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.RecordApplied(ctx, db, 1, "a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	_, err := tracker.RecordApplied(ctx, db, 1, "b")
	if err == nil {
		t.Fatal("expected duplicate position to fail")
	}
	var trackErr *TrackerError
	if !errors.As(err, &trackErr) || trackErr.Op != "record" {
		t.Fatalf("expected record TrackerError, got %v", err)
	}
}

func TestNewSQLTracker_TableName(t *testing.T) {
	tests := []struct {
		table   string
		want    string
		wantErr bool
	}{
		{"", DefaultTable, false},
		{"schema_history", "schema_history", false},
		{"bad name", "", true},
		{"x; DROP TABLE y", "", true},
	}
	for _, tt := range tests {
		tracker, err := NewSQLTracker(SQLite, tt.table)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for table %q", tt.table)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.table, err)
		}
		if tracker.Table() != tt.want {
			t.Errorf("Table() = %q, want %q", tracker.Table(), tt.want)
		}
	}
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{"sqlite", "sqlite", false},
		{"SQLite3", "sqlite", false},
		{"pgx", "postgres", false},
		{"postgres", "postgres", false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		d, err := DialectFor(tt.driver)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.driver)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.driver, err)
		}
		if d.Name != tt.want {
			t.Errorf("DialectFor(%q) = %q, want %q", tt.driver, d.Name, tt.want)
		}
	}
	if got := Postgres.Placeholder(3); got != "$3" {
		t.Errorf("postgres placeholder = %q, want $3", got)
	}
	if got := SQLite.Placeholder(3); got != "?" {
		t.Errorf("sqlite placeholder = %q, want ?", got)
	}
}

func TestNewSQLTracker_FoldsPostgresTableName(t *testing.T) {
	tests := []struct {
		dialect Dialect
		table   string
		want    string
	}{
		{Postgres, "Migrations", "migrations"},
		{Postgres, "schema_HISTORY", "schema_history"},
		{Postgres, "", DefaultTable},
		{SQLite, "Migrations", "Migrations"},
	}
	for _, tt := range tests {
		tracker, err := NewSQLTracker(tt.dialect, tt.table)
		if err != nil {
			t.Fatalf("%s %q: %v", tt.dialect.Name, tt.table, err)
		}
		if tracker.Table() != tt.want {
			t.Errorf("%s %q: Table() = %q, want %q", tt.dialect.Name, tt.table, tracker.Table(), tt.want)
		}
	}
}

func TestSQLTracker_MixedCaseTableBootstraps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tracker, err := NewSQLTracker(SQLite, "Schema_History")
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	if _, err := tracker.RecordApplied(ctx, db, 1, "create_narrations"); err != nil {
		t.Fatalf("record: %v", err)
	}
	boot, err := tracker.Bootstrapped(ctx, db)
	if err != nil {
		t.Fatalf("bootstrapped: %v", err)
	}
	if !boot {
		t.Error("expected the table it created to be found again")
	}
}
