package migration

import (
	"fmt"
	"strings"
)

// DefaultTable is the bookkeeping table used when none is configured.
const DefaultTable = "_migrations"

// Dialect captures the SQL differences between supported stores.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// TableExistsSQL counts tables named by the single bind parameter.
	TableExistsSQL string
	// CreateTableSQL is a format string taking the table name.
	CreateTableSQL string
	// FoldIdentifier maps an unquoted identifier to the name the store
	// keeps in its catalog. Nil leaves names as written.
	FoldIdentifier func(name string) string
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name:           "sqlite",
	Placeholder:    func(int) string { return "?" },
	TableExistsSQL: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	CreateTableSQL: `CREATE TABLE IF NOT EXISTS %s (
		position   INTEGER PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		applied_at INTEGER NOT NULL
	)`,
}

// Postgres is the dialect for PostgreSQL through the pgx stdlib driver.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	TableExistsSQL: `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1`,
	CreateTableSQL: `CREATE TABLE IF NOT EXISTS %s (
		position   INTEGER PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		applied_at BIGINT NOT NULL
	)`,
	FoldIdentifier: strings.ToLower,
}

// DialectFor maps a database/sql driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// BookkeepingDDL returns the CREATE TABLE statement for the bookkeeping
// table, for registries whose first definition creates it.
func (d Dialect) BookkeepingDDL(table string) string {
	if table == "" {
		table = DefaultTable
	}
	return fmt.Sprintf(d.CreateTableSQL, table)
}
