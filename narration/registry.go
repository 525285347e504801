// Package narration holds the schema migrations of the narration
// application: narrations with their fragments, characters and reactions,
// and the users allowed to edit them.
package narration

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/narrationdb/migration"
)

// Migration names, in registry order. Released names never change.
const (
	CreateInitialTables   = "create_initial_tables"
	CreateReactionTable   = "create_reaction_table"
	CreateUsersTable      = "create_users_table"
	AddFragmentDateFields = "add_fragment_date_fields"
)

const (
	// DefaultSeedUsername is the user inserted by CreateUsersTable.
	DefaultSeedUsername = "narrator"
	// DefaultSeedPasswordHash is the bcrypt hash stored for the seed user
	// when no password is configured.
	DefaultSeedPasswordHash = "$2a$04$NrMPbG7wG26EwqJOun.SLOELYGOmbFs5aECGxhl8suPfVY049NZdG"
)

// Options adjusts the generated statements. The zero value selects the
// default bookkeeping table and seed user.
type Options struct {
	// Table is the bookkeeping table created by the first migration.
	Table string
	// SeedUsername and SeedPasswordHash describe the user inserted by
	// CreateUsersTable.
	SeedUsername     string
	SeedPasswordHash string
}

// HashPassword returns the bcrypt hash of password for use as
// Options.SeedPasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("seed password must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// columnTypes are the per-dialect spellings used by the migrations.
type columnTypes struct {
	id      string
	ref     string
	text    string
	integer string
	now     string
}

func typesFor(d migration.Dialect) (columnTypes, error) {
	switch d.Name {
	case migration.SQLite.Name:
		return columnTypes{
			id:      "INTEGER PRIMARY KEY",
			ref:     "INTEGER",
			text:    "TEXT",
			integer: "INTEGER",
			now:     "CAST(strftime('%s', 'now') AS INTEGER)",
		}, nil
	case migration.Postgres.Name:
		return columnTypes{
			id:      "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
			ref:     "BIGINT",
			text:    "TEXT",
			integer: "BIGINT",
			now:     "CAST(EXTRACT(EPOCH FROM now()) AS BIGINT)",
		}, nil
	default:
		return columnTypes{}, fmt.Errorf("no narration schema for dialect %q", d.Name)
	}
}

// Registry returns the narration migrations written for dialect d. Every
// dialect yields the same positions and names so a store's history reads
// the same whichever driver migrated it.
func Registry(d migration.Dialect, opts Options) (*migration.Registry, error) {
	t, err := typesFor(d)
	if err != nil {
		return nil, err
	}
	if opts.SeedUsername == "" {
		opts.SeedUsername = DefaultSeedUsername
	}
	if opts.SeedPasswordHash == "" {
		opts.SeedPasswordHash = DefaultSeedPasswordHash
	}

	return migration.NewRegistry(
		migration.Definition{
			Position: 1,
			Name:     CreateInitialTables,
			Statements: []string{
				d.BookkeepingDDL(opts.Table),
				fmt.Sprintf(`CREATE TABLE narrations (
					id %s,
					title %s,
					default_audio %s,
					default_background_image %s
				)`, t.id, t.text, t.text, t.text),
				fmt.Sprintf(`CREATE TABLE fragments (
					id %s,
					narration_id %s REFERENCES narrations(id),
					title %s,
					audio %s,
					background_image %s,
					main_text %s
				)`, t.id, t.ref, t.text, t.text, t.text, t.text),
			},
		},
		migration.Definition{
			Position: 2,
			Name:     CreateReactionTable,
			Statements: []string{
				fmt.Sprintf(`CREATE TABLE characters (
					id %s,
					narration_id %s REFERENCES narrations(id),
					name %s,
					token %s
				)`, t.id, t.ref, t.text, t.text),
				fmt.Sprintf(`CREATE TABLE reactions (
					id %s,
					fragment_id %s REFERENCES fragments(id) ON DELETE CASCADE,
					character_id %s REFERENCES characters(id) ON DELETE CASCADE,
					main_text %s
				)`, t.id, t.ref, t.ref, t.text),
			},
		},
		migration.Definition{
			Position: 3,
			Name:     CreateUsersTable,
			Statements: []string{
				fmt.Sprintf(`CREATE TABLE users (
					id %s,
					username %s UNIQUE,
					password %s
				)`, t.id, t.text, t.text),
				fmt.Sprintf(`INSERT INTO users (username, password) VALUES (%s, %s)`,
					quote(opts.SeedUsername), quote(opts.SeedPasswordHash)),
			},
		},
		migration.Definition{
			Position: 4,
			Name:     AddFragmentDateFields,
			Statements: []string{
				// Existing rows get a real value from the UPDATE below.
				fmt.Sprintf(`ALTER TABLE fragments ADD COLUMN created %s NOT NULL DEFAULT 0`, t.integer),
				fmt.Sprintf(`ALTER TABLE fragments ADD COLUMN updated %s`, t.integer),
				fmt.Sprintf(`ALTER TABLE fragments ADD COLUMN published %s`, t.integer),
				fmt.Sprintf(`UPDATE fragments SET created = %s, updated = %s, published = %s`,
					t.now, t.now, t.now),
			},
		},
	)
}

// quote renders s as an SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
