package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/narrationdb/config"
	"github.com/GoCodeAlone/narrationdb/migration"
	"github.com/GoCodeAlone/narrationdb/narration"
	"github.com/GoCodeAlone/narrationdb/observability/tracing"
)

func runMigrate(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return migrate(ctx, args, os.Stdout, os.Stderr)
}

// migrate runs one migrate subcommand, printing results to stdout and logs
// to stderr.
func migrate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to narrationdb YAML config (defaults apply when empty)")
	driver := fs.String("driver", "", "database/sql driver: sqlite or pgx (overrides config)")
	dsn := fs.String("dsn", "", "Data source name (overrides config)")
	lock := fs.String("lock", "", "Run lock: none, local or advisory (overrides config)")
	textfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this file after apply (overrides config)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: narrationdb migrate <subcommand> [options]

Apply or inspect the narration schema migrations.

Subcommands:
  status    Show applied and pending migrations
  pending   Show the statements of pending migrations without applying them
  apply     Apply pending migrations in order, stopping at the first failure

Examples:
  narrationdb migrate status -dsn narrations.db
  narrationdb migrate pending -config narrationdb.yaml
  narrationdb migrate apply -driver pgx -dsn postgres://localhost/narrations -lock advisory

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: status, pending, or apply")
	}

	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *lock != "" {
		cfg.Migrate.Lock = *lock
	}
	if *textfile != "" {
		cfg.Metrics.Textfile = *textfile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch subcmd {
	case "status", "pending", "apply":
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
	}

	logger := cfg.Logger(stderr)
	env, err := newMigrateEnv(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.close(logger)

	switch subcmd {
	case "status":
		return migrateStatus(ctx, env, stdout)
	case "pending":
		return migratePending(ctx, env, stdout)
	default:
		return migrateApply(ctx, env, cfg.Metrics.Textfile, stdout)
	}
}

// migrateEnv is everything a subcommand needs, built from one Config.
type migrateEnv struct {
	db       *sql.DB
	tracker  *migration.SQLTracker
	runner   *migration.Runner
	metrics  *migration.Metrics
	provider *tracing.Provider
}

func newMigrateEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*migrateEnv, error) {
	dialect, err := migration.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	tracker, err := migration.NewSQLTracker(dialect, cfg.Migrate.Table)
	if err != nil {
		return nil, err
	}

	opts := narration.Options{
		Table:        tracker.Table(),
		SeedUsername: cfg.Narration.SeedUsername,
	}
	if cfg.Narration.SeedPassword != "" {
		if opts.SeedPasswordHash, err = narration.HashPassword(cfg.Narration.SeedPassword); err != nil {
			return nil, err
		}
	}
	registry, err := narration.Registry(dialect, opts)
	if err != nil {
		return nil, err
	}

	locker, err := lockerFor(cfg.Migrate.Lock, dialect)
	if err != nil {
		return nil, err
	}

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	db, err := sql.Open(sqlDriverName(dialect), cfg.Database.DSN)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}

	metrics := migration.NewMetrics("")
	runner := migration.NewRunner(registry, tracker,
		migration.WithLogger(logger),
		migration.WithMetrics(metrics),
		migration.WithTracer(tracing.NewMigrationTracer(provider.Tracer())),
		migration.WithLocker(locker, cfg.Migrate.LockKey),
		migration.WithTransactional(cfg.Migrate.Transactional),
		migration.WithStatementTimeout(cfg.Migrate.StatementTimeout),
		migration.WithHistoryCheck(cfg.Migrate.VerifyHistory),
	)

	return &migrateEnv{
		db:       db,
		tracker:  tracker,
		runner:   runner,
		metrics:  metrics,
		provider: provider,
	}, nil
}

func (e *migrateEnv) close(logger *slog.Logger) {
	if err := e.db.Close(); err != nil {
		logger.Warn("close database", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("flush traces", "error", err)
	}
}

func lockerFor(kind string, dialect migration.Dialect) (migration.Locker, error) {
	switch kind {
	case "", config.LockNone:
		return migration.NopLock{}, nil
	case config.LockLocal:
		return migration.NewLocalLock(), nil
	case config.LockAdvisory:
		if dialect.Name != migration.Postgres.Name {
			return nil, fmt.Errorf("advisory lock requires postgres, not %s", dialect.Name)
		}
		return migration.NewAdvisoryLock(), nil
	default:
		return nil, fmt.Errorf("unknown lock %q", kind)
	}
}

// sqlDriverName maps a dialect to the database/sql driver registered for it.
func sqlDriverName(d migration.Dialect) string {
	if d.Name == migration.Postgres.Name {
		return "pgx"
	}
	return "sqlite"
}

func migrateStatus(ctx context.Context, env *migrateEnv, w io.Writer) error {
	st, err := env.runner.Status(ctx, env.db)
	if err != nil {
		return err
	}

	if !st.Bootstrapped {
		fmt.Fprintf(w, "Bookkeeping table %s does not exist yet.\n", env.tracker.Table())
	}
	if len(st.Applied) == 0 {
		fmt.Fprintln(w, "No migrations applied.")
	} else {
		fmt.Fprintln(w, "Applied:")
		for _, rec := range st.Applied {
			fmt.Fprintf(w, "  %3d  %-28s  applied_at=%s\n", rec.Position, rec.Name, rec.AppliedAt.Format(time.RFC3339))
		}
	}

	if len(st.Pending) == 0 {
		fmt.Fprintln(w, "\nSchema up to date.")
		return nil
	}
	fmt.Fprintf(w, "\nPending: %d migration(s)\n", len(st.Pending))
	for _, def := range st.Pending {
		fmt.Fprintf(w, "  %3d  %s\n", def.Position, def.Name)
	}
	return nil
}

func migratePending(ctx context.Context, env *migrateEnv, w io.Writer) error {
	st, err := env.runner.Status(ctx, env.db)
	if err != nil {
		return err
	}
	if len(st.Pending) == 0 {
		fmt.Fprintln(w, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(w, "%d pending migration(s):\n", len(st.Pending))
	for _, def := range st.Pending {
		fmt.Fprintf(w, "\n-- %d: %s\n", def.Position, def.Name)
		for _, stmt := range def.Statements {
			fmt.Fprintf(w, "%s;\n", strings.TrimSpace(stmt))
		}
	}
	return nil
}

func migrateApply(ctx context.Context, env *migrateEnv, textfile string, w io.Writer) error {
	report, runErr := env.runner.Run(ctx, env.db)

	if textfile != "" {
		if err := prometheus.WriteToTextfile(textfile, env.metrics.Registry()); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("write metrics textfile: %w", err))
		}
	}

	if report.State == migration.StateDone {
		if len(report.Applied) == 0 {
			fmt.Fprintf(w, "No pending migrations; head is %d.\n", report.Head)
		} else {
			fmt.Fprintf(w, "Applied %d migration(s); head is now %d.\n", len(report.Applied), report.Head)
		}
		return runErr
	}

	if errors.Is(runErr, migration.ErrDivergence) {
		fmt.Fprintf(w, "Migration %d changed the schema but was not recorded in %s; reconcile it before re-running.\n",
			report.Failure.Position, env.tracker.Table())
	}
	return fmt.Errorf("apply migrations (run %s, head %d, %d pending): %w",
		report.RunID, report.Head, report.Pending, runErr)
}
