package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/narrationdb/observability/tracing"
)

// DefaultLockKey is the lock key used when none is configured.
const DefaultLockKey = "narrationdb_migrations"

// State is the final state of a run.
type State string

const (
	StateDone   State = "done"
	StateFailed State = "failed"
)

// Report describes the outcome of one Run.
type Report struct {
	RunID string
	State State
	// StartHead is the highest applied position found at Diffing.
	StartHead int
	// Head is the highest applied position when the run stopped.
	Head int
	// Applied lists the records written by this run, in order.
	Applied []AppliedRecord
	// Pending counts the definitions still unapplied when the run stopped.
	Pending int
	// Failure is the failing definition when State is StateFailed and the
	// failure belongs to one.
	Failure  *MigrationError
	Duration time.Duration
}

// Status is a read-only view of the store against the registry.
type Status struct {
	// Bootstrapped is false on a store that has never been migrated.
	Bootstrapped bool
	Applied      []AppliedRecord
	Pending      []Definition
}

// Head returns the highest applied position, or 0.
func (s Status) Head() int {
	if len(s.Applied) == 0 {
		return 0
	}
	return s.Applied[len(s.Applied)-1].Position
}

// Runner applies a Registry to a store one definition at a time.
type Runner struct {
	registry      *Registry
	tracker       Tracker
	executor      *StatementExecutor
	locker        Locker
	lockKey       string
	logger        *slog.Logger
	metrics       *Metrics
	tracer        *tracing.MigrationTracer
	transactional bool
	verifyHistory bool
	newRunID      func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLocker sets the lock acquired around every run.
func WithLocker(l Locker, key string) Option {
	return func(r *Runner) {
		if l != nil {
			r.locker = l
		}
		if key != "" {
			r.lockKey = key
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the span helper.
func WithTracer(t *tracing.MigrationTracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithTransactional controls whether each definition and its applied
// record share one transaction. Enabled by default.
func WithTransactional(enabled bool) Option {
	return func(r *Runner) { r.transactional = enabled }
}

// WithStatementTimeout bounds every statement. A timeout is a statement
// failure.
func WithStatementTimeout(d time.Duration) Option {
	return func(r *Runner) { r.executor = NewStatementExecutor(d) }
}

// WithHistoryCheck controls whether Diffing verifies that recorded names
// match the registry. Enabled by default.
func WithHistoryCheck(enabled bool) Option {
	return func(r *Runner) { r.verifyHistory = enabled }
}

// NewRunner creates a Runner for registry, recording through tracker.
func NewRunner(registry *Registry, tracker Tracker, opts ...Option) *Runner {
	r := &Runner{
		registry:      registry,
		tracker:       tracker,
		executor:      NewStatementExecutor(0),
		locker:        NopLock{},
		lockKey:       DefaultLockKey,
		logger:        slog.Default(),
		tracer:        tracing.NewMigrationTracer(nil),
		transactional: true,
		verifyHistory: true,
		newRunID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies every pending definition in ascending position order and
// stops at the first failure. It checks out one connection from db for the
// whole run and returns it afterwards. The returned error is nil exactly
// when Report.State is StateDone.
//
// Cancelling ctx stops the run between definitions; a definition that has
// started runs to completion or failure.
func (r *Runner) Run(ctx context.Context, db *sql.DB) (Report, error) {
	report := Report{RunID: r.newRunID(), State: StateFailed}
	start := time.Now()
	logger := r.logger.With("run_id", report.RunID)

	ctx, span := r.tracer.StartRun(ctx, report.RunID, r.registry.Len())
	err := r.run(ctx, db, logger, &report)
	report.Duration = time.Since(start)
	if err == nil {
		report.State = StateDone
	}
	var migErr *MigrationError
	if errors.As(err, &migErr) {
		report.Failure = migErr
	}
	r.metrics.observeRun(report.State, failureKind(err), report.Head, report.Pending)
	r.tracer.End(span, err)

	if err != nil {
		logger.Error("migration run failed",
			"head", report.Head,
			"pending", report.Pending,
			"divergent", errors.Is(err, ErrDivergence),
			"error", err)
		return report, err
	}
	logger.Info("migration run complete",
		"applied", len(report.Applied),
		"head", report.Head,
		"duration", report.Duration)
	return report, nil
}

func (r *Runner) run(ctx context.Context, db *sql.DB, logger *slog.Logger, report *Report) error {
	if db == nil {
		return errors.New("sql db is required")
	}
	if r.tracker == nil {
		return errors.New("tracker is required")
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	release, err := r.locker.Acquire(ctx, conn, r.lockKey)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer release()

	pending, head, err := r.diff(ctx, conn)
	report.StartHead = head
	report.Head = head
	report.Pending = len(pending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("schema up to date", "head", head)
		return nil
	}
	logger.Info("applying pending migrations", "head", head, "pending", len(pending))

	for i, def := range pending {
		if err := ctx.Err(); err != nil {
			return &MigrationError{
				Position: def.Position,
				Name:     def.Name,
				Err:      fmt.Errorf("run stopped before execution: %w", err),
			}
		}
		rec, err := r.apply(ctx, conn, logger, def)
		if err != nil {
			return err
		}
		report.Applied = append(report.Applied, rec)
		report.Head = rec.Position
		report.Pending = len(pending) - i - 1
	}
	return nil
}

// diff validates the registry and recorded history and returns the
// definitions after the recorded head.
func (r *Runner) diff(ctx context.Context, q Querier) ([]Definition, int, error) {
	if err := r.registry.Validate(); err != nil {
		return nil, 0, err
	}

	head, ok, err := r.tracker.HighestApplied(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		head = 0
	}

	var applied []AppliedRecord
	if r.verifyHistory || head > r.registry.Len() {
		if applied, err = r.tracker.Applied(ctx, q); err != nil {
			return nil, head, err
		}
	}
	if err := r.checkApplied(head, applied); err != nil {
		return nil, head, err
	}
	return r.registry.After(head), head, nil
}

// checkApplied rejects a store whose head lies beyond the registry and,
// when history verification is on, a history that is not the registry's
// prefix.
func (r *Runner) checkApplied(head int, applied []AppliedRecord) error {
	if head > r.registry.Len() {
		v := &OrderingViolation{
			Position: head,
			Reason:   fmt.Sprintf("store records position %d but the registry ends at %d", head, r.registry.Len()),
		}
		for _, rec := range applied {
			if rec.Position == head {
				v.Name = rec.Name
			}
		}
		return v
	}
	if r.verifyHistory {
		return r.checkHistory(applied)
	}
	return nil
}

// checkHistory requires the recorded positions to be exactly {1..k} with
// the registry's names.
func (r *Runner) checkHistory(applied []AppliedRecord) error {
	for i, rec := range applied {
		if want := i + 1; rec.Position != want {
			return &OrderingViolation{
				Position: rec.Position,
				Name:     rec.Name,
				Reason:   fmt.Sprintf("recorded history is not a prefix: expected position %d", want),
			}
		}
		def, ok := r.registry.At(rec.Position)
		if !ok {
			return &OrderingViolation{Position: rec.Position, Name: rec.Name, Reason: "recorded migration is not in the registry"}
		}
		if def.Name != rec.Name {
			return &OrderingViolation{
				Position: rec.Position,
				Name:     rec.Name,
				Reason:   fmt.Sprintf("registry names this position %q", def.Name),
			}
		}
	}
	return nil
}

// apply runs one definition and records it. The caller's cancellation does
// not reach inside a definition; only per-statement timeouts do.
func (r *Runner) apply(ctx context.Context, conn *sql.Conn, logger *slog.Logger, def Definition) (AppliedRecord, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := r.tracer.StartMigration(ctx, def.Position, def.Name)
	start := time.Now()
	log := logger.With("position", def.Position, "name", def.Name)
	log.Info("applying migration", "statements", len(def.Statements))

	var rec AppliedRecord
	var err error
	if r.transactional && !def.NoTx {
		rec, err = r.applyInTx(ctx, conn, log, def)
	} else {
		rec, err = r.applyDirect(ctx, conn, log, def)
	}
	r.tracer.End(span, err)
	if err != nil {
		return AppliedRecord{}, err
	}

	elapsed := time.Since(start)
	r.metrics.observeApplied(def.Name, elapsed)
	log.Info("migration applied", "duration", elapsed)
	return rec, nil
}

func (r *Runner) applyInTx(ctx context.Context, conn *sql.Conn, log *slog.Logger, def Definition) (AppliedRecord, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return AppliedRecord{}, &MigrationError{
			Position: def.Position,
			Name:     def.Name,
			Err:      fmt.Errorf("begin transaction: %w", err),
		}
	}

	if executed, err := r.execute(ctx, tx, log, def); err != nil {
		migErr := &MigrationError{Position: def.Position, Name: def.Name, Err: err}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback after statement failure failed", "error", rbErr)
			migErr.Partial = executed > 0
			migErr.Err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return AppliedRecord{}, migErr
	}

	rec, err := r.tracker.RecordApplied(ctx, tx, def.Position, def.Name)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("applied record failed and rollback failed; schema may have advanced without bookkeeping",
				"error", err, "rollback_error", rbErr)
			return AppliedRecord{}, &MigrationError{
				Position:  def.Position,
				Name:      def.Name,
				Divergent: true,
				Err:       errors.Join(err, fmt.Errorf("rollback: %w", rbErr)),
			}
		}
		return AppliedRecord{}, &MigrationError{Position: def.Position, Name: def.Name, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return AppliedRecord{}, &MigrationError{
			Position: def.Position,
			Name:     def.Name,
			Err:      &TrackerError{Op: "commit", Err: err},
		}
	}
	return rec, nil
}

func (r *Runner) applyDirect(ctx context.Context, conn *sql.Conn, log *slog.Logger, def Definition) (AppliedRecord, error) {
	if executed, err := r.execute(ctx, conn, log, def); err != nil {
		partial := executed > 0
		if partial {
			log.Error("migration partially applied; earlier statements remain in the store",
				"executed", executed)
		}
		return AppliedRecord{}, &MigrationError{Position: def.Position, Name: def.Name, Partial: partial, Err: err}
	}

	rec, err := r.tracker.RecordApplied(ctx, conn, def.Position, def.Name)
	if err != nil {
		log.Error("schema advanced but applied record was not written; reconcile the bookkeeping table manually",
			"error", err)
		return AppliedRecord{}, &MigrationError{Position: def.Position, Name: def.Name, Divergent: true, Err: err}
	}
	return rec, nil
}

// execute sends the definition's statements in order and returns how many
// succeeded before the first failure.
func (r *Runner) execute(ctx context.Context, q Querier, log *slog.Logger, def Definition) (int, error) {
	for i, stmt := range def.Statements {
		index := i + 1
		stmtCtx, span := r.tracer.StartStatement(ctx, index)
		start := time.Now()
		err := r.executor.Execute(stmtCtx, q, index, stmt)
		r.metrics.observeStatement(time.Since(start))
		r.tracer.End(span, err)
		if err != nil {
			log.Error("statement failed", "statement", index, "error", err)
			return i, err
		}
		log.Debug("statement executed", "statement", index)
	}
	return len(def.Statements), nil
}

// Status reports applied and pending definitions without executing any.
// A store that Run would refuse yields the same *OrderingViolation, along
// with the applied records read so far and no pending list.
func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	if db == nil {
		return Status{}, errors.New("sql db is required")
	}
	if err := r.registry.Validate(); err != nil {
		return Status{}, err
	}

	boot, err := r.tracker.Bootstrapped(ctx, db)
	if err != nil {
		return Status{}, err
	}
	applied, err := r.tracker.Applied(ctx, db)
	if err != nil {
		return Status{}, err
	}

	st := Status{Bootstrapped: boot, Applied: applied}
	if err := r.checkApplied(st.Head(), applied); err != nil {
		return st, err
	}
	st.Pending = r.registry.After(st.Head())
	return st, nil
}

func failureKind(err error) string {
	if err == nil {
		return ""
	}
	var stmtErr *StatementError
	var trackErr *TrackerError
	switch {
	case errors.Is(err, ErrOrderingViolation):
		return "ordering"
	case errors.Is(err, ErrDivergence):
		return "divergence"
	case errors.As(err, &stmtErr):
		return "statement"
	case errors.As(err, &trackErr):
		return "tracker"
	default:
		return "other"
	}
}
