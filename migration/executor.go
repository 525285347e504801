package migration

import (
	"context"
	"database/sql"
	"time"
)

// Querier is the statement surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StatementExecutor sends one statement at a time to the store.
// It never retries.
type StatementExecutor struct {
	timeout time.Duration
}

// NewStatementExecutor creates a StatementExecutor. A positive timeout
// bounds every statement; zero means no per-statement limit.
func NewStatementExecutor(timeout time.Duration) *StatementExecutor {
	return &StatementExecutor{timeout: timeout}
}

// Execute runs statement against q. index is the statement's 1-based slot
// in its definition and is carried on the returned *StatementError.
func (e *StatementExecutor) Execute(ctx context.Context, q Querier, index int, statement string) error {
	if err := ctx.Err(); err != nil {
		return &StatementError{Index: index, Statement: statement, Timeout: isTimeout(err), Err: err}
	}
	execCtx := ctx
	if e != nil && e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if _, err := q.ExecContext(execCtx, statement); err != nil {
		return &StatementError{
			Index:     index,
			Statement: statement,
			Code:      nativeCode(err),
			Timeout:   isTimeout(err) || isTimeout(execCtx.Err()),
			Err:       err,
		}
	}
	return nil
}
