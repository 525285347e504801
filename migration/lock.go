package migration

import (
	"context"
	"fmt"
	"sync"
)

// Locker provides mutual exclusion for a run. The runner acquires it on its
// own connection before Diffing and releases it after Done or Failed.
type Locker interface {
	// Acquire obtains the lock for key. The returned release function must
	// be called to release it.
	Acquire(ctx context.Context, q Querier, key string) (release func(), err error)
}

// NopLock performs no locking. It is the default: the runner assumes a
// single writer per store.
type NopLock struct{}

// Acquire returns immediately.
func (NopLock) Acquire(ctx context.Context, _ Querier, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return func() {}, nil
}

// AdvisoryLock implements Locker using PostgreSQL session advisory locks.
// It must be acquired on the same connection the run executes on, which is
// how the runner calls it.
type AdvisoryLock struct{}

// NewAdvisoryLock creates a new AdvisoryLock.
func NewAdvisoryLock() *AdvisoryLock {
	return &AdvisoryLock{}
}

// Acquire blocks on pg_advisory_lock for the hashed key.
func (l *AdvisoryLock) Acquire(ctx context.Context, q Querier, key string) (func(), error) {
	lockID := hashLockKey(key)

	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", lockID, err)
	}

	release := func() {
		_, _ = q.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}
	return release, nil
}

// LocalLock implements Locker using a process-local mutex. SQLite is
// single-writer, so this only serializes runs inside one process; SQLite's
// file locking covers other processes.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock creates a new LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// Acquire obtains the mutex. Returns an error if the context is already cancelled.
func (l *LocalLock) Acquire(ctx context.Context, _ Querier, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire local lock: %w", err)
	}

	l.mu.Lock()
	return func() { l.mu.Unlock() }, nil
}

// hashLockKey produces a stable int64 hash from a string key for use with
// pg_advisory_lock. Uses FNV-1a.
func hashLockKey(key string) int64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211 // FNV prime
	}
	return int64(h & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // intentional truncation for advisory lock key
}
