package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsRetriable returns true for errors that indicate a transient conflict:
// Postgres serialization failures and deadlocks, and SQLite busy/locked.
func IsRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		default:
			return false
		}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// WithRetry executes fn, retrying up to maxRetries times on retriable errors.
// Retries use jittered exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// WithTx runs fn inside a transaction and commits it when fn succeeds. This
// is the unit-of-work boundary: record operations called with the Querier
// handed to fn only stage their writes. The whole unit is re-run on
// transient conflicts according to the DB's retry policy, so fn must not
// have side effects outside the transaction.
//
// PostgreSQL units run SERIALIZABLE so that two units racing on the same
// linkage key conflict with 40001 instead of both inserting.
func (db *DB) WithTx(ctx context.Context, fn func(q Querier) error) error {
	opts := db.txOptions()
	return WithRetry(ctx, db.maxRetries, db.retryBaseDelay, func() error {
		tx, err := db.conn.BeginTxx(ctx, opts)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
		return nil
	})
}

// txOptions returns the options units of work are opened with. SQLite
// serializes writers on its single connection and keeps the driver default.
func (db *DB) txOptions() *sql.TxOptions {
	if db.dialect == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}
