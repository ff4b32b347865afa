// Package storage provides the relational storage layer for linkage records.
//
// Two dialects are supported behind one implementation: PostgreSQL through
// pgx's database/sql driver, and SQLite through modernc.org/sqlite for
// embedded and test use. Queries are composed with go-sqlbuilder in the
// dialect's flavor and scanned with sqlx.
//
// Every record operation takes an explicit Querier, which is the unit of work
// the caller has opened. Operations never commit; see WithTx.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

// Dialect names a supported SQL backend. It doubles as the migrations
// subdirectory for that backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Querier is the handle record operations run against. Both *sqlx.DB
// (autocommit) and *sqlx.Tx (a unit of work) satisfy it.
type Querier interface {
	sqlx.ExtContext
}

// DB wraps a sqlx connection pool together with the SQL flavor of its dialect.
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
	flavor  sqlbuilder.Flavor
	logger  *slog.Logger
	now     func() time.Time

	maxRetries     int
	retryBaseDelay time.Duration
}

// Option configures a DB.
type Option func(*options)

type options struct {
	clock          func() time.Time
	maxOpenConns   int
	maxRetries     int
	retryBaseDelay time.Duration
}

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.clock = fn }
}

// WithMaxOpenConns caps the pool size. Ignored for SQLite, which always uses
// a single connection.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

// WithRetryPolicy sets how often WithTx re-runs a unit of work that failed on
// a transient conflict.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryBaseDelay = baseDelay
	}
}

// New opens a DB for the given DSN. postgres:// and postgresql:// DSNs use
// PostgreSQL; sqlite:, file: and :memory: DSNs use SQLite.
func New(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*DB, error) {
	o := options{
		clock:          time.Now,
		maxOpenConns:   10,
		maxRetries:     3,
		retryBaseDelay: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialect, driverName, driverDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.ConnectContext(ctx, driverName, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", dialect, err)
	}

	db := &DB{
		conn:           conn,
		dialect:        dialect,
		logger:         logger,
		now:            o.clock,
		maxRetries:     o.maxRetries,
		retryBaseDelay: o.retryBaseDelay,
	}

	switch dialect {
	case DialectPostgres:
		db.flavor = sqlbuilder.PostgreSQL
		conn.SetMaxOpenConns(o.maxOpenConns)
	case DialectSQLite:
		db.flavor = sqlbuilder.SQLite
		// An in-memory database lives and dies with its connection, and SQLite
		// serializes writers anyway.
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
		if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("storage: configure sqlite: %w", err)
		}
	}

	return db, nil
}

// DialectOf reports which dialect New would open for dsn.
func DialectOf(dsn string) (Dialect, error) {
	dialect, _, _, err := parseDSN(dsn)
	return dialect, err
}

// parseDSN maps a DSN onto a dialect and the database/sql driver serving it.
func parseDSN(dsn string) (dialect Dialect, driverName, driverDSN string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, "pgx", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return DialectSQLite, "sqlite", strings.TrimPrefix(dsn, "sqlite:"), nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		return DialectSQLite, "sqlite", dsn, nil
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, redactDSN(dsn))
	}
}

// redactDSN strips credentials from a DSN for error messages.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

// Dialect reports which backend the DB talks to.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if err := db.conn.Close(); err != nil {
		db.logger.Warn("storage: close connection pool", "error", err)
	}
}

// querier resolves the unit of work for an operation. A nil q runs the
// operation in autocommit mode on the pool.
func (db *DB) querier(q Querier) Querier {
	if q == nil {
		return db.conn
	}
	return q
}

// clock returns the current time at the precision both dialects store.
func (db *DB) clock() time.Time {
	return db.now().UTC().Truncate(time.Microsecond)
}
