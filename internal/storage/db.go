// Package storage wraps the trust broker's embedded database: a single
// SQLite file opened in single-writer mode, with schema managed by
// versioned migrations. The Querier/WithTransaction idiom mirrors the
// teacher's pgx-based repository.DB, adapted from a connection pool to a
// single *sql.DB since modernc.org/sqlite is a pure-Go, CGO-free driver
// that does not benefit from pooled writers the way Postgres does.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/careagent/neuron/internal/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// txKey is the context key under which an in-flight *sql.Tx is stashed so
// repositories written against Querier work identically in or out of a
// transaction.
type txKey struct{}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the embedded SQLite handle.
type DB struct {
	conn *sql.DB
}

// Open opens (and creates, if absent) the embedded database file and runs
// all pending migrations. SQLite only tolerates one writer at a time, so
// the pool is capped at a single open connection; readers and writers
// alike serialize through it rather than racing SQLITE_BUSY.
func Open(ctx context.Context, cfg config.StorageConfig) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// migrate applies every migration under migrations/ that has not yet been
// recorded in schema_migrations.
func (db *DB) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("construct migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Querier returns a Querier bound to the in-flight transaction if ctx
// carries one, otherwise the raw connection.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.conn
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back if fn returns an error (same contract as the teacher's
// repository.DB.WithTransaction).
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("storage: not found")

// Get scans a single row into a new T using scan, returning ErrNotFound if
// the query produces no rows.
func Get[T any](ctx context.Context, q Querier, scan func(*sql.Row) (T, error), query string, args ...any) (T, error) {
	row := q.QueryRowContext(ctx, query, args...)
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

// All scans every row into a T via scan, collecting the results.
func All[T any](ctx context.Context, q Querier, scan func(*sql.Rows) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
