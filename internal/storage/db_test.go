package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neuron.db")
	db, err := Open(context.Background(), config.StorageConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Health(context.Background()))

	var count int
	row := db.conn.QueryRowContext(context.Background(),
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='relationships'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithTransactionCommitsAndRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := db.Querier(ctx).ExecContext(ctx,
			`INSERT INTO api_keys (key_id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
			"k1", "test", "hash1", "2026-01-01T00:00:00Z")
		return err
	})
	require.NoError(t, err)

	var name string
	err = db.conn.QueryRowContext(ctx, `SELECT name FROM api_keys WHERE key_id = ?`, "k1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "test", name)

	sentinel := require.New(t)
	rollbackErr := db.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := db.Querier(ctx).ExecContext(ctx,
			`INSERT INTO api_keys (key_id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
			"k2", "test2", "hash2", "2026-01-01T00:00:00Z")
		if err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	sentinel.Error(rollbackErr)

	err = db.conn.QueryRowContext(ctx, `SELECT name FROM api_keys WHERE key_id = ?`, "k2").Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetReturnsErrNotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := Get(ctx, db.Querier(ctx), func(r *sql.Row) (string, error) {
		var s string
		err := r.Scan(&s)
		return s, err
	}, `SELECT name FROM api_keys WHERE key_id = ?`, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
