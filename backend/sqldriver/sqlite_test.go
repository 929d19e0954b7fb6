package sqldriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/BaSui01/connpool/pool"
)

func newSQLitePool(t *testing.T) *pool.Pool {
	t.Helper()
	c, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)

	cfg := testPoolConfig()
	cfg.ConnectionTestStatement = "SELECT 1"
	cfg.InitStatement = "PRAGMA foreign_keys = ON"
	p, err := pool.New(context.Background(), c, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestSQLite_HandleRoundTrip(t *testing.T) {
	p := newSQLitePool(t)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	res, err := h.Exec(ctx, "INSERT INTO users (name) VALUES (?), (?)", "alice", "bob")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := h.Query(ctx, "SELECT name FROM users ORDER BY id")
	require.NoError(t, err)
	var names []string
	dest := make([]driver.Value, 1)
	for {
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch v := dest[0].(type) {
		case string:
			names = append(names, v)
		case []byte:
			names = append(names, string(v))
		}
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"alice", "bob"}, names)

	assert.NoError(t, h.Conn().IsValid(ctx, "SELECT 1"))
	assert.NoError(t, h.Conn().IsValid(ctx, ""))
}

func TestSQLite_ErrorsKeepConnection(t *testing.T) {
	p := newSQLitePool(t)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.Exec(ctx, "SELECT * FROM missing_table")
	require.Error(t, err)
	assert.False(t, h.IsBroken())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, p.TotalFree())
}

func TestSQLite_OverBridge(t *testing.T) {
	p := newSQLitePool(t)
	db := OpenDB(p)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "answer", 42)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var v int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", "answer").Scan(&v))
	assert.Equal(t, 42, v)

	// A single pooled connection keeps the in-memory database alive.
	assert.Equal(t, 1, p.TotalCreated())
	assert.Equal(t, 0, p.TotalLeased())
}
