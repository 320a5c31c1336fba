package relstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenSQLite_CreatesWorkingPool(t *testing.T) {
	pool := openTestPool(t)
	assert.Equal(t, DialectSQLite, pool.Dialect())
	assert.False(t, pool.SupportsDropColumn())
	assert.False(t, pool.SupportsModifyColumn())
}

func TestPool_ExecAndQuery(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.ExecContext(ctx, `CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	_, err = pool.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "1", "gadget")
	require.NoError(t, err)

	var name string
	err = pool.QueryRowContext(ctx, `SELECT name FROM widgets WHERE id = ?`, "1").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "gadget", name)

	rows, err := pool.QueryContext(ctx, `SELECT id, name FROM widgets`)
	require.NoError(t, err)
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestPool_BeginTx_RollbackLeavesNoTrace(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	_, err := pool.ExecContext(ctx, `CREATE TABLE widgets (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	tx, err := pool.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO widgets (id) VALUES (?)`, "1")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	err = pool.QueryRowContext(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPostgresDialect_SupportsColumnOperations(t *testing.T) {
	pool := &Pool{dialect: DialectPostgres}
	assert.True(t, pool.SupportsDropColumn())
	assert.True(t, pool.SupportsModifyColumn())
}
