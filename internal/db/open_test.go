package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/db/dialect"
)

func openTemp(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "agentgate.db")
	pool, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestOpen_SQLiteSplitsReaderAndWriter(t *testing.T) {
	pool := openTemp(t)

	assert.Equal(t, dialect.SQLite3, pool.Driver())
	assert.NotSame(t, pool.Writer(), pool.Reader())

	_, err := pool.Writer().Exec(`CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO t (v) VALUES ('x')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM t`))
	assert.Equal(t, "x", v)

	_, err = pool.Reader().Exec(`INSERT INTO t (v) VALUES ('y')`)
	assert.Error(t, err, "reader is read-only")
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, config.DatabaseConfig{Driver: "mysql"}, logger.Nop())
	assert.Error(t, err)
	_, err = Open(ctx, config.DatabaseConfig{Driver: "sqlite"}, logger.Nop())
	assert.Error(t, err)
	_, err = Open(ctx, config.DatabaseConfig{Driver: "postgres"}, logger.Nop())
	assert.Error(t, err)
}

func TestMigrate_AppliesOnce(t *testing.T) {
	pool := openTemp(t)
	ctx := context.Background()
	stmts := []string{`CREATE TABLE items (name TEXT)`, `INSERT INTO items (name) VALUES ('seed')`}

	require.NoError(t, pool.Migrate(ctx, "items_v1", stmts))
	require.NoError(t, pool.Migrate(ctx, "items_v1", stmts))

	var n int
	require.NoError(t, pool.Reader().Get(&n, `SELECT COUNT(*) FROM items`))
	assert.Equal(t, 1, n)
}

func TestMigrate_FailedStepRollsBack(t *testing.T) {
	pool := openTemp(t)
	ctx := context.Background()

	err := pool.Migrate(ctx, "broken", []string{`CREATE TABLE ok (v TEXT)`, `NOT SQL`})
	require.Error(t, err)

	var n int
	require.NoError(t, pool.Reader().Get(&n, `SELECT COUNT(*) FROM schema_migrations WHERE name = 'broken'`))
	assert.Zero(t, n)
	require.NoError(t, pool.Migrate(ctx, "broken", []string{`CREATE TABLE ok (v TEXT)`}))
}
