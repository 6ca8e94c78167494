package dialect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialKey(t *testing.T) {
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", SerialKey(PGX))
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", SerialKey(SQLite3))
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
}

func TestInsertID_SQLiteOnDBAndTx(t *testing.T) {
	db, err := sqlx.Open(SQLite3, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(`CREATE TABLE items (id ` + SerialKey(SQLite3) + `, name TEXT)`)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := InsertID(ctx, db, `INSERT INTO items (name) VALUES (?)`, "a")
	require.NoError(t, err)

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	second, err := InsertID(ctx, tx, `INSERT INTO items (name) VALUES (?)`, "b")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}
