package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentgate/internal/db/dialect"
)

const (
	sqliteBusyTimeoutMs = 5000
	sqliteReaderConns   = 4
)

// openSQLite opens the writer first, which creates the file and switches it
// to WAL, then a read-only pool over the same file.
func openSQLite(ctx context.Context, path string) (*Pool, error) {
	if path == "" {
		return nil, errors.New("database.path is required for sqlite")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	writer, err := sqlx.ConnectContext(ctx, dialect.SQLite3, sqliteDSN(abs, url.Values{
		"mode":          {"rwc"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.ConnectContext(ctx, dialect.SQLite3, sqliteDSN(abs, url.Values{"mode": {"ro"}}))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return NewPool(writer, reader), nil
}

func sqliteDSN(path string, params url.Values) string {
	params.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeoutMs))
	params.Set("_foreign_keys", "on")
	return "file:" + path + "?" + params.Encode()
}
