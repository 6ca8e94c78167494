// Package db opens the SQL connections behind the conversation store and
// applies its schema.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Pool pairs a writer with a reader. SQLite gets a single-connection writer
// and a read-only pool over the same WAL file; PostgreSQL uses one pgx pool
// for both.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader. Pass the same handle twice to share one pool.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

func (p *Pool) Writer() *sqlx.DB { return p.writer }
func (p *Pool) Reader() *sqlx.DB { return p.reader }
func (p *Pool) Driver() string   { return p.writer.DriverName() }

// Close closes the writer and, when distinct, the reader.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// Migrate applies stmts once under name. Applied names are recorded in
// schema_migrations, so repeated calls are no-ops.
func (p *Pool) Migrate(ctx context.Context, name string, stmts []string) error {
	if _, err := p.writer.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	tx, err := p.writer.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var applied int
	if err := tx.GetContext(ctx, &applied, tx.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`), name); err != nil {
		return fmt.Errorf("check migration %s: %w", name, err)
	}
	if applied > 0 {
		return nil
	}
	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s step %d: %w", name, i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`),
		name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}
