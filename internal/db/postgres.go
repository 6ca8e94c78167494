package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/db/dialect"
)

// openPostgres connects through pgx's database/sql driver. The same pool
// serves reads and writes.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required for postgres")
	}
	conn, err := sqlx.ConnectContext(ctx, dialect.PGX, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MaxConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		conn.SetMaxIdleConns(cfg.MinConns)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)
	return NewPool(conn, conn), nil
}
