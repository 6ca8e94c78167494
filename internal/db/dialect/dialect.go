// Package dialect hides the SQL differences between SQLite and PostgreSQL.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// sqlx driver names.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

func IsPostgres(driver string) bool { return driver == PGX }

// SerialKey is the column type of a generated integer primary key.
func SerialKey(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// InsertID runs an INSERT written with ? placeholders on a DB or Tx and
// returns the generated id column.
func InsertID(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (int64, error) {
	if IsPostgres(q.DriverName()) {
		var id int64
		if err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	return res.LastInsertId()
}
