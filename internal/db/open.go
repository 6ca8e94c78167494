package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
)

const connectTimeout = 10 * time.Second

// Open connects to the configured driver: sqlite (default) or postgres.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var (
		pool *Pool
		err  error
	)
	switch driver := strings.ToLower(cfg.Driver); driver {
	case "", "sqlite":
		pool, err = openSQLite(ctx, cfg.Path)
		if err == nil {
			log.Info("Database opened", zap.String("db_driver", "sqlite"), zap.String("db_path", cfg.Path))
		}
	case "postgres":
		pool, err = openPostgres(ctx, cfg)
		if err == nil {
			log.Info("Database opened", zap.String("db_driver", "postgres"))
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return pool, err
}
