package main

import (
	"context"
	"fmt"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/conversation"
	"github.com/kandev/agentgate/internal/db"
)

func provideStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*conversation.Store, func() error, error) {
	pool, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store, cleanup, err := conversation.Provide(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return store, cleanup, nil
}
