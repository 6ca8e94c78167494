package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/constants"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/conversation"
	"github.com/kandev/agentgate/internal/dispatch"
	"github.com/kandev/agentgate/internal/events/bus"
	"github.com/kandev/agentgate/internal/gateway"
	"github.com/kandev/agentgate/internal/pool"
	"github.com/kandev/agentgate/internal/tmux"
	"github.com/kandev/agentgate/internal/tracker"
	"github.com/kandev/agentgate/internal/transport"
)

// services are the long-lived execution components.
type services struct {
	Transports *transport.Factory
	Sessions   *tmux.Manager
	Pool       *pool.Pool // nil when no pool target is configured
	Tracker    *tracker.Tracker
	Dispatcher *dispatch.Dispatcher

	cfg    *config.Config
	rt     *runtimeDeps
	logger *logger.Logger
}

func provideServices(ctx context.Context, cfg *config.Config, rt *runtimeDeps, eventBus bus.EventBus, log *logger.Logger) (*services, error) {
	transports := transport.NewFactory(cfg.Transport, rt.Runner, log, transport.WithEventBus(eventBus))

	sessions := tmux.NewManager(rt.Runner, tmux.Config{
		MaxPerTarget:    cfg.Sessions.MaxPerTarget,
		IdleTimeout:     config.Ms(cfg.Sessions.IdleTimeoutMs),
		SendTimeout:     config.Ms(cfg.Sessions.SendTimeoutMs),
		CleanupInterval: config.Ms(cfg.Sessions.CleanupIntervalMs),
		StagingDir:      cfg.Sessions.StagingDir,
		WorkDir:         cfg.Sessions.WorkDir,
		AgentCommand:    cfg.Sessions.AgentCommand,
	}, eventBus, log)

	tr, err := tracker.New(tracker.Config{
		Dir:        cfg.Tracker.Dir,
		CacheSize:  cfg.Tracker.CacheSize,
		CacheTTL:   config.Ms(cfg.Tracker.CacheTTLMs),
		StaleAfter: config.Ms(cfg.Tracker.StaleAfterMs),
		HungAfter:  config.Ms(cfg.Tracker.HungAfterMs),
	}, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("request tracker: %w", err)
	}

	recoverCtx, cancel := context.WithTimeout(ctx, constants.RecoveryTimeout)
	stats, err := tr.RecoverState(recoverCtx)
	cancel()
	if err != nil {
		log.Warn("Request recovery incomplete", zap.Error(err))
	} else {
		log.Info("Request recovery finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("deleted", stats.Deleted),
			zap.Int("timed_out", stats.TimedOut),
			zap.Int("corrupt", stats.Corrupt))
	}

	dispatcher := dispatch.New(dispatch.Config{
		AsyncMode:        cfg.Dispatch.AsyncMode,
		MaxPromptLength:  cfg.Dispatch.MaxPromptLength,
		MaxLineLength:    cfg.Dispatch.MaxLineLength,
		SyncTimeout:      config.Ms(cfg.Dispatch.SyncTimeoutMs),
		AsyncTimeout:     config.Ms(cfg.Dispatch.AsyncTimeoutMs),
		DefaultWorkspace: cfg.Gateway.DefaultWorkspace,
	}, transports, sessions, tr, log)

	svc := &services{
		Transports: transports,
		Sessions:   sessions,
		Tracker:    tr,
		Dispatcher: dispatcher,
		cfg:        cfg,
		rt:         rt,
		logger:     log,
	}

	if cfg.Pool.Target != "" {
		resolveCtx, cancel := context.WithTimeout(ctx, constants.TargetResolveTimeout)
		target, err := rt.Resolver.Resolve(resolveCtx, cfg.Pool.Target)
		cancel()
		if err != nil {
			log.Warn("Workspace pool disabled: target not available",
				zap.String("instance", cfg.Pool.Target), zap.Error(err))
		} else {
			svc.Pool = pool.New(target.ID, sessions, pool.Config{
				MaxSessions:       cfg.Pool.MaxSessions,
				InactivityTimeout: config.Ms(cfg.Pool.InactivityTimeoutMs),
				CleanupInterval:   config.Ms(cfg.Pool.CleanupIntervalMs),
				DrainGrace:        config.Ms(cfg.Pool.DrainGraceMs),
			}, eventBus, log, pool.WithRequestTracking(tr))
		}
	}
	return svc, nil
}

// Start discovers sessions left by a previous run and starts the cleanup loops.
func (s *services) Start(ctx context.Context) {
	discoverCtx, cancel := context.WithTimeout(ctx, constants.DiscoveryTimeout)
	defer cancel()

	targets := resolveNames(discoverCtx, s.rt.Resolver, []string{s.cfg.Gateway.DefaultInstance, s.cfg.Pool.Target}, s.logger)
	seen := make(map[string]bool, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if !seen[t.ID] {
			seen[t.ID] = true
			ids = append(ids, t.ID)
		}
	}
	if stats, err := s.Sessions.DiscoverExistingSessions(discoverCtx, ids); err != nil {
		s.logger.Warn("Session discovery failed", zap.Error(err))
	} else {
		s.logger.Info("Discovered existing sessions", zap.Int("adopted", stats.Adopted), zap.Int("dropped", stats.Dropped))
	}
	s.Sessions.Start(ctx)

	if s.Pool != nil {
		if n, err := s.Pool.Discover(discoverCtx); err != nil {
			s.logger.Warn("Workspace pool discovery failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Adopted workspace sessions", zap.Int("count", n))
		}
		s.Pool.Start(ctx)
	}
}

// Stop drains the pool and halts the cleanup loops. Per-chat sessions keep
// running so a restart can adopt them.
func (s *services) Stop(ctx context.Context) {
	if s.Pool != nil {
		s.Pool.Stop(ctx)
	}
	s.Sessions.Stop()
}

func provideGateway(cfg *config.Config, store *conversation.Store, rt *runtimeDeps, svc *services, log *logger.Logger) *gateway.Service {
	return gateway.NewService(gateway.Config{
		DefaultInstance:  cfg.Gateway.DefaultInstance,
		DefaultWorkspace: cfg.Gateway.DefaultWorkspace,
		HistoryLimit:     cfg.Gateway.HistoryLimit,
	}, store, rt.Resolver, svc.Transports, svc.Dispatcher, log)
}
