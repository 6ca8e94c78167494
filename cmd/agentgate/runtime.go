package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/docker"
	"github.com/kandev/agentgate/internal/runtime"
)

// runtimeDeps are the pieces that reach into targets.
type runtimeDeps struct {
	Runner   runtime.Runner
	Resolver *runtime.Resolver
}

func provideRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (*runtimeDeps, func() error, error) {
	if !cfg.Docker.Enabled {
		log.Info("Docker disabled, running agents on the local host")
		return &runtimeDeps{
			Runner:   runtime.NewLocalRunner(cfg.Sessions.WorkDir, log),
			Resolver: runtime.NewResolver(nil, log),
		}, func() error { return nil }, nil
	}

	client, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return nil, nil, fmt.Errorf("docker client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("docker daemon not available: %w", err)
	}
	log.Info("Connected to Docker daemon")

	return &runtimeDeps{
		Runner:   runtime.NewDockerRunner(client, nil, log),
		Resolver: runtime.NewResolver(client, log),
	}, client.Close, nil
}

// resolveNames resolves instance names for startup discovery, skipping the
// ones that are not running.
func resolveNames(ctx context.Context, resolver *runtime.Resolver, names []string, log *logger.Logger) []runtime.Target {
	seen := make(map[string]bool, len(names))
	var out []runtime.Target
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		target, err := resolver.Resolve(ctx, name)
		if err != nil {
			log.Warn("Skipping target during discovery", zap.String("instance", name), zap.Error(err))
			continue
		}
		out = append(out, target)
	}
	return out
}
