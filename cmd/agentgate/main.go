// Package main is the agentgate entry point. It wires the transport layer,
// session managers, request tracker and dispatcher behind the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/agentgate/internal/api"
	"github.com/kandev/agentgate/internal/common/config"
	"github.com/kandev/agentgate/internal/common/constants"
	"github.com/kandev/agentgate/internal/common/logger"
	"github.com/kandev/agentgate/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "agentgate",
		Short:        "Gateway running chat prompts against AI agents in containers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPath(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPath(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return rootCmd
}

func serve(cfg *config.Config) error {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("agentgate exited with error", zap.Error(err))
		return err
	}
	return nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting agentgate...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanups []func() error
	runCleanups := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				log.Warn("Cleanup failed", zap.Error(err))
			}
		}
	}
	defer runCleanups()

	if enabled, err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	} else if enabled {
		log.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	// 1. Event bus
	eventBus, cleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)

	// 2. Runtime: docker or local host
	rt, cleanup, err := provideRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)

	// 3. Conversation store
	store, cleanup, err := provideStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, cleanup)

	// 4. Execution components
	svc, err := provideServices(ctx, cfg, rt, eventBus, log)
	if err != nil {
		return err
	}
	svc.Start(ctx)

	// 5. Chat gateway + HTTP API
	gw := provideGateway(cfg, store, rt, svc, log)
	router := api.NewRouter(cfg.Logging, api.Deps{
		Messages:      gw,
		Pool:          svc.Pool,
		Requests:      svc.Tracker,
		Transports:    svc.Transports,
		EventBus:      eventBus,
		MaxLineLength: cfg.Dispatch.MaxLineLength,
	}, log)
	server := api.NewServer(cfg.Server, router, log)
	serverErr := server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("Shutting down agentgate...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	svc.Stop(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentgate stopped")
	return runErr
}
