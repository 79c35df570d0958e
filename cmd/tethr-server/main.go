// Package main is the entry point for the tethr-server binary.
// It wires all internal packages together and starts the HTTP listener.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the data directory and load persisted projects
//  4. Build metrics, hub, dispatcher, executor, and handlers
//  5. Start the maintenance scheduler (stats broadcast, pruning)
//  6. Serve HTTP (optionally TLS) until SIGINT/SIGTERM
//  7. Graceful shutdown: stop accepting, kill executions, close sessions
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/api"
	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/executor"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/project"
	"github.com/tethr-io/tethr/internal/scheduler"
	"github.com/tethr-io/tethr/internal/storage"
	"github.com/tethr-io/tethr/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	cfg, envErr := config.FromEnv()

	root := &cobra.Command{
		Use:   "tethr-server",
		Short: "Tethr server — drive a local coding agent from remote clients",
		Long: `Tethr server exposes a WebSocket API that lets remote clients create
projects bound to local directories, run the Claude CLI against them,
and follow agent output and project state from any number of viewers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	cfg.BindFlags(root.Flags())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tethr-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting tethr server",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("agent", cfg.AgentPath),
		zap.Bool("tls", cfg.TLSEnabled()),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Storage and project registry ---
	store, err := storage.NewStore(cfg.DataDir, cfg.LogRotateSize, cfg.LogRotateEntries)
	if err != nil {
		return fmt.Errorf("failed to open data dir: %w", err)
	}
	registry := project.NewManager(store, cfg.MaxProjects, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}

	// --- Metrics, hub, dispatcher ---
	prom := metrics.NewPrometheus()
	hub := websocket.NewHub(cfg, prom, logger)
	dispatcher := websocket.NewDispatcher(hub, logger)
	hub.SetDispatcher(dispatcher)

	// --- Executor ---
	exec := executor.New(executor.Config{
		AgentPath:     cfg.AgentPath,
		Timeout:       cfg.ExecutionTimeout,
		MaxConcurrent: cfg.MaxConcurrentExecutions,
	}, registry, websocket.NewHubNotifier(hub, logger), prom, logger)

	// --- Message handlers ---
	// Middleware order: panics are caught first, then every message is
	// logged and counted, then validated.
	dispatcher.Use(
		websocket.Recover(logger),
		websocket.Logging(logger),
		websocket.Metrics(prom),
		websocket.Validation(hub),
	)
	websocket.NewHandlers(registry, exec, hub, prom, logger).Register(dispatcher)

	// --- Maintenance scheduler ---
	limiter := websocket.NewIPLimiter(cfg.ConnectionsPerIPRate, cfg.MaxConnectionsPerIP)
	stats := websocket.NewStatsCollector(hub, registry, exec, prom, cfg.DataDir, logger)
	sched, err := scheduler.New(stats, limiter, registry, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewRouter(api.RouterConfig{
			Config:   cfg,
			Hub:      hub,
			Limiter:  limiter,
			Recorder: prom,
			Logger:   logger,
			Gatherer: prom.Registry(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if cfg.TLSEnabled() {
			serveErr = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
		return err
	}

	// --- Graceful shutdown ---
	// Stop accepting upgrades, terminate running executions, then close
	// every session with a going-away frame. Each step shares the same
	// grace window.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor shutdown incomplete", zap.Error(err))
	}
	hub.Shutdown()
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	registry.CloseIdleLogs(0)

	logger.Info("tethr server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
