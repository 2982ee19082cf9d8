package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/vizbox/internal/config"
	"github.com/jkaninda/vizbox/internal/display"
	"github.com/jkaninda/vizbox/internal/observability"
	"github.com/jkaninda/vizbox/internal/runner"
	"github.com/jkaninda/vizbox/internal/server"
	"github.com/jkaninda/vizbox/internal/workspace"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution service (HTTP API + sweep scheduler)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `vizbox --config path` and `vizbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// goEnvConfigPath resolves the config path from env or the --config flag.
func goEnvConfigPath() string {
	return goutils.Env("VIZBOX_CONFIG", serveConfigPath)
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("VIZBOX_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		return fmt.Errorf("serve mode requires http.enabled in config")
	}

	logger.Info("starting vizbox", slog.String("config", serveConfigPath))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	scratch, err := workspace.NewManager(cfg.ScratchRoot)
	if err != nil {
		return err
	}
	displays := display.NewManager(cfg.Display, logger)

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}
	supervisor := runner.New(cfg, scratch, displays, metrics, obs.TracerOrNil(), logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Age-based garbage collection on a cron schedule.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sweep.CronSchedule(), func() {
		if n := supervisor.Sweep(cfg.Sweep.MaxAge()); n > 0 {
			logger.Info("sweep complete", slog.Int("purged", n))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweep.CronSchedule(), err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	api := server.New(cfg.HTTP, supervisor, obs, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	// Best-effort purge of everything still tracked.
	supervisor.Sweep(0)
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}
	return nil
}
