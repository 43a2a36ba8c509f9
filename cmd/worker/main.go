package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"content-governance/internal/api"
	"content-governance/internal/app"
	"content-governance/internal/config"
	"content-governance/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.WorkerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	ops := api.New(a.Ready, a.Queue, logger)
	go func() {
		if err := ops.ListenAndServe(ctx, cfg.MetricsAddr); err != nil {
			logger.Error("ops server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", cfg.WorkerID,
		"store", cfg.StoreBackend,
		"reservations", cfg.ReservationBackend,
		"provider", cfg.GenerationProvider,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
	)
	if err := a.Worker().Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
