// Command sweeper runs one settlement and re-evaluation pass and exits. It is
// meant to be scheduled by an external cron.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/escrow-resolution/internal/bootstrap"
	"github.com/example/escrow-resolution/internal/config"
	"github.com/example/escrow-resolution/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := sweepOnce(ctx, cfg, logger)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sweep finished", "report", rep.String())
	if rep.Failed > 0 {
		os.Exit(2)
	}
}

func sweepOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sweeper.Report, error) {
	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return sweeper.Report{}, err
	}
	defer store.Close()

	notifier, err := bootstrap.Notifier(cfg, logger)
	if err != nil {
		return sweeper.Report{}, err
	}
	defer notifier.Wait()

	sw := sweeper.New(sweeper.Config{
		Service:     bootstrap.NewManager(cfg, store, notifier, logger),
		Logger:      logger,
		Concurrency: cfg.SweepConcurrency,
		BatchSize:   cfg.SweepBatchSize,
	})
	return sw.RunOnce(ctx)
}
