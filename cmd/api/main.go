package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/escrow-resolution/internal/api"
	"github.com/example/escrow-resolution/internal/bootstrap"
	"github.com/example/escrow-resolution/internal/config"
	"github.com/example/escrow-resolution/internal/security"
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

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allowlist, err := security.ParseCIDRAllowlist(cfg.AdminAllowlist)
	if err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := bootstrap.Notifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Wait()

	manager := bootstrap.NewManager(cfg, store, notifier, logger)

	var limiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		limiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "escrow_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillRate,
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:            logger,
		Disputes:          manager,
		Health:            store.Ping,
		RateLimiter:       limiter,
		AdminAllowlist:    allowlist,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw := sweeper.New(sweeper.Config{
			Service:     manager,
			Logger:      logger,
			Interval:    cfg.SweepInterval,
			Concurrency: cfg.SweepConcurrency,
			BatchSize:   cfg.SweepBatchSize,
		})
		_ = sw.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("escrow resolution api listening", "addr", cfg.APIAddr, "driver", cfg.DatabaseDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-sweepDone
		return err
	}
	<-sweepDone
	return nil
}
