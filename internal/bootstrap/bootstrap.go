// Package bootstrap wires configuration into the running engine. It is
// shared by the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/escrow-resolution/internal/config"
	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/notify"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/internal/store/postgres"
	"github.com/example/escrow-resolution/internal/store/sqlite"
)

type Store interface {
	disputes.Store
	Ping(ctx context.Context) error
	Close() error
}

func NewLogger(cfg *config.Config) *slog.Logger {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

// Notifier logs every event and, when SMTP is configured, mails it too.
// Delivery happens off the request path; call Wait before exiting.
func Notifier(cfg *config.Config, logger *slog.Logger) (*notify.Async, error) {
	sinks := notify.Multi{notify.LogNotifier{Logger: logger}}
	if mc, ok := cfg.Mail(); ok {
		mailer, err := notify.NewMailNotifier(mc)
		if err != nil {
			return nil, fmt.Errorf("mail notifier: %w", err)
		}
		sinks = append(sinks, mailer)
	}
	return notify.NewAsync(sinks, logger, 0), nil
}

func NewManager(cfg *config.Config, store Store, n notify.Notifier, logger *slog.Logger) *disputes.Manager {
	return disputes.NewManager(disputes.Config{
		Store:            store,
		Evaluator:        rules.NewEvaluator(cfg.Policy()),
		Notifier:         n,
		Logger:           logger,
		TxTimeout:        cfg.TxTimeout,
		SettlementWindow: cfg.SettlementWindow,
	})
}
