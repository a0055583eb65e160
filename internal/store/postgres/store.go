// Package postgres is the production store. Each unit of work runs in a
// READ COMMITTED transaction and takes row locks with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/store/migrate"
	"github.com/example/escrow-resolution/internal/store/postgres/migrations"
)

const maxRetries = 3

type Store struct {
	Pool *pgxpool.Pool
}

var _ disputes.Store = (*Store)(nil)

// Open connects to dsn and applies embedded migrations.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate.Apply(ctx, Target{Pool: pool}, migrations.FS); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// InTx runs fn in a read-write transaction, retrying serialization failures
// and deadlocks. fn must only have database side effects.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx disputes.Tx) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, true, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == maxRetries-1 {
			return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return nil
}

// View runs fn in a read-only REPEATABLE READ snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx disputes.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, commit bool, fn func(ctx context.Context, tx disputes.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(ctx, &txn{tx: tx}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Target applies migrations through a pgx pool.
type Target struct {
	Pool *pgxpool.Pool
}

func (t Target) EnsureTable(ctx context.Context) error {
	_, err := t.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`)
	return err
}

func (t Target) Applied(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := t.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+migrate.Table+` WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

func (t Target) Apply(ctx context.Context, name, upSQL string, at time.Time) error {
	tx, err := t.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// No arguments, so pgx uses the simple protocol and accepts several
	// statements at once.
	if _, err := tx.Exec(ctx, upSQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+migrate.Table+` (name, applied_at) VALUES ($1, $2)`, name, at); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}
