// Package sweeper drives the time-based parts of the engine: re-evaluating
// active disputes as deadlines pass and settling delivered orders whose
// settlement window has elapsed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
)

type Service interface {
	List(ctx context.Context, f disputes.Filter) ([]*disputes.Dispute, error)
	Evaluate(ctx context.Context, disputeID string) (*disputes.Evaluation, error)
	SettlementCandidates(ctx context.Context, limit int) ([]string, error)
	SettleDelivered(ctx context.Context, orderID string) (*escrow.Account, error)
}

type Config struct {
	Service     Service
	Logger      *slog.Logger
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

type Sweeper struct {
	svc         Service
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	batchSize   int
}

func New(cfg Config) *Sweeper {
	s := &Sweeper{
		svc:         cfg.Service,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.batchSize <= 0 {
		s.batchSize = 200
	}
	return s
}

// Report summarizes one sweep. Skipped counts items another writer closed
// or changed first.
type Report struct {
	Evaluated int
	Applied   int
	Escalated int
	Settled   int
	Skipped   int
	Failed    int
}

func (r Report) String() string {
	return fmt.Sprintf("evaluated=%d applied=%d escalated=%d settled=%d skipped=%d failed=%d",
		r.Evaluated, r.Applied, r.Escalated, r.Settled, r.Skipped, r.Failed)
}

// RunOnce evaluates every active dispute, paging BatchSize at a time, and
// settles one batch of settlement candidates. Failures of individual items
// are logged and counted; only a failure to list work is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		mu  sync.Mutex
		rep Report
	)
	count := func(f func(*Report)) {
		mu.Lock()
		f(&rep)
		mu.Unlock()
	}

	filter := disputes.Filter{
		Statuses: []disputes.Status{disputes.StatusOpen, disputes.StatusUnderReview},
		Limit:    s.batchSize,
	}
	for {
		page, err := s.svc.List(ctx, filter)
		if err != nil {
			return rep, fmt.Errorf("list active disputes: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := s.evaluatePage(ctx, page, count); err != nil {
			return rep, err
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if len(page) < s.batchSize {
			break
		}
		filter.After = disputes.CursorOf(page[len(page)-1])
	}

	ids, err := s.svc.SettlementCandidates(ctx, s.batchSize)
	if err != nil {
		return rep, fmt.Errorf("list settlement candidates: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.svc.SettleDelivered(gctx, id)
			switch {
			case err == nil:
				count(func(r *Report) { r.Settled++ })
			case errors.Is(err, disputes.ErrConflict), errors.Is(err, disputes.ErrNotSettleable), errors.Is(err, escrow.ErrInvalidTransition):
				s.logger.InfoContext(gctx, "sweep_settle_skipped", "order_id", id, "reason", err.Error())
				count(func(r *Report) { r.Skipped++ })
			default:
				s.logger.ErrorContext(gctx, "sweep_settle_failed", "order_id", id, "error", err)
				count(func(r *Report) { r.Failed++ })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	return rep, ctx.Err()
}

// evaluatePage re-runs the rule table over one page of active disputes.
func (s *Sweeper) evaluatePage(ctx context.Context, page []*disputes.Dispute, count func(func(*Report))) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, d := range page {
		d := d
		g.Go(func() error {
			ev, err := s.svc.Evaluate(gctx, d.ID)
			switch {
			case err != nil:
				s.logger.ErrorContext(gctx, "sweep_evaluate_failed", "dispute_id", d.ID, "error", err)
				count(func(r *Report) { r.Failed++ })
			case ev.Applied:
				count(func(r *Report) { r.Evaluated++; r.Applied++ })
			case ev.Status == disputes.StatusUnderReview && d.Status == disputes.StatusOpen:
				count(func(r *Report) { r.Evaluated++; r.Escalated++ })
			case !ev.Status.Active():
				count(func(r *Report) { r.Skipped++ })
			default:
				count(func(r *Report) { r.Evaluated++ })
			}
			return nil
		})
	}
	return g.Wait()
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	rep, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep_failed", "error", err)
		}
		return
	}
	s.logger.InfoContext(ctx, "sweep_completed",
		"evaluated", rep.Evaluated,
		"applied", rep.Applied,
		"escalated", rep.Escalated,
		"settled", rep.Settled,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
