package orders

import (
	"context"
	"fmt"
	"time"
)

// Tracker applies status changes and keeps the per-order timeline. It never
// opens a transaction of its own.
type Tracker struct {
	now func() time.Time
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Place records a new order in CREATED status.
func (t *Tracker) Place(ctx context.Context, repo Repository, o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidOrder)
	}
	if !o.Total.IsPositive() {
		return fmt.Errorf("%w: total must be positive, got %s", ErrInvalidOrder, o.Total)
	}
	if !o.Total.Equal(o.Total.Truncate(4)) {
		return fmt.Errorf("%w: total %s has more than 4 decimal places", ErrInvalidOrder, o.Total)
	}

	now := t.now().UTC().Truncate(time.Microsecond)
	o.Status = StatusCreated
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := repo.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return repo.AppendTimeline(ctx, &TimelineEntry{
		OrderID:   o.ID,
		To:        StatusCreated,
		Reason:    "order placed",
		Timestamp: now,
	})
}

// UpdateStatus locks the order and moves it to the target status.
func (t *Tracker) UpdateStatus(ctx context.Context, repo Repository, orderID string, to Status, reason string) (*Order, error) {
	o, err := repo.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := t.Transition(ctx, repo, o, to, reason); err != nil {
		return nil, err
	}
	return o, nil
}

// Transition moves an already locked order to the target status, updating o
// in place and appending exactly one timeline entry.
func (t *Tracker) Transition(ctx context.Context, repo Repository, o *Order, to Status, reason string) (*TimelineEntry, error) {
	if !IsValidTransition(o.Status, to) {
		return nil, &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}

	timeline, err := repo.Timeline(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}

	ts := t.now().UTC().Truncate(time.Microsecond)
	if n := len(timeline); n > 0 && !ts.After(timeline[n-1].Timestamp) {
		ts = timeline[n-1].Timestamp.Add(time.Microsecond)
	}

	entry := &TimelineEntry{
		OrderID:   o.ID,
		From:      o.Status,
		To:        to,
		Reason:    reason,
		Timestamp: ts,
	}
	if err := repo.UpdateOrderStatus(ctx, o.ID, to, ts); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if err := repo.AppendTimeline(ctx, entry); err != nil {
		return nil, fmt.Errorf("append timeline: %w", err)
	}

	o.Status = to
	o.UpdatedAt = ts
	return entry, nil
}
