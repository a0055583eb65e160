// Package notify delivers post-commit notices about disputes and
// settlements. Delivery is best effort: a failed notice never affects the
// committed state it describes.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Kind string

const (
	KindDisputeRaised      Kind = "DISPUTE_RAISED"
	KindDisputeUnderReview Kind = "DISPUTE_UNDER_REVIEW"
	KindDisputeResolved    Kind = "DISPUTE_RESOLVED"
	KindEscrowSettled      Kind = "ESCROW_SETTLED"
)

type Event struct {
	Kind       Kind      `json:"kind"`
	DisputeID  string    `json:"dispute_id,omitempty"`
	OrderID    string    `json:"order_id"`
	ActorID    string    `json:"actor_id"`
	Status     string    `json:"status,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"kind", e.Kind,
		"dispute_id", e.DisputeID,
		"order_id", e.OrderID,
		"actor_id", e.ActorID,
		"status", e.Status,
		"verdict", e.Verdict,
	)
	return nil
}
