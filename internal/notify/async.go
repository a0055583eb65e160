package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Async delivers events on background goroutines so callers never wait on
// SMTP or other slow sinks. Wait blocks until in-flight deliveries finish.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, logger *slog.Logger, timeout time.Duration) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, logger: logger, timeout: timeout}
}

// Notify always returns nil; delivery errors are logged.
func (a *Async) Notify(ctx context.Context, e Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(sendCtx, e); err != nil {
			a.logger.Error("notification_failed", "kind", e.Kind, "dispute_id", e.DisputeID, "order_id", e.OrderID, "err", err)
		}
	}()
	return nil
}

func (a *Async) Wait() {
	a.wg.Wait()
}
