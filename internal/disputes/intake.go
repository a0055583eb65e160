package disputes

import (
	"context"
	"fmt"

	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/pkg/audit"
)

// Hooks for the order subsystem: placing an order, recording the cleared
// payment that opens escrow, and fulfilment progress.

func (m *Manager) PlaceOrder(ctx context.Context, o *orders.Order, actorID string) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := m.tracker.Place(ctx, tx, o); err != nil {
			return err
		}
		_, err := m.audit.Log(ctx, tx, audit.ActionOrderPlaced, audit.EntityOrder, o.ID, audit.Details{ActorID: actorID, After: o})
		return err
	})
}

// RecordPayment moves a CREATED order to PAID and holds its total in escrow.
func (m *Manager) RecordPayment(ctx context.Context, orderID, actorID string) (*escrow.Account, error) {
	var acct *escrow.Account
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := m.advance(ctx, tx, orderID, orders.StatusPaid, actorID, "payment cleared")
		if err != nil {
			return err
		}
		acct, err = m.ledger.Hold(ctx, tx, escrow.HoldRequest{OrderID: o.ID, Amount: o.Total, ActorID: actorID, Reason: "payment cleared"})
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// AdvanceOrder records fulfilment progress (CONFIRMED, SHIPPED, DELIVERED,
// COMPLETED).
func (m *Manager) AdvanceOrder(ctx context.Context, orderID string, to orders.Status, actorID, reason string) (*orders.Order, error) {
	switch to {
	case orders.StatusConfirmed, orders.StatusShipped, orders.StatusDelivered, orders.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: status %s is managed by the engine", ErrInvalidInput, to)
	}
	var o *orders.Order
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = m.advance(ctx, tx, orderID, to, actorID, reason)
		return err
	})
	return o, err
}

func (m *Manager) advance(ctx context.Context, tx Tx, orderID string, to orders.Status, actorID, reason string) (*orders.Order, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	before := *o
	if _, err := m.tracker.Transition(ctx, tx, o, to, reason); err != nil {
		return nil, err
	}
	if _, err := m.audit.Log(ctx, tx, audit.ActionOrderStatusChanged, audit.EntityOrder, o.ID, audit.Details{
		ActorID: actorID,
		Before:  &before,
		After:   o,
		Reason:  reason,
	}); err != nil {
		return nil, err
	}
	return o, nil
}
