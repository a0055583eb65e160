package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/notify"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/pkg/audit"
)

// SettlementCandidates lists orders whose settlement window has passed.
func (m *Manager) SettlementCandidates(ctx context.Context, limit int) ([]string, error) {
	cutoff := m.now().Add(-m.settlementWindow)
	var ids []string
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		ids, err = tx.SettlementCandidates(ctx, cutoff, limit)
		return err
	})
	return ids, err
}

// SettleDelivered releases the escrow of an undisputed delivered order once
// the settlement window has passed, and marks the order SETTLED.
func (m *Manager) SettleDelivered(ctx context.Context, orderID string) (*escrow.Account, error) {
	return m.settle(ctx, settlement{
		orderID: orderID,
		actorID: SystemActor,
		action:  audit.ActionFundsSettled,
		reason:  "settlement window elapsed",
		window:  true,
	})
}

// ConfirmDelivery is the buyer accepting a delivered order. The escrow is
// released at once instead of at the end of the settlement window.
func (m *Manager) ConfirmDelivery(ctx context.Context, orderID, customerID string) (*escrow.Account, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	return m.settle(ctx, settlement{
		orderID:    orderID,
		actorID:    customerID,
		customerID: customerID,
		action:     audit.ActionDeliveryConfirmed,
		reason:     "delivery confirmed by customer",
	})
}

type settlement struct {
	orderID    string
	actorID    string
	// customerID, when set, must own the order.
	customerID string
	action     audit.Action
	reason     string
	// window requires the settlement window to have elapsed since delivery.
	window     bool
}

func (m *Manager) settle(ctx context.Context, req settlement) (*escrow.Account, error) {
	var acct *escrow.Account
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, req.orderID)
		if err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, req.orderID)
			}
			return err
		}
		if req.customerID != "" && o.CustomerID != req.customerID {
			return fmt.Errorf("%w: order %s", ErrNotOwner, o.ID)
		}
		if o.Status != orders.StatusDelivered {
			return fmt.Errorf("%w: order %s is %s", ErrNotSettleable, o.ID, o.Status)
		}

		active, err := tx.ActiveDisputeForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: dispute %s is %s", ErrConflict, active.ID, active.Status)
		}

		if req.window {
			timeline, err := tx.Timeline(ctx, o.ID)
			if err != nil {
				return err
			}
			deliveredAt, ok := orders.DeliveredAt(timeline)
			if !ok || m.now().Sub(deliveredAt) < m.settlementWindow {
				return fmt.Errorf("%w: order %s is inside the settlement window", ErrNotSettleable, o.ID)
			}
		}

		before := *o
		acct, err = m.ledger.Settle(ctx, tx, escrow.SettleRequest{OrderID: o.ID, Order: o, ActorID: req.actorID, Reason: req.reason})
		if err != nil {
			return err
		}
		if _, err := m.tracker.Transition(ctx, tx, o, orders.StatusSettled, req.reason); err != nil {
			return err
		}
		_, err = m.audit.Log(ctx, tx, req.action, audit.EntityOrder, o.ID, audit.Details{
			ActorID: req.actorID,
			Before:  &before,
			After:   o,
			Reason:  fmt.Sprintf("released %s: %s", acct.Released, req.reason),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "escrow_settled", "order_id", req.orderID, "released", acct.Released.String(), "actor_id", req.actorID)
	m.emit(ctx, notify.Event{Kind: notify.KindEscrowSettled, OrderID: req.orderID, ActorID: req.actorID, Status: string(acct.Status), Message: req.reason, OccurredAt: acct.UpdatedAt})
	return acct, nil
}
