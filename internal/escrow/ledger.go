package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/pkg/audit"
)

// Ledger applies escrow transitions inside a transaction owned by the
// caller. Every transition appends an Event and an audit entry through the
// same Store.
type Ledger struct {
	audit *audit.Logger
	now   func() time.Time
}

func NewLedger(logger *audit.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = audit.NewLogger(now)
	}
	return &Ledger{audit: logger, now: now}
}

// AmountScale is the number of fractional digits the stores keep.
const AmountScale = 4

// checkScale rejects amounts the NUMERIC(19, 4) columns would round.
func checkScale(kind string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: %s amount %s has more than %d decimal places", ErrInvalidAmount, kind, amount, AmountScale)
	}
	return nil
}

// HoldRequest opens escrow for a paid order.
type HoldRequest struct {
	OrderID string
	Amount  decimal.Decimal
	ActorID string
	Reason  string
}

// Hold creates the account in HELD status.
func (l *Ledger) Hold(ctx context.Context, store Store, req HoldRequest) (*Account, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: hold amount must be positive, got %s", ErrInvalidAmount, req.Amount)
	}
	if err := checkScale("hold", req.Amount); err != nil {
		return nil, err
	}
	if _, err := store.GetAccount(ctx, req.OrderID); err == nil {
		return nil, fmt.Errorf("%w: order %s", ErrAccountExists, req.OrderID)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := l.timestamp()
	acct := &Account{
		ID:        uuid.NewString(),
		OrderID:   req.OrderID,
		Held:      req.Amount,
		Released:  decimal.Zero,
		Refunded:  decimal.Zero,
		Status:    StatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("insert escrow account: %w", err)
	}
	ev := &Event{Operation: OpHold, To: StatusHeld, Amount: req.Amount, Reason: req.Reason, ActorID: req.ActorID}
	if err := l.record(ctx, store, nil, acct, ev, audit.ActionEscrowHeld); err != nil {
		return nil, err
	}
	return acct, nil
}

// FreezeRequest locks the funds of a disputed order.
type FreezeRequest struct {
	OrderID string
	ActorID string
	Reason  string
}

// Freeze moves HELD to FROZEN. Freezing a FROZEN account is a no-op.
func (l *Ledger) Freeze(ctx context.Context, store Store, req FreezeRequest) (*Account, error) {
	acct, err := store.LockAccount(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	switch acct.Status {
	case StatusFrozen:
		return acct, nil
	case StatusHeld:
	default:
		return nil, &TransitionError{OrderID: req.OrderID, From: acct.Status, Operation: string(OpFreeze)}
	}

	before := *acct
	acct.Status = StatusFrozen
	ev := &Event{Operation: OpFreeze, From: before.Status, To: StatusFrozen, Amount: acct.Held, Reason: req.Reason, ActorID: req.ActorID}
	if err := l.record(ctx, store, &before, acct, ev, audit.ActionEscrowFrozen); err != nil {
		return nil, err
	}
	return acct, nil
}

// ReleaseRequest pays out frozen funds to the seller side. Order, when set,
// is used to compute the Distribution.
type ReleaseRequest struct {
	OrderID string
	Order   *orders.Order
	ActorID string
	Reason  string
}

// Release moves FROZEN to RELEASED with Released = Held - Refunded.
func (l *Ledger) Release(ctx context.Context, store Store, req ReleaseRequest) (*Account, error) {
	acct, err := store.LockAccount(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusFrozen {
		return nil, &TransitionError{OrderID: req.OrderID, From: acct.Status, Operation: string(OpRelease)}
	}

	before := *acct
	amount := acct.Held.Sub(acct.Refunded)
	acct.Released = amount
	acct.Status = StatusReleased
	ev := &Event{
		Operation:    OpRelease,
		From:         before.Status,
		To:           StatusReleased,
		Amount:       amount,
		Reason:       req.Reason,
		ActorID:      req.ActorID,
		Distribution: Distribute(req.Order, amount),
	}
	if err := l.record(ctx, store, &before, acct, ev, audit.ActionEscrowReleased); err != nil {
		return nil, err
	}
	return acct, nil
}

// RefundRequest returns frozen funds to the buyer. A nil Amount refunds the
// full held amount; a partial refund releases the remainder to the seller.
type RefundRequest struct {
	OrderID       string
	Order         *orders.Order
	Amount        *decimal.Decimal
	PendingReturn bool
	ActorID       string
	Reason        string
}

// Refund moves FROZEN to REFUNDED.
func (l *Ledger) Refund(ctx context.Context, store Store, req RefundRequest) (*Account, error) {
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: refund amount must be positive, got %s", ErrInvalidAmount, req.Amount)
		}
		if err := checkScale("refund", *req.Amount); err != nil {
			return nil, err
		}
	}

	acct, err := store.LockAccount(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusFrozen {
		return nil, &TransitionError{OrderID: req.OrderID, From: acct.Status, Operation: string(OpRefund)}
	}

	amount := acct.Held
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount.GreaterThan(acct.Held) {
		return nil, fmt.Errorf("%w: requested %s, held %s", ErrOverRefund, amount, acct.Held)
	}

	before := *acct
	acct.Refunded = amount
	acct.Released = acct.Held.Sub(amount)
	acct.Status = StatusRefunded
	acct.PendingReturn = req.PendingReturn

	ev := &Event{
		Operation: OpRefund,
		From:      before.Status,
		To:        StatusRefunded,
		Amount:    amount,
		Reason:    req.Reason,
		ActorID:   req.ActorID,
	}
	if acct.Released.IsPositive() {
		ev.Distribution = Distribute(req.Order, acct.Released)
	}
	if err := l.record(ctx, store, &before, acct, ev, audit.ActionEscrowRefunded); err != nil {
		return nil, err
	}
	return acct, nil
}

// SettleRequest releases undisputed funds once the settlement window has
// passed.
type SettleRequest struct {
	OrderID string
	Order   *orders.Order
	ActorID string
	Reason  string
}

// Settle moves HELD to RELEASED.
func (l *Ledger) Settle(ctx context.Context, store Store, req SettleRequest) (*Account, error) {
	acct, err := store.LockAccount(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusHeld {
		return nil, &TransitionError{OrderID: req.OrderID, From: acct.Status, Operation: string(OpSettle)}
	}

	before := *acct
	acct.Released = acct.Held
	acct.Status = StatusReleased
	ev := &Event{
		Operation:    OpSettle,
		From:         before.Status,
		To:           StatusReleased,
		Amount:       acct.Held,
		Reason:       req.Reason,
		ActorID:      req.ActorID,
		Distribution: Distribute(req.Order, acct.Held),
	}
	if err := l.record(ctx, store, &before, acct, ev, audit.ActionEscrowSettled); err != nil {
		return nil, err
	}
	return acct, nil
}

// History returns the account and its events oldest first.
func (l *Ledger) History(ctx context.Context, repo Repository, orderID string) (*Account, []Event, error) {
	acct, err := repo.GetAccount(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	events, err := repo.EscrowEvents(ctx, acct.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load escrow events: %w", err)
	}
	return acct, events, nil
}

type auditSnapshot struct {
	Account      *Account      `json:"account"`
	Distribution *Distribution `json:"distribution,omitempty"`
}

func (l *Ledger) record(ctx context.Context, store Store, before, after *Account, ev *Event, action audit.Action) error {
	if !after.Balanced() {
		return fmt.Errorf("%w: released %s + refunded %s exceeds held %s", ErrOverRefund, after.Released, after.Refunded, after.Held)
	}

	now := l.timestamp()
	after.UpdatedAt = now
	if before != nil {
		if err := store.UpdateAccount(ctx, after); err != nil {
			return fmt.Errorf("update escrow account: %w", err)
		}
	}

	ev.ID = uuid.NewString()
	ev.AccountID = after.ID
	ev.OrderID = after.OrderID
	ev.CreatedAt = now
	if err := store.InsertEscrowEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert escrow event: %w", err)
	}

	details := audit.Details{
		ActorID: ev.ActorID,
		After:   auditSnapshot{Account: after, Distribution: ev.Distribution},
		Reason:  ev.Reason,
	}
	if before != nil {
		details.Before = auditSnapshot{Account: before}
	}
	if _, err := l.audit.Log(ctx, store, action, audit.EntityEscrow, after.OrderID, details); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}
