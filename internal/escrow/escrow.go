package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/pkg/audit"
)

// Status represents the state of an escrow account
type Status string

const (
	StatusHeld     Status = "HELD"
	StatusFrozen   Status = "FROZEN"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

var (
	ErrAccountNotFound   = errors.New("escrow: account not found")
	ErrAccountExists     = errors.New("escrow: account already exists")
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrOverRefund        = errors.New("escrow: refund exceeds held amount")
)

// TransitionError reports an operation attempted from a status that does not
// allow it.
type TransitionError struct {
	OrderID   string
	From      Status
	Operation string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid escrow operation %s from %s for order %s", e.Operation, e.From, e.OrderID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Account struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	Held          decimal.Decimal `json:"held_amount"`
	Released      decimal.Decimal `json:"released_amount"`
	Refunded      decimal.Decimal `json:"refunded_amount"`
	Status        Status          `json:"status"`
	PendingReturn bool            `json:"pending_return"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Outstanding is the amount neither released nor refunded.
func (a *Account) Outstanding() decimal.Decimal {
	return a.Held.Sub(a.Released).Sub(a.Refunded)
}

// Balanced reports whether Released + Refunded <= Held.
func (a *Account) Balanced() bool {
	return !a.Released.Add(a.Refunded).GreaterThan(a.Held)
}

type Operation string

const (
	OpHold    Operation = "HOLD"
	OpFreeze  Operation = "FREEZE"
	OpRelease Operation = "RELEASE"
	OpRefund  Operation = "REFUND"
	OpSettle  Operation = "SETTLE"
)

// Event is one row of an account's append-only history.
type Event struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	OrderID      string          `json:"order_id"`
	Operation    Operation       `json:"operation"`
	From         Status          `json:"from_status,omitempty"`
	To           Status          `json:"to_status"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason,omitempty"`
	ActorID      string          `json:"actor_id"`
	Distribution *Distribution   `json:"distribution,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Repository is implemented by a store transaction.
type Repository interface {
	InsertAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, orderID string) (*Account, error)
	// LockAccount reads the account and holds a row lock until the
	// transaction ends.
	LockAccount(ctx context.Context, orderID string) (*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	InsertEscrowEvent(ctx context.Context, e *Event) error
	EscrowEvents(ctx context.Context, accountID string) ([]Event, error)
}

// Store is everything the ledger writes to in one transaction.
type Store interface {
	Repository
	audit.Repository
}
