package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of an order
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusDisputed  Status = "DISPUTED"
	StatusCancelled Status = "CANCELLED"
	StatusSettled   Status = "SETTLED"
	StatusCompleted Status = "COMPLETED"
)

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	ErrInvalidOrder      = errors.New("orders: invalid order")
	ErrExists            = errors.New("orders: order already exists")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order transition from %s to %s for order %s", e.From, e.To, e.OrderID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Order struct {
	ID                 string          `json:"id"`
	CustomerID         string          `json:"customer_id"`
	DealerID           string          `json:"dealer_id"`
	Total              decimal.Decimal `json:"total"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	CommissionAmount   decimal.Decimal `json:"commission_amount"`
	ManufacturerAmount decimal.Decimal `json:"manufacturer_amount"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type TimelineEntry struct {
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from_status,omitempty"`
	To        Status    `json:"to_status"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository is implemented by a store transaction.
type Repository interface {
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	// LockOrder reads the order and holds a row lock until the transaction ends.
	LockOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status Status, at time.Time) error
	AppendTimeline(ctx context.Context, e *TimelineEntry) error
	// Timeline returns the entries of an order oldest first.
	Timeline(ctx context.Context, orderID string) ([]TimelineEntry, error)
}

// AllowedTransitions defines valid status transitions
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusCreated:   {StatusPaid, StatusCancelled},
		StatusPaid:      {StatusConfirmed, StatusDisputed, StatusCancelled},
		StatusConfirmed: {StatusShipped, StatusDisputed, StatusCancelled},
		StatusShipped:   {StatusDelivered, StatusDisputed},
		StatusDelivered: {StatusSettled, StatusCompleted, StatusDisputed},
		StatusDisputed:  {StatusDelivered, StatusCancelled},
		StatusSettled:   {StatusCompleted},
		StatusCancelled: {},
		StatusCompleted: {},
	}
}

func IsValidTransition(from, to Status) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := AllowedTransitions()[s]
	return ok
}

// Disputable reports whether a dispute may be raised against an order in
// this status. A DISPUTED order is disputable again once its previous
// dispute has closed; callers check that separately.
func (s Status) Disputable() bool {
	switch s {
	case StatusPaid, StatusConfirmed, StatusShipped, StatusDelivered, StatusDisputed:
		return true
	}
	return false
}

// DeliveredAt returns the timestamp of the latest DELIVERED entry.
func DeliveredAt(timeline []TimelineEntry) (time.Time, bool) {
	var at time.Time
	found := false
	for _, e := range timeline {
		if e.To == StatusDelivered {
			at = e.Timestamp
			found = true
		}
	}
	return at, found
}
