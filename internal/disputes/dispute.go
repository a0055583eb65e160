package disputes

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/pkg/audit"
)

// Status represents the current state of a dispute
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusRejected    Status = "REJECTED"
)

// Active reports whether the dispute still blocks its order's escrow.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusUnderReview, StatusResolved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown dispute status %q", ErrInvalidInput, s)
}

type TriggerType string

const (
	TriggerCustomerToDealer     TriggerType = "CUSTOMER_TO_DEALER"
	TriggerDealerToManufacturer TriggerType = "DEALER_TO_MANUFACTURER"
	TriggerAdminInternal        TriggerType = "ADMIN_INTERNAL"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(s); t {
	case TriggerCustomerToDealer, TriggerDealerToManufacturer, TriggerAdminInternal:
		return t, nil
	case "":
		return TriggerCustomerToDealer, nil
	}
	return "", fmt.Errorf("%w: unknown trigger type %q", ErrInvalidInput, s)
}

// Resolution is written once, when the dispute closes.
type Resolution struct {
	Verdict       rules.Resolution `json:"verdict"`
	ReviewerID    string           `json:"reviewer_id"`
	Rule          string           `json:"rule,omitempty"`
	Justification string           `json:"justification,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	ResolvedAt    time.Time        `json:"resolved_at"`
}

type Dispute struct {
	ID          string           `json:"id"`
	OrderID     string           `json:"order_id"`
	RaisedBy    string           `json:"raised_by"`
	Reason      string           `json:"reason"`
	ReasonCode  rules.ReasonCode `json:"reason_code"`
	TriggerType TriggerType      `json:"trigger_type"`
	Status      Status           `json:"status"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Verdict returns the stored verdict of a closed dispute.
func (d *Dispute) Verdict() *rules.Verdict {
	if d.Resolution == nil {
		return nil
	}
	return &rules.Verdict{
		Resolution:    d.Resolution.Verdict,
		Rule:          d.Resolution.Rule,
		Justification: d.Resolution.Justification,
		EvaluatedAt:   d.Resolution.ResolvedAt,
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	OrderID  string
	Statuses []Status
	Limit    int
	// After resumes a listing strictly past the given dispute in
	// (created_at, id) order.
	After *Cursor
}

// Cursor is a keyset position in the (created_at, id) ordering of disputes.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position just after d.
func CursorOf(d *Dispute) *Cursor {
	return &Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
}

// Repository is implemented by a store transaction.
type Repository interface {
	InsertDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// LockDispute reads the dispute and holds a row lock until the
	// transaction ends.
	LockDispute(ctx context.Context, id string) (*Dispute, error)
	// UpdateDispute writes status, resolution and updated_at, provided the
	// stored status still equals expected. It returns ErrAlreadyResolved
	// otherwise.
	UpdateDispute(ctx context.Context, d *Dispute, expected Status) error
	// ActiveDisputeForOrder returns nil, nil when the order has no active
	// dispute.
	ActiveDisputeForOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListDisputes(ctx context.Context, f Filter) ([]*Dispute, error)
	// SettlementCandidates lists DELIVERED orders with HELD escrow whose
	// latest delivery happened before cutoff.
	SettlementCandidates(ctx context.Context, deliveredBefore time.Time, limit int) ([]string, error)
}

// Tx is the unit of work every manager operation runs in.
type Tx interface {
	Repository
	orders.Repository
	escrow.Repository
	evidence.Repository
	audit.Repository
}

// Store opens units of work. InTx commits when fn returns nil and rolls back
// otherwise. View runs fn in a read-only snapshot.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
