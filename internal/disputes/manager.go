package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/notify"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/pkg/audit"
)

// SystemActor is the reviewer recorded for automatic resolutions.
const SystemActor = "SYSTEM"

const defaultTxTimeout = 10 * time.Second

type Config struct {
	Store            Store
	Evaluator        *rules.Evaluator
	Notifier         notify.Notifier
	Logger           *slog.Logger
	Now              func() time.Time
	TxTimeout        time.Duration
	SettlementWindow time.Duration
}

// Manager orchestrates the dispute lifecycle. Each mutating operation runs
// in exactly one store transaction covering dispute, order, escrow and
// audit writes.
type Manager struct {
	store            Store
	evaluator        *rules.Evaluator
	notifier         notify.Notifier
	logger           *slog.Logger
	now              func() time.Time
	txTimeout        time.Duration
	settlementWindow time.Duration

	audit    *audit.Logger
	ledger   *escrow.Ledger
	tracker  *orders.Tracker
	evidence *evidence.Store
}

func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		store:            cfg.Store,
		evaluator:        cfg.Evaluator,
		notifier:         cfg.Notifier,
		logger:           cfg.Logger,
		now:              func() time.Time { return now().UTC().Truncate(time.Microsecond) },
		txTimeout:        cfg.TxTimeout,
		settlementWindow: cfg.SettlementWindow,
	}
	if m.evaluator == nil {
		m.evaluator = rules.NewEvaluator(rules.DefaultPolicy())
	}
	if m.notifier == nil {
		m.notifier = notify.Nop
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.txTimeout <= 0 {
		m.txTimeout = defaultTxTimeout
	}
	if m.settlementWindow <= 0 {
		m.settlementWindow = 7 * 24 * time.Hour
	}
	m.audit = audit.NewLogger(m.now)
	m.ledger = escrow.NewLedger(m.audit, m.now)
	m.tracker = orders.NewTracker(m.now)
	m.evidence = evidence.NewStore(m.now)
	return m
}

// RaiseRequest opens a dispute. ReasonCode is derived from Reason when empty.
type RaiseRequest struct {
	OrderID     string
	RaisedBy    string
	Reason      string
	ReasonCode  string
	TriggerType string
}

func (r RaiseRequest) normalize() (rules.ReasonCode, TriggerType, error) {
	if strings.TrimSpace(r.OrderID) == "" {
		return "", "", fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.RaisedBy) == "" {
		return "", "", fmt.Errorf("%w: raised_by is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return "", "", fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	trigger, err := ParseTriggerType(r.TriggerType)
	if err != nil {
		return "", "", err
	}
	if r.ReasonCode == "" {
		return rules.NormalizeReason(r.Reason), trigger, nil
	}
	code, err := rules.ParseReasonCode(r.ReasonCode)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return code, trigger, nil
}

func (m *Manager) RaiseDispute(ctx context.Context, req RaiseRequest) (*Dispute, error) {
	code, trigger, err := req.normalize()
	if err != nil {
		return nil, err
	}

	var d *Dispute
	err = m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, req.OrderID)
			}
			return err
		}
		if !o.Status.Disputable() {
			return fmt.Errorf("%w: order %s is %s and cannot be disputed", ErrNotFound, o.ID, o.Status)
		}

		active, err := tx.ActiveDisputeForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: dispute %s", ErrConflict, active.ID)
		}

		// A rejected dispute leaves the order DELIVERED with its funds gone.
		acct, err := tx.LockAccount(ctx, o.ID)
		if err != nil {
			return err
		}
		if acct.Status.Terminal() {
			return fmt.Errorf("%w: order %s escrow is %s and not in a disputable state", ErrNotFound, o.ID, acct.Status)
		}

		now := m.now()
		d = &Dispute{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			RaisedBy:    req.RaisedBy,
			Reason:      strings.TrimSpace(req.Reason),
			ReasonCode:  code,
			TriggerType: trigger,
			Status:      StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}

		if o.Status != orders.StatusDisputed {
			if _, err := m.tracker.Transition(ctx, tx, o, orders.StatusDisputed, "dispute "+d.ID+" raised"); err != nil {
				return err
			}
		}

		if _, err := m.ledger.Freeze(ctx, tx, escrow.FreezeRequest{OrderID: o.ID, ActorID: req.RaisedBy, Reason: "dispute " + d.ID}); err != nil {
			return err
		}

		_, err = m.audit.Log(ctx, tx, audit.ActionDisputeRaised, audit.EntityDispute, d.ID, audit.Details{
			ActorID: req.RaisedBy,
			After:   d,
			Reason:  fmt.Sprintf("[%s] %s", trigger, d.Reason),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "dispute_raised", "dispute_id", d.ID, "order_id", d.OrderID, "reason_code", d.ReasonCode, "trigger", d.TriggerType)
	m.emit(ctx, notify.Event{Kind: notify.KindDisputeRaised, DisputeID: d.ID, OrderID: d.OrderID, ActorID: d.RaisedBy, Status: string(d.Status), Message: d.Reason, OccurredAt: d.CreatedAt})
	return d, nil
}

func (m *Manager) AddEvidence(ctx context.Context, disputeID, userID string, in evidence.Input) (*evidence.Evidence, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var ev *evidence.Evidence
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.Status.Active() {
			return fmt.Errorf("%w: dispute %s is %s", ErrInvalidState, d.ID, d.Status)
		}

		ev, err = m.evidence.Add(ctx, tx, d.ID, userID, in)
		if err != nil {
			return err
		}
		_, err = m.audit.Log(ctx, tx, audit.ActionEvidenceAdded, audit.EntityDispute, d.ID, audit.Details{
			ActorID: userID,
			After:   ev,
			Reason:  fmt.Sprintf("%s evidence %s", ev.Type, ev.ID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Evaluation is the outcome of Evaluate.
type Evaluation struct {
	Verdict rules.Verdict `json:"verdict"`
	Status  Status        `json:"status"`
	Applied bool          `json:"applied"`
	Dispute *Dispute      `json:"dispute"`
}

// Evaluate runs the rule table against the dispute. A definitive verdict is
// applied as SYSTEM; otherwise the dispute is moved to UNDER_REVIEW. A closed
// dispute returns its stored verdict without side effects.
func (m *Manager) Evaluate(ctx context.Context, disputeID string) (*Evaluation, error) {
	var (
		d        *Dispute
		items    []evidence.Evidence
		timeline []orders.TimelineEntry
	)
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if d, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if !d.Status.Active() {
			return nil
		}
		if items, err = tx.ListEvidence(ctx, d.ID); err != nil {
			return err
		}
		timeline, err = tx.Timeline(ctx, d.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return closedEvaluation(d), nil
	}

	verdict := m.evaluator.Evaluate(rules.Case{
		DisputeCreatedAt: d.CreatedAt,
		ReasonCode:       d.ReasonCode,
		Evidence:         items,
		Timeline:         timeline,
	}, m.now())

	if !verdict.Resolution.Definitive() {
		return m.escalate(ctx, d.ID, verdict)
	}

	resolved, err := m.Apply(ctx, d.ID, verdict.Resolution, SystemActor, ApplyOptions{Rule: verdict.Rule, Justification: verdict.Justification})
	if err != nil {
		var already *AlreadyResolvedError
		if errors.As(err, &already) {
			return alreadyEvaluation(already), nil
		}
		return nil, err
	}
	return &Evaluation{Verdict: verdict, Status: resolved.Status, Applied: true, Dispute: resolved}, nil
}

func closedEvaluation(d *Dispute) *Evaluation {
	ev := &Evaluation{Status: d.Status, Dispute: d}
	if v := d.Verdict(); v != nil {
		ev.Verdict = *v
	}
	return ev
}

func alreadyEvaluation(e *AlreadyResolvedError) *Evaluation {
	return closedEvaluation(&Dispute{ID: e.DisputeID, Status: e.Status, Resolution: e.Resolution})
}

func (m *Manager) escalate(ctx context.Context, disputeID string, verdict rules.Verdict) (*Evaluation, error) {
	var (
		d       *Dispute
		changed bool
	)
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if d, err = tx.LockDispute(ctx, disputeID); err != nil {
			return err
		}
		if d.Status != StatusOpen {
			return nil
		}

		before := *d
		d.Status = StatusUnderReview
		d.UpdatedAt = m.now()
		if err := tx.UpdateDispute(ctx, d, before.Status); err != nil {
			return err
		}
		changed = true
		_, err = m.audit.Log(ctx, tx, audit.ActionDisputeUnderReview, audit.EntityDispute, d.ID, audit.Details{
			ActorID: SystemActor,
			Before:  &before,
			After:   d,
			Reason:  verdict.Justification,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return closedEvaluation(d), nil
	}

	if changed {
		m.logger.InfoContext(ctx, "dispute_under_review", "dispute_id", d.ID, "order_id", d.OrderID)
		m.emit(ctx, notify.Event{Kind: notify.KindDisputeUnderReview, DisputeID: d.ID, OrderID: d.OrderID, ActorID: SystemActor, Status: string(d.Status), Message: verdict.Justification, OccurredAt: d.UpdatedAt})
	}
	return &Evaluation{Verdict: verdict, Status: d.Status, Dispute: d}, nil
}

// ApplyOptions carries the optional parts of a resolution.
type ApplyOptions struct {
	// Amount is a partial refund; only valid with REFUND.
	Amount        *decimal.Decimal
	Rule          string
	Justification string
}

type outcome struct {
	dispute Status
	order   orders.Status
	refund  bool
}

func outcomeFor(r rules.Resolution) (outcome, bool) {
	switch r {
	case rules.ResolutionAutoRefundCustomer, rules.ResolutionFavorCustomer, rules.ResolutionRefund, rules.ResolutionRefundPendingReturn:
		return outcome{dispute: StatusResolved, order: orders.StatusCancelled, refund: true}, true
	case rules.ResolutionRelease:
		return outcome{dispute: StatusResolved, order: orders.StatusDelivered}, true
	case rules.ResolutionRejectDispute:
		return outcome{dispute: StatusRejected, order: orders.StatusDelivered}, true
	}
	return outcome{}, false
}

// Apply closes the dispute with the given resolution. Once started it runs
// to completion or rolls back regardless of ctx cancellation, bounded by the
// configured transaction timeout. Applying to a closed dispute returns an
// *AlreadyResolvedError carrying the stored resolution.
func (m *Manager) Apply(ctx context.Context, disputeID string, res rules.Resolution, reviewerID string, opts ApplyOptions) (*Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, ok := outcomeFor(res)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, res)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrInvalidInput)
	}
	if opts.Amount != nil && res != rules.ResolutionRefund {
		return nil, fmt.Errorf("%w: a partial amount is only valid with %s", ErrInvalidInput, rules.ResolutionRefund)
	}

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.txTimeout)
	defer cancel()

	var d *Dispute
	err := m.store.InTx(txCtx, func(ctx context.Context, tx Tx) error {
		var err error
		if d, err = tx.LockDispute(ctx, disputeID); err != nil {
			return err
		}
		if !d.Status.Active() {
			return &AlreadyResolvedError{DisputeID: d.ID, Status: d.Status, Resolution: d.Resolution}
		}
		before := *d

		o, err := tx.LockOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}

		reason := fmt.Sprintf("dispute %s: %s", d.ID, res)
		if out.refund {
			_, err = m.ledger.Refund(ctx, tx, escrow.RefundRequest{
				OrderID:       o.ID,
				Order:         o,
				Amount:        opts.Amount,
				PendingReturn: res == rules.ResolutionRefundPendingReturn,
				ActorID:       reviewerID,
				Reason:        reason,
			})
		} else {
			_, err = m.ledger.Release(ctx, tx, escrow.ReleaseRequest{OrderID: o.ID, Order: o, ActorID: reviewerID, Reason: reason})
		}
		if err != nil {
			return err
		}

		if o.Status != out.order {
			if _, err := m.tracker.Transition(ctx, tx, o, out.order, reason); err != nil {
				return err
			}
		}

		now := m.now()
		d.Status = out.dispute
		d.UpdatedAt = now
		d.Resolution = &Resolution{
			Verdict:       res,
			ReviewerID:    reviewerID,
			Rule:          opts.Rule,
			Justification: opts.Justification,
			RefundAmount:  opts.Amount,
			ResolvedAt:    now,
		}
		if err := tx.UpdateDispute(ctx, d, before.Status); err != nil {
			return err
		}

		_, err = m.audit.Log(ctx, tx, audit.ActionDisputeResolved, audit.EntityDispute, d.ID, audit.Details{
			ActorID: reviewerID,
			Before:  &before,
			After:   d,
			Reason:  opts.Justification,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "dispute_resolved", "dispute_id", d.ID, "order_id", d.OrderID, "verdict", res, "status", d.Status, "reviewer_id", reviewerID)
	m.emit(ctx, notify.Event{
		Kind:       notify.KindDisputeResolved,
		DisputeID:  d.ID,
		OrderID:    d.OrderID,
		ActorID:    reviewerID,
		Status:     string(d.Status),
		Verdict:    string(res),
		Message:    opts.Justification,
		OccurredAt: d.UpdatedAt,
	})
	return d, nil
}

// ResolveManually is the admin override. It bypasses the rule table but not
// the guard in Apply.
func (m *Manager) ResolveManually(ctx context.Context, disputeID string, res rules.Resolution, reviewerID string, opts ApplyOptions) (*Dispute, error) {
	if !res.Definitive() {
		return nil, fmt.Errorf("%w: %q is not a final resolution", ErrInvalidResolution, res)
	}
	if opts.Rule == "" {
		opts.Rule = "MANUAL"
	}
	return m.Apply(ctx, disputeID, res, reviewerID, opts)
}

func (m *Manager) emit(ctx context.Context, e notify.Event) {
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.logger.WarnContext(ctx, "notification_failed", "kind", e.Kind, "dispute_id", e.DisputeID, "order_id", e.OrderID, "err", err)
	}
}
