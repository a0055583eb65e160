// Package rules decides how a dispute should be resolved. Evaluation is a
// pure function of the case and the evaluation time.
package rules

import (
	"fmt"
	"time"

	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
)

// Policy holds the thresholds used by the default rule table.
type Policy struct {
	SLAHours     float64
	PODHours     float64
	ReturnWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		SLAHours:     72,
		PODHours:     48,
		ReturnWindow: 14 * 24 * time.Hour,
	}
}

// Case is everything the evaluator looks at.
type Case struct {
	DisputeCreatedAt time.Time
	ReasonCode       ReasonCode
	Evidence         []evidence.Evidence
	Timeline         []orders.TimelineEntry
}

// Facts are derived from a Case at a given instant.
type Facts struct {
	Reason             ReasonCode
	HoursSinceDispute  float64
	Delivered          bool
	HoursSinceDelivery float64
	EvidenceTypes      map[evidence.Type]bool
}

func (f Facts) Has(t evidence.Type) bool { return f.EvidenceTypes[t] }

func hoursBetween(from, to time.Time) float64 {
	return to.Sub(from).Seconds() / 3600
}

func Derive(c Case, now time.Time) Facts {
	f := Facts{
		Reason:            c.ReasonCode,
		HoursSinceDispute: hoursBetween(c.DisputeCreatedAt, now),
		EvidenceTypes:     evidence.Types(c.Evidence),
	}
	if at, ok := orders.DeliveredAt(c.Timeline); ok {
		f.Delivered = true
		f.HoursSinceDelivery = hoursBetween(at, now)
	}
	return f
}

// Rule is one row of the decision table.
type Rule struct {
	Name          string
	Applies       func(Facts) bool
	Resolution    Resolution
	Justification func(Facts) string
}

// DefaultRules returns the decision table, highest priority first.
func DefaultRules(p Policy) []Rule {
	returnHours := p.ReturnWindow.Hours()
	return []Rule{
		{
			Name:    "SLA_BREACH",
			Applies: func(f Facts) bool {
				return f.HoursSinceDispute > p.SLAHours && !f.Has(evidence.TypePOD) && !f.Has(evidence.TypeInvoice)
			},
			Resolution:    ResolutionAutoRefundCustomer,
			Justification: func(f Facts) string {
				return fmt.Sprintf("SLA breach: seller provided no proof of delivery or invoice within %gh (%.1fh elapsed)", p.SLAHours, f.HoursSinceDispute)
			},
		},
		{
			Name:    "MISSING_POD",
			Applies: func(f Facts) bool {
				return f.Reason == ReasonNotReceived && !f.Has(evidence.TypePOD) && f.HoursSinceDispute > p.PODHours
			},
			Resolution:    ResolutionFavorCustomer,
			Justification: func(f Facts) string {
				return fmt.Sprintf("no proof of delivery uploaded within the %gh deadline for an undelivered order", p.PODHours)
			},
		},
		{
			Name:    "WRONG_ITEM_PROVEN",
			Applies: func(f Facts) bool {
				return f.Reason == ReasonWrongItem && f.Has(evidence.TypeUnboxingVideo)
			},
			Resolution:    ResolutionRefundPendingReturn,
			Justification: func(Facts) string {
				return "unboxing video supports the wrong item claim; refund issued pending return"
			},
		},
		{
			Name:    "RETURN_WINDOW_EXPIRED",
			Applies: func(f Facts) bool {
				return f.Delivered && f.HoursSinceDelivery > returnHours
			},
			Resolution:    ResolutionRejectDispute,
			Justification: func(f Facts) string {
				return fmt.Sprintf("dispute raised %.1f days after delivery, outside the %g day return window", f.HoursSinceDelivery/24, returnHours/24)
			},
		},
	}
}

type Evaluator struct {
	rules []Rule
}

func NewEvaluator(p Policy) *Evaluator {
	return &Evaluator{rules: DefaultRules(p)}
}

// NewEvaluatorWithRules builds an evaluator over a custom table.
func NewEvaluatorWithRules(rules []Rule) *Evaluator {
	return &Evaluator{rules: rules}
}

const fallbackRule = "ADMIN_REVIEW"

// Evaluate returns the verdict of the first matching rule, or
// PENDING_ADMIN_REVIEW when none matches.
func (e *Evaluator) Evaluate(c Case, now time.Time) Verdict {
	facts := Derive(c, now)
	for _, r := range e.rules {
		if r.Applies(facts) {
			return Verdict{
				Resolution:    r.Resolution,
				Rule:          r.Name,
				Justification: r.Justification(facts),
				EvaluatedAt:   now,
			}
		}
	}
	return Verdict{
		Resolution:    ResolutionPendingAdminReview,
		Rule:          fallbackRule,
		Justification: "no automatic rule applies; escalated for admin review",
		EvaluatedAt:   now,
	}
}
