package rules

import (
	"fmt"
	"time"
)

type Resolution string

const (
	ResolutionAutoRefundCustomer  Resolution = "AUTO_REFUND_CUSTOMER"
	ResolutionFavorCustomer       Resolution = "FAVOR_CUSTOMER"
	ResolutionRefundPendingReturn Resolution = "REFUND_PENDING_RETURN"
	ResolutionRejectDispute       Resolution = "REJECT_DISPUTE"
	ResolutionPendingAdminReview  Resolution = "PENDING_ADMIN_REVIEW"
	ResolutionRelease             Resolution = "RELEASE"
	ResolutionRefund              Resolution = "REFUND"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionAutoRefundCustomer, ResolutionFavorCustomer, ResolutionRefundPendingReturn,
		ResolutionRejectDispute, ResolutionPendingAdminReview, ResolutionRelease, ResolutionRefund:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Definitive reports whether the resolution closes a dispute.
func (r Resolution) Definitive() bool {
	switch r {
	case ResolutionAutoRefundCustomer, ResolutionFavorCustomer, ResolutionRefundPendingReturn,
		ResolutionRejectDispute, ResolutionRelease, ResolutionRefund:
		return true
	}
	return false
}

// RefundsBuyer reports whether the escrow effect is a refund.
func (r Resolution) RefundsBuyer() bool {
	switch r {
	case ResolutionAutoRefundCustomer, ResolutionFavorCustomer, ResolutionRefundPendingReturn, ResolutionRefund:
		return true
	}
	return false
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Resolution    Resolution `json:"resolution"`
	Rule          string     `json:"rule"`
	Justification string     `json:"justification"`
	EvaluatedAt   time.Time  `json:"evaluated_at"`
}
