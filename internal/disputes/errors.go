package disputes

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("disputes: not found")
	ErrConflict          = errors.New("disputes: an active dispute already exists for this order")
	ErrInvalidState      = errors.New("disputes: dispute is closed")
	ErrAlreadyResolved   = errors.New("disputes: already resolved")
	ErrInvalidInput      = errors.New("disputes: invalid input")
	ErrInvalidResolution = errors.New("disputes: resolution cannot be applied")
	ErrNotSettleable     = errors.New("disputes: order is not eligible for settlement")
	ErrNotOwner          = errors.New("disputes: order belongs to another customer")
)

// AlreadyResolvedError is returned when a resolution loses the race, or is
// retried, against a dispute that has already closed. It carries the stored
// outcome.
type AlreadyResolvedError struct {
	DisputeID  string
	Status     Status
	Resolution *Resolution
}

func (e *AlreadyResolvedError) Error() string {
	if e.Resolution == nil {
		return fmt.Sprintf("dispute %s already %s", e.DisputeID, e.Status)
	}
	return fmt.Sprintf("dispute %s already %s with %s", e.DisputeID, e.Status, e.Resolution.Verdict)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrAlreadyResolved }
