package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP statuses and stable error codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var already *disputes.AlreadyResolvedError
	switch {
	case errors.As(err, &already):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "already_resolved", err.Error(), already.Resolution)
	case errors.Is(err, disputes.ErrNotFound), errors.Is(err, orders.ErrNotFound), errors.Is(err, escrow.ErrAccountNotFound):
		security.WriteJSONErrorDetail(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, disputes.ErrNotOwner):
		security.WriteJSONErrorDetail(w, r, http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, disputes.ErrConflict):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, disputes.ErrInvalidState), errors.Is(err, disputes.ErrNotSettleable):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, orders.ErrInvalidTransition):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, escrow.ErrOverRefund):
		security.WriteJSONErrorDetail(w, r, http.StatusUnprocessableEntity, "over_refund", err.Error(), nil)
	case errors.Is(err, disputes.ErrInvalidInput), errors.Is(err, disputes.ErrInvalidResolution),
		errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, evidence.ErrInvalid), errors.Is(err, orders.ErrInvalidOrder):
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, escrow.ErrAccountExists), errors.Is(err, orders.ErrExists):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
