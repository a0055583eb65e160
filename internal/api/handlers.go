package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/internal/security"
	"github.com/example/escrow-resolution/pkg/audit"
)

const actorHeader = "X-Actor-ID"

type raiseDisputeRequest struct {
	OrderID     string `json:"order_id"`
	RaisedBy    string `json:"raised_by"`
	Reason      string `json:"reason"`
	ReasonCode  string `json:"reason_code"`
	TriggerType string `json:"trigger_type"`
}

type disputeResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Dispute       *disputes.Dispute `json:"dispute"`
}

type listDisputesResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Disputes      []*disputes.Dispute `json:"disputes"`
}

type addEvidenceRequest struct {
	FileRef         string            `json:"file_ref"`
	Type            string            `json:"type"`
	UploadedBy      string            `json:"uploaded_by"`
	Latitude        *float64          `json:"latitude"`
	Longitude       *float64          `json:"longitude"`
	DeviceTimestamp *time.Time        `json:"device_timestamp"`
	Extra           map[string]string `json:"extra"`
}

type evidenceResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Evidence      *evidence.Evidence `json:"evidence"`
}

type listEvidenceResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Evidence      []evidence.Evidence `json:"evidence"`
}

type evaluateResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Verdict       rules.Verdict     `json:"verdict"`
	Status        disputes.Status   `json:"status"`
	Applied       bool              `json:"applied"`
	Dispute       *disputes.Dispute `json:"dispute"`
}

type resolveRequest struct {
	Resolution    string `json:"resolution"`
	ReviewerID    string `json:"reviewer_id"`
	Amount        string `json:"amount"`
	Justification string `json:"justification"`
}

type placeOrderRequest struct {
	ID                 string          `json:"id"`
	CustomerID         string          `json:"customer_id"`
	DealerID           string          `json:"dealer_id"`
	Total              decimal.Decimal `json:"total"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	CommissionAmount   decimal.Decimal `json:"commission_amount"`
	ManufacturerAmount decimal.Decimal `json:"manufacturer_amount"`
}

type orderResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Order         *orders.Order `json:"order"`
}

type advanceOrderRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type escrowResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *escrow.Account `json:"account"`
	Events        []escrow.Event  `json:"events,omitempty"`
}

type auditTrailResponse struct {
	CorrelationID string         `json:"correlation_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Verified      bool           `json:"verified"`
	Entries       []*audit.Entry `json:"entries"`
}

// actor prefers the identity named in the body and falls back to the
// X-Actor-ID header.
func actor(r *http.Request, fromBody string) string {
	if fromBody = strings.TrimSpace(fromBody); fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request, id string) bool {
	if id == "" {
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", "actor id is required", nil)
		return false
	}
	return true
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				deps.Logger.Error("health check failed", "error", err)
				security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleRaiseDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req raiseDisputeRequest
		if !decode(w, r, &req) {
			return
		}
		raisedBy := actor(r, req.RaisedBy)
		if !requireActor(w, r, raisedBy) {
			return
		}

		d, err := deps.Disputes.RaiseDispute(r.Context(), disputes.RaiseRequest{
			OrderID:     req.OrderID,
			RaisedBy:    raisedBy,
			Reason:      req.Reason,
			ReasonCode:  req.ReasonCode,
			TriggerType: req.TriggerType,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, disputeResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleGetDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handleListDisputes(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := disputes.Filter{OrderID: q.Get("order_id")}

		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st, err := disputes.ParseStatus(strings.ToUpper(strings.TrimSpace(s)))
				if err != nil {
					writeError(w, r, err)
					return
				}
				f.Statuses = append(f.Statuses, st)
			}
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 1000 {
				security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000", nil)
				return
			}
			f.Limit = n
		}

		list, err := deps.Disputes.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*disputes.Dispute{}
		}
		writeJSON(w, r, http.StatusOK, listDisputesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Disputes:      list,
		})
	}
}

func handleAddEvidence(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addEvidenceRequest
		if !decode(w, r, &req) {
			return
		}
		uploadedBy := actor(r, req.UploadedBy)
		if !requireActor(w, r, uploadedBy) {
			return
		}
		typ, err := evidence.ParseType(req.Type)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ev, err := deps.Disputes.AddEvidence(r.Context(), chi.URLParam(r, "id"), uploadedBy, evidence.Input{
			FileRef:         req.FileRef,
			Type:            typ,
			Latitude:        req.Latitude,
			Longitude:       req.Longitude,
			DeviceTimestamp: req.DeviceTimestamp,
			Extra:           req.Extra,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, evidenceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Evidence:      ev,
		})
	}
}

func handleListEvidence(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Disputes.Evidence(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []evidence.Evidence{}
		}
		writeJSON(w, r, http.StatusOK, listEvidenceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Evidence:      items,
		})
	}
}

func handleEvaluate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := deps.Disputes.Evaluate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, evaluateResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Verdict:       ev.Verdict,
			Status:        ev.Status,
			Applied:       ev.Applied,
			Dispute:       ev.Dispute,
		})
	}
}

func handleResolve(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decode(w, r, &req) {
			return
		}
		reviewer := actor(r, req.ReviewerID)
		if !requireActor(w, r, reviewer) {
			return
		}
		res, err := rules.ParseResolution(req.Resolution)
		if err != nil {
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}

		opts := disputes.ApplyOptions{Justification: req.Justification}
		if req.Amount != "" {
			amt, err := decimal.NewFromString(req.Amount)
			if err != nil {
				security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", "amount is not a decimal", nil)
				return
			}
			opts.Amount = &amt
		}

		d, err := deps.Disputes.ResolveManually(r.Context(), chi.URLParam(r, "id"), res, reviewer, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, disputeResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Dispute:       d,
		})
	}
}

func handlePlaceOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req placeOrderRequest
		if !decode(w, r, &req) {
			return
		}
		by := actor(r, req.CustomerID)

		o := &orders.Order{
			ID:                 req.ID,
			CustomerID:         req.CustomerID,
			DealerID:           req.DealerID,
			Total:              req.Total,
			TaxAmount:          req.TaxAmount,
			CommissionAmount:   req.CommissionAmount,
			ManufacturerAmount: req.ManufacturerAmount,
		}
		if err := deps.Disputes.PlaceOrder(r.Context(), o, by); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         o,
		})
	}
}

func handleRecordPayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		by := actor(r, "")
		if !requireActor(w, r, by) {
			return
		}
		acct, err := deps.Disputes.RecordPayment(r.Context(), chi.URLParam(r, "id"), by)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, escrowResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

func handleAdvanceOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req advanceOrderRequest
		if !decode(w, r, &req) {
			return
		}
		by := actor(r, "")
		if !requireActor(w, r, by) {
			return
		}
		o, err := deps.Disputes.AdvanceOrder(r.Context(), chi.URLParam(r, "id"), orders.Status(req.Status), by, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         o,
		})
	}
}

func handleGetEscrow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, events, err := deps.Disputes.Escrow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, escrowResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
			Events:        events,
		})
	}
}

func handleSettle(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Disputes.SettleDelivered(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, escrowResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

// handleConfirmDelivery releases escrow early on the buyer's word. The
// caller is taken from the actor header and must own the order.
func handleConfirmDelivery(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := actor(r, "")
		if !requireActor(w, r, customerID) {
			return
		}
		acct, err := deps.Disputes.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), customerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, escrowResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acct,
		})
	}
}

func handleAuditTrail(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		et, err := audit.ParseEntityType(strings.ToUpper(chi.URLParam(r, "entity_type")))
		if err != nil {
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		id := chi.URLParam(r, "entity_id")

		entries, verified, err := deps.Disputes.AuditTrail(r.Context(), et, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*audit.Entry{}
		}
		writeJSON(w, r, http.StatusOK, auditTrailResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			EntityType:    string(et),
			EntityID:      id,
			Verified:      verified,
			Entries:       entries,
		})
	}
}
