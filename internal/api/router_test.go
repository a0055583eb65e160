package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/security"
	"github.com/example/escrow-resolution/internal/store/sqlite"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDeps(t *testing.T) Dependencies {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return Dependencies{
		Disputes:     disputes.NewManager(disputes.Config{Store: store, Now: func() time.Time { return t0 }}),
		Health:       store.Ping,
		MaxBodyBytes: 1 << 16,
	}
}

func newTestRouter(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	h, err := NewRouter(deps)
	require.NoError(t, err)
	return h
}

type call struct {
	method string
	path   string
	body   any
	actor  string
	remote string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set(actorHeader, c.actor)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func placePaidOrder(t *testing.T, h http.Handler, id string) {
	t.Helper()
	rec := do(t, h, call{method: http.MethodPost, path: "/v1/orders", body: map[string]string{
		"id":                  id,
		"customer_id":         "cust-1",
		"dealer_id":           "dealer-1",
		"total":               "100.00",
		"tax_amount":          "18",
		"commission_amount":   "5",
		"manufacturer_amount": "50",
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/orders/" + id + "/payment", actor: "payments"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func raise(t *testing.T, h http.Handler, orderID string) *disputes.Dispute {
	t.Helper()
	rec := do(t, h, call{
		method: http.MethodPost,
		path:   "/v1/disputes",
		actor:  "cust-1",
		body:   map[string]string{"order_id": orderID, "reason": "Package never arrived"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[disputeResponse](t, rec).Dispute
}

func TestDisputeLifecycle(t *testing.T) {
	h := newTestRouter(t, newTestDeps(t))
	placePaidOrder(t, h, "ORD-1")
	d := raise(t, h, "ORD-1")
	assert.Equal(t, disputes.StatusOpen, d.Status)
	assert.Equal(t, "cust-1", d.RaisedBy)

	rec := do(t, h, call{
		method: http.MethodPost,
		path:   "/v1/disputes/" + d.ID + "/evidence",
		actor:  "cust-1",
		body:   map[string]any{"file_ref": "s3://evidence/box.jpg", "type": "PHOTO", "latitude": 12.97, "longitude": 77.59},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/disputes/" + d.ID + "/evidence"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[listEvidenceResponse](t, rec).Evidence, 1)

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/disputes/" + d.ID + "/evaluate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	eval := decodeBody[evaluateResponse](t, rec)
	assert.Equal(t, disputes.StatusUnderReview, eval.Status)
	assert.False(t, eval.Applied)

	rec = do(t, h, call{
		method: http.MethodPost,
		path:   "/v1/admin/disputes/" + d.ID + "/resolve",
		body:   map[string]string{"resolution": "REFUND", "reviewer_id": "admin-1", "amount": "40", "justification": "partial refund agreed"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decodeBody[disputeResponse](t, rec).Dispute
	assert.Equal(t, disputes.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "admin-1", resolved.Resolution.ReviewerID)

	rec = do(t, h, call{
		method: http.MethodPost,
		path:   "/v1/admin/disputes/" + d.ID + "/resolve",
		body:   map[string]string{"resolution": "RELEASE", "reviewer_id": "admin-2"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decodeBody[security.ErrorResponse](t, rec)
	assert.Equal(t, "already_resolved", conflict.Error)
	assert.Equal(t, "REFUND", conflict.Details.(map[string]any)["verdict"])

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/orders/ORD-1/escrow"})
	require.Equal(t, http.StatusOK, rec.Code)
	esc := decodeBody[escrowResponse](t, rec)
	assert.True(t, esc.Account.Refunded.Equal(decimal.NewFromInt(40)), esc.Account.Refunded.String())
	assert.True(t, esc.Account.Released.Equal(decimal.NewFromInt(60)), esc.Account.Released.String())
	assert.NotEmpty(t, esc.Events)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/disputes?order_id=ORD-1&status=resolved,rejected"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[listDisputesResponse](t, rec).Disputes, 1)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/audit/dispute/" + d.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeBody[auditTrailResponse](t, rec)
	assert.True(t, trail.Verified)
	assert.NotEmpty(t, trail.Entries)
	assert.Equal(t, "DISPUTE", trail.EntityType)
}

func TestErrors(t *testing.T) {
	h := newTestRouter(t, newTestDeps(t))
	placePaidOrder(t, h, "ORD-2")
	raise(t, h, "ORD-2")

	tests := []struct {
		name string
		call call
		want int
		code string
	}{
		{"unknown dispute", call{method: http.MethodGet, path: "/v1/disputes/nope"}, http.StatusNotFound, "not_found"},
		{"unknown order", call{method: http.MethodPost, path: "/v1/disputes", actor: "cust-1", body: map[string]string{"order_id": "ORD-X", "reason": "lost"}}, http.StatusNotFound, "not_found"},
		{"second active dispute", call{method: http.MethodPost, path: "/v1/disputes", actor: "cust-1", body: map[string]string{"order_id": "ORD-2", "reason": "lost"}}, http.StatusConflict, "conflict"},
		{"missing actor", call{method: http.MethodPost, path: "/v1/disputes", body: map[string]string{"order_id": "ORD-2", "reason": "lost"}}, http.StatusBadRequest, "validation_error"},
		{"schema violation", call{method: http.MethodPost, path: "/v1/disputes", actor: "cust-1", body: map[string]string{"order_id": "ORD-2"}}, http.StatusBadRequest, "validation_error"},
		{"bad status filter", call{method: http.MethodGet, path: "/v1/disputes?status=bogus"}, http.StatusBadRequest, "validation_error"},
		{"bad limit", call{method: http.MethodGet, path: "/v1/disputes?limit=0"}, http.StatusBadRequest, "validation_error"},
		{"bad entity type", call{method: http.MethodGet, path: "/v1/audit/invoice/1"}, http.StatusBadRequest, "validation_error"},
		{"duplicate order", call{method: http.MethodPost, path: "/v1/orders", body: map[string]string{"id": "ORD-2", "customer_id": "c", "dealer_id": "d", "total": "5"}}, http.StatusConflict, "conflict"},
		{"zero total", call{method: http.MethodPost, path: "/v1/orders", body: map[string]string{"id": "ORD-3", "customer_id": "c", "dealer_id": "d", "total": "0"}}, http.StatusBadRequest, "validation_error"},
		{"engine-managed status", call{method: http.MethodPost, path: "/v1/orders/ORD-2/status", actor: "dealer-1", body: map[string]string{"status": "REFUNDED"}}, http.StatusBadRequest, "validation_error"},
		{"unknown route", call{method: http.MethodGet, path: "/v2/anything"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.call)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[security.ErrorResponse](t, rec).Error)
		})
	}
}

func TestConfirmDelivery(t *testing.T) {
	h := newTestRouter(t, newTestDeps(t))
	placePaidOrder(t, h, "ORD-5")
	confirm := call{method: http.MethodPost, path: "/v1/orders/ORD-5/confirm", actor: "cust-1"}

	rec := do(t, h, confirm)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_state", decodeBody[security.ErrorResponse](t, rec).Error)

	for _, st := range []string{"CONFIRMED", "SHIPPED", "DELIVERED"} {
		rec = do(t, h, call{method: http.MethodPost, path: "/v1/orders/ORD-5/status", actor: "dealer-1", body: map[string]string{"status": st}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/orders/ORD-5/confirm"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, call{method: http.MethodPost, path: "/v1/orders/ORD-5/confirm", actor: "cust-2"})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, "forbidden", decodeBody[security.ErrorResponse](t, rec).Error)

	rec = do(t, h, confirm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acct := decodeBody[escrowResponse](t, rec).Account
	assert.Equal(t, escrow.StatusReleased, acct.Status)
	assert.True(t, acct.Released.Equal(decimal.NewFromInt(100)), acct.Released.String())

	rec = do(t, h, confirm)
	assert.Equal(t, http.StatusConflict, rec.Code, "a settled order cannot be confirmed twice")

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/disputes", actor: "cust-1", body: map[string]string{"order_id": "ORD-5", "reason": "lost"}})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestOverRefundIsUnprocessable(t *testing.T) {
	h := newTestRouter(t, newTestDeps(t))
	placePaidOrder(t, h, "ORD-4")
	d := raise(t, h, "ORD-4")

	rec := do(t, h, call{
		method: http.MethodPost,
		path:   "/v1/admin/disputes/" + d.ID + "/resolve",
		actor:  "admin-1",
		body:   map[string]string{"resolution": "REFUND", "amount": "100.01"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/disputes/" + d.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, disputes.StatusOpen, decodeBody[disputeResponse](t, rec).Dispute.Status)
}

func TestAdminAllowlist(t *testing.T) {
	deps := newTestDeps(t)
	allow, err := security.ParseCIDRAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	deps.AdminAllowlist = allow
	h := newTestRouter(t, deps)

	body := map[string]string{"resolution": "RELEASE", "reviewer_id": "admin-1"}
	rec := do(t, h, call{method: http.MethodPost, path: "/v1/admin/disputes/D-1/resolve", body: body, remote: "192.0.2.10:4000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/admin/disputes/D-1/resolve", body: body, remote: "10.1.1.1:4000"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/disputes/D-1", remote: "192.0.2.10:4000"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-admin routes are not allowlisted")
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	deps := newTestDeps(t)
	deps.RateLimiter = &security.RedisTokenBucket{
		Redis:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Prefix:     "api-test",
		Capacity:   1,
		RefillRate: 0.001,
	}
	h := newTestRouter(t, deps)

	assert.Equal(t, http.StatusNotFound, do(t, h, call{method: http.MethodGet, path: "/v1/disputes/D-1", actor: "cust-9"}).Code)
	limited := do(t, h, call{method: http.MethodGet, path: "/v1/disputes/D-1", actor: "cust-9"})
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, call{method: http.MethodGet, path: "/v1/disputes/D-1", actor: "cust-10"}).Code, "changing the actor header does not reset the limit")
	assert.Equal(t, http.StatusNotFound, do(t, h, call{method: http.MethodGet, path: "/v1/disputes/D-1", actor: "cust-9", remote: "198.51.100.4:5000"}).Code)

	assert.Equal(t, http.StatusOK, do(t, h, call{method: http.MethodGet, path: "/healthz", actor: "cust-9"}).Code, "health checks are not limited")
}

func TestHealth(t *testing.T) {
	deps := newTestDeps(t)
	h := newTestRouter(t, deps)
	assert.Equal(t, http.StatusOK, do(t, h, call{method: http.MethodGet, path: "/healthz"}).Code)

	deps.Health = func(context.Context) error { return errors.New("connection refused") }
	h = newTestRouter(t, deps)
	rec := do(t, h, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", decodeBody[security.ErrorResponse](t, rec).Error)
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newTestRouter(t, newTestDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/v1/disputes/none", nil)
	req.Header.Set(security.CorrelationIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "trace-123", rec.Header().Get(security.CorrelationIDHeader))
	assert.Equal(t, "trace-123", decodeBody[security.ErrorResponse](t, rec).CorrelationID)
}
