package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/internal/security"
	"github.com/example/escrow-resolution/pkg/audit"
)

// DisputeService is the part of *disputes.Manager the HTTP layer drives.
type DisputeService interface {
	RaiseDispute(ctx context.Context, req disputes.RaiseRequest) (*disputes.Dispute, error)
	AddEvidence(ctx context.Context, disputeID, userID string, in evidence.Input) (*evidence.Evidence, error)
	Evaluate(ctx context.Context, disputeID string) (*disputes.Evaluation, error)
	ResolveManually(ctx context.Context, disputeID string, res rules.Resolution, reviewerID string, opts disputes.ApplyOptions) (*disputes.Dispute, error)

	Get(ctx context.Context, id string) (*disputes.Dispute, error)
	List(ctx context.Context, f disputes.Filter) ([]*disputes.Dispute, error)
	Evidence(ctx context.Context, disputeID string) ([]evidence.Evidence, error)
	Escrow(ctx context.Context, orderID string) (*escrow.Account, []escrow.Event, error)
	AuditTrail(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.Entry, bool, error)

	PlaceOrder(ctx context.Context, o *orders.Order, actorID string) error
	RecordPayment(ctx context.Context, orderID, actorID string) (*escrow.Account, error)
	AdvanceOrder(ctx context.Context, orderID string, to orders.Status, actorID, reason string) (*orders.Order, error)
	SettleDelivered(ctx context.Context, orderID string) (*escrow.Account, error)
	ConfirmDelivery(ctx context.Context, orderID, customerID string) (*escrow.Account, error)
}

type Dependencies struct {
	Logger   *slog.Logger
	Disputes DisputeService
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error

	RateLimiter *security.RedisTokenBucket
	// AdminAllowlist guards /v1/admin. An empty list admits everyone.
	AdminAllowlist []*net.IPNet
	MaxBodyBytes   int64
	// TrustProxyHeaders makes RemoteAddr follow X-Forwarded-For.
	TrustProxyHeaders bool
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	raiseV, err := security.NewJSONSchemaValidator(raiseDisputeSchema)
	if err != nil {
		return nil, err
	}
	evidenceV, err := security.NewJSONSchemaValidator(addEvidenceSchema)
	if err != nil {
		return nil, err
	}
	resolveV, err := security.NewJSONSchemaValidator(resolveSchema)
	if err != nil {
		return nil, err
	}
	orderV, err := security.NewJSONSchemaValidator(placeOrderSchema)
	if err != nil {
		return nil, err
	}
	advanceV, err := security.NewJSONSchemaValidator(advanceOrderSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if deps.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(AuditContext)

	r.Get("/healthz", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByClientIP))
		}

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/", handleListDisputes(deps))
			r.With(raiseV.Middleware).Post("/", handleRaiseDispute(deps))
			r.Get("/{id}", handleGetDispute(deps))
			r.Get("/{id}/evidence", handleListEvidence(deps))
			r.With(evidenceV.Middleware).Post("/{id}/evidence", handleAddEvidence(deps))
			r.Post("/{id}/evaluate", handleEvaluate(deps))
		})

		r.Route("/orders", func(r chi.Router) {
			r.With(orderV.Middleware).Post("/", handlePlaceOrder(deps))
			r.Post("/{id}/payment", handleRecordPayment(deps))
			r.With(advanceV.Middleware).Post("/{id}/status", handleAdvanceOrder(deps))
			r.Post("/{id}/confirm", handleConfirmDelivery(deps))
			r.Get("/{id}/escrow", handleGetEscrow(deps))
		})

		r.Get("/audit/{entity_type}/{entity_id}", handleAuditTrail(deps))

		r.Route("/admin", func(r chi.Router) {
			r.Use(security.IPAllowlist(deps.AdminAllowlist))
			r.With(resolveV.Middleware).Post("/disputes/{id}/resolve", handleResolve(deps))
			r.Post("/orders/{id}/settle", handleSettle(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
