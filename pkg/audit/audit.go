// Package audit records append-only, hash-chained audit entries. Each
// (entity type, entity id) pair has its own chain so that concurrent writers
// on different entities never contend on a single tail.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionDisputeRaised      Action = "DISPUTE_RAISED"
	ActionEvidenceAdded      Action = "EVIDENCE_ADDED"
	ActionDisputeUnderReview Action = "DISPUTE_UNDER_REVIEW"
	ActionDisputeResolved    Action = "DISPUTE_RESOLVED"
	ActionEscrowHeld         Action = "ESCROW_HELD"
	ActionEscrowFrozen       Action = "ESCROW_FROZEN"
	ActionEscrowReleased     Action = "ESCROW_RELEASED"
	ActionEscrowRefunded     Action = "ESCROW_REFUNDED"
	ActionEscrowSettled      Action = "ESCROW_SETTLED"
	ActionFundsSettled       Action = "FUNDS_SETTLED"
	ActionDeliveryConfirmed  Action = "DELIVERY_CONFIRMED"
	ActionOrderPlaced        Action = "ORDER_PLACED"
	ActionOrderStatusChanged Action = "ORDER_STATUS_CHANGED"
)

type EntityType string

const (
	EntityDispute EntityType = "DISPUTE"
	EntityOrder   EntityType = "ORDER"
	EntityEscrow  EntityType = "ESCROW"
)

func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityDispute, EntityOrder, EntityEscrow:
		return t, nil
	}
	return "", fmt.Errorf("audit: unknown entity type %q", s)
}

// RequestMeta is the HTTP context an action was performed under. It is empty
// for background jobs.
type RequestMeta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	RemoteIP      string `json:"remote_ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	Method        string `json:"method,omitempty"`
	Path          string `json:"path,omitempty"`
}

type Entry struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Request    RequestMeta     `json:"request"`
	Timestamp  time.Time       `json:"timestamp"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Repository is the persistence the logger needs. Implementations run inside
// the caller's transaction.
type Repository interface {
	// LastAuditHash returns the Hash of the newest entry for the entity, or
	// "" when the chain is empty.
	LastAuditHash(ctx context.Context, entityType EntityType, entityID string) (string, error)
	InsertAudit(ctx context.Context, e *Entry) error
	// ListAudit returns the entity chain oldest first.
	ListAudit(ctx context.Context, entityType EntityType, entityID string) ([]*Entry, error)
}

var ErrMissingActor = errors.New("audit: actor id is required")

type requestMetaKey struct{}

func WithRequest(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func RequestFromContext(ctx context.Context) RequestMeta {
	if v, ok := ctx.Value(requestMetaKey{}).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}

// Details carries the variable part of an entry. Before and After are
// marshalled to JSON snapshots.
type Details struct {
	ActorID string
	Before  any
	After   any
	Reason  string
}

type Logger struct {
	now func() time.Time
}

func NewLogger(now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{now: now}
}

// Log appends an entry to the chain of (entityType, entityID). It must be
// called with the repository of the transaction that performs the audited
// mutation.
func (l *Logger) Log(ctx context.Context, repo Repository, action Action, entityType EntityType, entityID string, d Details) (*Entry, error) {
	if d.ActorID == "" {
		return nil, ErrMissingActor
	}

	before, err := snapshot(d.Before)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := snapshot(d.After)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal after: %w", err)
	}

	prev, err := repo.LastAuditHash(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain tail: %w", err)
	}
	if prev == "" {
		prev = GenesisHash
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    d.ActorID,
		Before:     before,
		After:      after,
		Reason:     d.Reason,
		Request:    RequestFromContext(ctx),
		Timestamp:  l.now(),
		PrevHash:   prev,
	}
	Seal(entry)

	if err := repo.InsertAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}
	return entry, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
