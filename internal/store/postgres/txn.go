package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/internal/rules"
	"github.com/example/escrow-resolution/pkg/audit"
)

// Amounts cross the wire as text so NUMERIC keeps its exact scale without a
// float round trip.

type txn struct {
	tx pgx.Tx
}

var _ disputes.Tx = (*txn)(nil)

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func marshalNullable(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Typed nil pointers marshal to null.
	if string(b) == "null" {
		return nil, nil
	}
	s := string(b)
	return &s, nil
}

// Orders

const orderSelect = `SELECT id, customer_id, dealer_id, total::text, tax_amount::text, commission_amount::text,
	manufacturer_amount::text, status, created_at, updated_at FROM orders`

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o                                    orders.Order
		status                               string
		total, tax, commission, manufacturer string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.DealerID, &total, &tax, &commission, &manufacturer, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orders.ErrNotFound
		}
		return nil, err
	}
	o.Status = orders.Status(status)
	var err error
	if o.Total, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if o.TaxAmount, err = parseDecimal(tax); err != nil {
		return nil, err
	}
	if o.CommissionAmount, err = parseDecimal(commission); err != nil {
		return nil, err
	}
	if o.ManufacturerAmount, err = parseDecimal(manufacturer); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func (t *txn) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, dealer_id, total, tax_amount, commission_amount, manufacturer_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9, $10)`,
		o.ID, o.CustomerID, o.DealerID,
		o.Total.String(), o.TaxAmount.String(), o.CommissionAmount.String(), o.ManufacturerAmount.String(),
		string(o.Status), ts(o.CreatedAt), ts(o.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", orders.ErrExists, o.ID)
	}
	return err
}

func (t *txn) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, orderSelect+` WHERE id = $1`, id))
}

func (t *txn) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txn) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`, string(status), ts(at), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *txn) AppendTimeline(ctx context.Context, e *orders.TimelineEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_timeline (order_id, from_status, to_status, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.OrderID, string(e.From), string(e.To), e.Reason, ts(e.Timestamp),
	)
	return err
}

func (t *txn) Timeline(ctx context.Context, orderID string) ([]orders.TimelineEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT order_id, from_status, to_status, reason, created_at FROM order_timeline WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.TimelineEntry
	for rows.Next() {
		var (
			e        orders.TimelineEntry
			from, to string
		)
		if err := rows.Scan(&e.OrderID, &from, &to, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.From, e.To = orders.Status(from), orders.Status(to)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Disputes

const disputeSelect = `SELECT id, order_id, raised_by, reason, reason_code, trigger_type, status, resolution, created_at, updated_at FROM disputes`

func scanDispute(row pgx.Row) (*disputes.Dispute, error) {
	var (
		d                           disputes.Dispute
		reasonCode, trigger, status string
		resolution                  *string
	)
	if err := row.Scan(&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &reasonCode, &trigger, &status, &resolution, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, disputes.ErrNotFound
		}
		return nil, err
	}
	d.ReasonCode = rules.ReasonCode(reasonCode)
	d.TriggerType = disputes.TriggerType(trigger)
	d.Status = disputes.Status(status)
	if resolution != nil && *resolution != "" {
		d.Resolution = &disputes.Resolution{}
		if err := json.Unmarshal([]byte(*resolution), d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution of dispute %s: %w", d.ID, err)
		}
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (t *txn) InsertDispute(ctx context.Context, d *disputes.Dispute) error {
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO disputes (id, order_id, raised_by, reason, reason_code, trigger_type, status, resolution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OrderID, d.RaisedBy, d.Reason, string(d.ReasonCode), string(d.TriggerType), string(d.Status),
		resolution, ts(d.CreatedAt), ts(d.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", disputes.ErrConflict, d.OrderID)
	}
	return err
}

func (t *txn) GetDispute(ctx context.Context, id string) (*disputes.Dispute, error) {
	return scanDispute(t.tx.QueryRow(ctx, disputeSelect+` WHERE id = $1`, id))
}

func (t *txn) LockDispute(ctx context.Context, id string) (*disputes.Dispute, error) {
	return scanDispute(t.tx.QueryRow(ctx, disputeSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *txn) UpdateDispute(ctx context.Context, d *disputes.Dispute, expected disputes.Status) error {
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE disputes SET status = $1, resolution = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(d.Status), resolution, ts(d.UpdatedAt), d.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispute %s is no longer %s", disputes.ErrAlreadyResolved, d.ID, expected)
	}
	return nil
}

func (t *txn) ActiveDisputeForOrder(ctx context.Context, orderID string) (*disputes.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRow(ctx,
		disputeSelect+` WHERE order_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`, orderID))
	if errors.Is(err, disputes.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func (t *txn) ListDisputes(ctx context.Context, f disputes.Filter) ([]*disputes.Dispute, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.OrderID != "" {
		where = append(where, "order_id = "+arg(f.OrderID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.After != nil {
		where = append(where, "(created_at, id) > ("+arg(ts(f.After.CreatedAt))+"::timestamptz, "+arg(f.After.ID)+"::text)")
	}

	q := disputeSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*disputes.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txn) SettlementCandidates(ctx context.Context, deliveredBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT o.id
		FROM orders o
		JOIN escrow_accounts e ON e.order_id = o.id
		WHERE o.status = 'DELIVERED'
		  AND e.status = 'HELD'
		  AND (SELECT MAX(t.created_at) FROM order_timeline t
		       WHERE t.order_id = o.id AND t.to_status = 'DELIVERED') < $1
		  AND NOT EXISTS (SELECT 1 FROM disputes d
		                  WHERE d.order_id = o.id AND d.status IN ('OPEN', 'UNDER_REVIEW'))
		ORDER BY o.id
		LIMIT $2`, ts(deliveredBefore), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Escrow

const accountSelect = `SELECT id, order_id, held_amount::text, released_amount::text, refunded_amount::text,
	status, pending_return, created_at, updated_at FROM escrow_accounts`

func scanAccount(row pgx.Row) (*escrow.Account, error) {
	var (
		a                        escrow.Account
		held, released, refunded string
		status                   string
	)
	if err := row.Scan(&a.ID, &a.OrderID, &held, &released, &refunded, &status, &a.PendingReturn, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escrow.ErrAccountNotFound
		}
		return nil, err
	}
	a.Status = escrow.Status(status)
	var err error
	if a.Held, err = parseDecimal(held); err != nil {
		return nil, err
	}
	if a.Released, err = parseDecimal(released); err != nil {
		return nil, err
	}
	if a.Refunded, err = parseDecimal(refunded); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (t *txn) InsertAccount(ctx context.Context, a *escrow.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_accounts (id, order_id, held_amount, released_amount, refunded_amount, status, pending_return, created_at, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9)`,
		a.ID, a.OrderID, a.Held.String(), a.Released.String(), a.Refunded.String(), string(a.Status),
		a.PendingReturn, ts(a.CreatedAt), ts(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", escrow.ErrAccountExists, a.OrderID)
	}
	return err
}

func (t *txn) GetAccount(ctx context.Context, orderID string) (*escrow.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, accountSelect+` WHERE order_id = $1`, orderID))
}

func (t *txn) LockAccount(ctx context.Context, orderID string) (*escrow.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, accountSelect+` WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *txn) UpdateAccount(ctx context.Context, a *escrow.Account) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET released_amount = $1::text::numeric, refunded_amount = $2::text::numeric, status = $3, pending_return = $4, updated_at = $5
		WHERE id = $6`,
		a.Released.String(), a.Refunded.String(), string(a.Status), a.PendingReturn, ts(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrAccountNotFound
	}
	return nil
}

func (t *txn) InsertEscrowEvent(ctx context.Context, e *escrow.Event) error {
	dist, err := marshalNullable(e.Distribution)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow_events (id, account_id, order_id, operation, from_status, to_status, amount, reason, actor_id, distribution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9, $10, $11)`,
		e.ID, e.AccountID, e.OrderID, string(e.Operation), string(e.From), string(e.To), e.Amount.String(),
		e.Reason, e.ActorID, dist, ts(e.CreatedAt),
	)
	return err
}

func (t *txn) EscrowEvents(ctx context.Context, accountID string) ([]escrow.Event, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, account_id, order_id, operation, from_status, to_status, amount::text, reason, actor_id, distribution, created_at
		FROM escrow_events WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var (
			e            escrow.Event
			op, from, to string
			amount       string
			dist         *string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &op, &from, &to, &amount, &e.Reason, &e.ActorID, &dist, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Operation, e.From, e.To = escrow.Operation(op), escrow.Status(from), escrow.Status(to)
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if dist != nil && *dist != "" {
			e.Distribution = &escrow.Distribution{}
			if err := json.Unmarshal([]byte(*dist), e.Distribution); err != nil {
				return nil, fmt.Errorf("decode distribution: %w", err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Evidence

func (t *txn) InsertEvidence(ctx context.Context, e *evidence.Evidence) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO evidence (id, dispute_id, file_ref, type, uploaded_by, metadata, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.DisputeID, e.FileRef, string(e.Type), e.UploadedBy, string(meta), ts(e.Metadata.UploadedAt),
	)
	return err
}

func (t *txn) ListEvidence(ctx context.Context, disputeID string) ([]evidence.Evidence, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, dispute_id, file_ref, type, uploaded_by, metadata FROM evidence WHERE dispute_id = $1 ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evidence.Evidence
	for rows.Next() {
		var (
			e         evidence.Evidence
			typ, meta string
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.FileRef, &typ, &e.UploadedBy, &meta); err != nil {
			return nil, err
		}
		e.Type = evidence.Type(typ)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode evidence metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Audit

func (t *txn) LastAuditHash(ctx context.Context, entityType audit.EntityType, entityID string) (string, error) {
	var hash string
	err := t.tx.QueryRow(ctx,
		`SELECT hash FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC LIMIT 1`,
		string(entityType), entityID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (t *txn) InsertAudit(ctx context.Context, e *audit.Entry) error {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, actor_id, before_state, after_state, reason, request, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, string(e.Action), string(e.EntityType), e.EntityID, e.ActorID,
		nullableRaw(e.Before), nullableRaw(e.After), e.Reason, string(req), e.Timestamp, e.PrevHash, e.Hash,
	)
	return err
}

func (t *txn) ListAudit(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, action, entity_type, entity_id, actor_id, before_state, after_state, reason, request, created_at, prev_hash, hash
		FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq`,
		string(entityType), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			action, typ   string
			before, after *string
			req           string
		)
		if err := rows.Scan(&e.ID, &action, &typ, &e.EntityID, &e.ActorID, &before, &after, &e.Reason, &req, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Action, e.EntityType = audit.Action(action), audit.EntityType(typ)
		if before != nil {
			e.Before = json.RawMessage(*before)
		}
		if after != nil {
			e.After = json.RawMessage(*after)
		}
		if err := json.Unmarshal([]byte(req), &e.Request); err != nil {
			return nil, fmt.Errorf("decode audit request: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullableRaw(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
