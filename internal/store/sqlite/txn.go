package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/escrow-resolution/internal/disputes"
	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/pkg/audit"
)

type txn struct {
	tx *sql.Tx
}

var _ disputes.Tx = (*txn)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Orders

const orderColumns = `id, customer_id, dealer_id, total, tax_amount, commission_amount, manufacturer_amount, status, created_at, updated_at`

func scanOrder(row scanner) (*orders.Order, error) {
	var (
		o                                    orders.Order
		total, tax, commission, manufacturer string
		createdAt, updatedAt                 int64
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.DealerID, &total, &tax, &commission, &manufacturer, &o.Status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orders.ErrNotFound
		}
		return nil, err
	}
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
	o.CreatedAt = fromMicros(createdAt)
	o.UpdatedAt = fromMicros(updatedAt)
	return &o, nil
}

func (t *txn) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CustomerID, o.DealerID,
		o.Total.String(), o.TaxAmount.String(), o.CommissionAmount.String(), o.ManufacturerAmount.String(),
		string(o.Status), toMicros(o.CreatedAt), toMicros(o.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", orders.ErrExists, o.ID)
	}
	return err
}

func (t *txn) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

// LockOrder relies on BEGIN IMMEDIATE for exclusion.
func (t *txn) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *txn) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, string(status), toMicros(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *txn) AppendTimeline(ctx context.Context, e *orders.TimelineEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO order_timeline (order_id, from_status, to_status, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.OrderID, string(e.From), string(e.To), e.Reason, toMicros(e.Timestamp),
	)
	return err
}

func (t *txn) Timeline(ctx context.Context, orderID string) ([]orders.TimelineEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT order_id, from_status, to_status, reason, created_at FROM order_timeline WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.TimelineEntry
	for rows.Next() {
		var (
			e  orders.TimelineEntry
			at int64
		)
		if err := rows.Scan(&e.OrderID, &e.From, &e.To, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.Timestamp = fromMicros(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Disputes

const disputeColumns = `id, order_id, raised_by, reason, reason_code, trigger_type, status, resolution, created_at, updated_at`

func scanDispute(row scanner) (*disputes.Dispute, error) {
	var (
		d                    disputes.Dispute
		resolution           sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &d.ReasonCode, &d.TriggerType, &d.Status, &resolution, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, disputes.ErrNotFound
		}
		return nil, err
	}
	if resolution.Valid && resolution.String != "" {
		d.Resolution = &disputes.Resolution{}
		if err := json.Unmarshal([]byte(resolution.String), d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution of dispute %s: %w", d.ID, err)
		}
	}
	d.CreatedAt = fromMicros(createdAt)
	d.UpdatedAt = fromMicros(updatedAt)
	return &d, nil
}

func (t *txn) InsertDispute(ctx context.Context, d *disputes.Dispute) error {
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO disputes (`+disputeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrderID, d.RaisedBy, d.Reason, string(d.ReasonCode), string(d.TriggerType), string(d.Status),
		resolution, toMicros(d.CreatedAt), toMicros(d.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", disputes.ErrConflict, d.OrderID)
	}
	return err
}

func (t *txn) GetDispute(ctx context.Context, id string) (*disputes.Dispute, error) {
	return scanDispute(t.tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id))
}

func (t *txn) LockDispute(ctx context.Context, id string) (*disputes.Dispute, error) {
	return t.GetDispute(ctx, id)
}

func (t *txn) UpdateDispute(ctx context.Context, d *disputes.Dispute, expected disputes.Status) error {
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE disputes SET status = ?, resolution = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(d.Status), resolution, toMicros(d.UpdatedAt), d.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dispute %s is no longer %s", disputes.ErrAlreadyResolved, d.ID, expected)
	}
	return nil
}

func (t *txn) ActiveDisputeForOrder(ctx context.Context, orderID string) (*disputes.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = ? AND status IN ('OPEN', 'UNDER_REVIEW')`, orderID))
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
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.After != nil {
		at := toMicros(f.After.CreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, f.After.ID)
	}

	q := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, q, args...)
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
	rows, err := t.tx.QueryContext(ctx, `
		SELECT o.id
		FROM orders o
		JOIN escrow_accounts e ON e.order_id = o.id
		WHERE o.status = 'DELIVERED'
		  AND e.status = 'HELD'
		  AND (SELECT MAX(t.created_at) FROM order_timeline t
		       WHERE t.order_id = o.id AND t.to_status = 'DELIVERED') < ?
		  AND NOT EXISTS (SELECT 1 FROM disputes d
		                  WHERE d.order_id = o.id AND d.status IN ('OPEN', 'UNDER_REVIEW'))
		ORDER BY o.id
		LIMIT ?`, toMicros(deliveredBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Escrow

const accountColumns = `id, order_id, held_amount, released_amount, refunded_amount, status, pending_return, created_at, updated_at`

func scanAccount(row scanner) (*escrow.Account, error) {
	var (
		a                        escrow.Account
		held, released, refunded string
		pending                  bool
		createdAt, updatedAt     int64
	)
	if err := row.Scan(&a.ID, &a.OrderID, &held, &released, &refunded, &a.Status, &pending, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, escrow.ErrAccountNotFound
		}
		return nil, err
	}
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
	a.PendingReturn = pending
	a.CreatedAt = fromMicros(createdAt)
	a.UpdatedAt = fromMicros(updatedAt)
	return &a, nil
}

func (t *txn) InsertAccount(ctx context.Context, a *escrow.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO escrow_accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, a.Held.String(), a.Released.String(), a.Refunded.String(), string(a.Status),
		a.PendingReturn, toMicros(a.CreatedAt), toMicros(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", escrow.ErrAccountExists, a.OrderID)
	}
	return err
}

func (t *txn) GetAccount(ctx context.Context, orderID string) (*escrow.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE order_id = ?`, orderID))
}

func (t *txn) LockAccount(ctx context.Context, orderID string) (*escrow.Account, error) {
	return t.GetAccount(ctx, orderID)
}

func (t *txn) UpdateAccount(ctx context.Context, a *escrow.Account) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE escrow_accounts
		 SET released_amount = ?, refunded_amount = ?, status = ?, pending_return = ?, updated_at = ?
		 WHERE id = ?`,
		a.Released.String(), a.Refunded.String(), string(a.Status), a.PendingReturn, toMicros(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return escrow.ErrAccountNotFound
	}
	return nil
}

func (t *txn) InsertEscrowEvent(ctx context.Context, e *escrow.Event) error {
	dist, err := marshalNullable(e.Distribution)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO escrow_events (id, account_id, order_id, operation, from_status, to_status, amount, reason, actor_id, distribution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.OrderID, string(e.Operation), string(e.From), string(e.To), e.Amount.String(),
		e.Reason, e.ActorID, dist, toMicros(e.CreatedAt),
	)
	return err
}

func (t *txn) EscrowEvents(ctx context.Context, accountID string) ([]escrow.Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, account_id, order_id, operation, from_status, to_status, amount, reason, actor_id, distribution, created_at
		 FROM escrow_events WHERE account_id = ? ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var (
			e      escrow.Event
			amount string
			dist   sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &e.Operation, &e.From, &e.To, &amount, &e.Reason, &e.ActorID, &dist, &at); err != nil {
			return nil, err
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if dist.Valid && dist.String != "" {
			e.Distribution = &escrow.Distribution{}
			if err := json.Unmarshal([]byte(dist.String), e.Distribution); err != nil {
				return nil, fmt.Errorf("decode distribution: %w", err)
			}
		}
		e.CreatedAt = fromMicros(at)
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
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO evidence (id, dispute_id, file_ref, type, uploaded_by, metadata, uploaded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DisputeID, e.FileRef, string(e.Type), e.UploadedBy, string(meta), toMicros(e.Metadata.UploadedAt),
	)
	return err
}

func (t *txn) ListEvidence(ctx context.Context, disputeID string) ([]evidence.Evidence, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, dispute_id, file_ref, type, uploaded_by, metadata FROM evidence WHERE dispute_id = ? ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evidence.Evidence
	for rows.Next() {
		var (
			e    evidence.Evidence
			meta string
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.FileRef, &e.Type, &e.UploadedBy, &meta); err != nil {
			return nil, err
		}
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
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY seq DESC LIMIT 1`,
		string(entityType), entityID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (t *txn) InsertAudit(ctx context.Context, e *audit.Entry) error {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, entity_type, entity_id, actor_id, before_state, after_state, reason, request, created_at, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), string(e.EntityType), e.EntityID, e.ActorID,
		nullableRaw(e.Before), nullableRaw(e.After), e.Reason, string(req), toMicros(e.Timestamp), e.PrevHash, e.Hash,
	)
	return err
}

func (t *txn) ListAudit(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.Entry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, action, entity_type, entity_id, actor_id, before_state, after_state, reason, request, created_at, prev_hash, hash
		 FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY seq`,
		string(entityType), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			before, after sql.NullString
			req           string
			at            int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.ActorID, &before, &after, &e.Reason, &req, &at, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		if err := json.Unmarshal([]byte(req), &e.Request); err != nil {
			return nil, fmt.Errorf("decode audit request: %w", err)
		}
		e.Timestamp = fromMicros(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
