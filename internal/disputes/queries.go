package disputes

import (
	"context"

	"github.com/example/escrow-resolution/internal/escrow"
	"github.com/example/escrow-resolution/internal/evidence"
	"github.com/example/escrow-resolution/pkg/audit"
)

func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	var d *Dispute
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		d, err = tx.GetDispute(ctx, id)
		return err
	})
	return d, err
}

func (m *Manager) List(ctx context.Context, f Filter) ([]*Dispute, error) {
	var out []*Dispute
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListDisputes(ctx, f)
		return err
	})
	return out, err
}

// Evidence lists the evidence of an existing dispute.
func (m *Manager) Evidence(ctx context.Context, disputeID string) ([]evidence.Evidence, error) {
	var out []evidence.Evidence
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		var err error
		out, err = m.evidence.List(ctx, tx, disputeID)
		return err
	})
	return out, err
}

// Escrow returns the escrow account of an order with its event history.
func (m *Manager) Escrow(ctx context.Context, orderID string) (*escrow.Account, []escrow.Event, error) {
	var (
		acct   *escrow.Account
		events []escrow.Event
	)
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		acct, events, err = m.ledger.History(ctx, tx, orderID)
		return err
	})
	return acct, events, err
}

// AuditTrail returns the entity chain oldest first and whether it verifies.
func (m *Manager) AuditTrail(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.Entry, bool, error) {
	var entries []*audit.Entry
	err := m.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entries, err = tx.ListAudit(ctx, entityType, entityID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entries, audit.VerifyChain(entries), nil
}
