package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escrow-resolution/internal/orders"
	"github.com/example/escrow-resolution/pkg/audit"
)

// MockStore implements Store for testing
type MockStore struct {
	accounts map[string]*Account
	events   []Event
	audit    []*audit.Entry
}

func newMockStore() *MockStore {
	return &MockStore{accounts: map[string]*Account{}}
}

func (m *MockStore) InsertAccount(ctx context.Context, a *Account) error {
	cp := *a
	m.accounts[a.OrderID] = &cp
	return nil
}

func (m *MockStore) GetAccount(ctx context.Context, orderID string) (*Account, error) {
	a, ok := m.accounts[orderID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockStore) LockAccount(ctx context.Context, orderID string) (*Account, error) {
	return m.GetAccount(ctx, orderID)
}

func (m *MockStore) UpdateAccount(ctx context.Context, a *Account) error {
	cp := *a
	m.accounts[a.OrderID] = &cp
	return nil
}

func (m *MockStore) InsertEscrowEvent(ctx context.Context, e *Event) error {
	m.events = append(m.events, *e)
	return nil
}

func (m *MockStore) EscrowEvents(ctx context.Context, accountID string) ([]Event, error) {
	var out []Event
	for _, e := range m.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) LastAuditHash(ctx context.Context, t audit.EntityType, id string) (string, error) {
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].EntityType == t && m.audit[i].EntityID == id {
			return m.audit[i].Hash, nil
		}
	}
	return "", nil
}

func (m *MockStore) InsertAudit(ctx context.Context, e *audit.Entry) error {
	m.audit = append(m.audit, e)
	return nil
}

func (m *MockStore) ListAudit(ctx context.Context, t audit.EntityType, id string) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for _, e := range m.audit {
		if e.EntityType == t && e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFrozen(t *testing.T, held string) (*Ledger, *MockStore) {
	t.Helper()
	ctx := context.Background()
	ledger := NewLedger(nil, func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) })
	store := newMockStore()

	_, err := ledger.Hold(ctx, store, HoldRequest{OrderID: "o-1", Amount: dec(held), ActorID: "SYSTEM"})
	require.NoError(t, err)
	_, err = ledger.Freeze(ctx, store, FreezeRequest{OrderID: "o-1", ActorID: "SYSTEM", Reason: "dispute raised"})
	require.NoError(t, err)
	return ledger, store
}

func TestLedger_FreezeIsIdempotent(t *testing.T) {
	ledger, store := newFrozen(t, "100.00")

	acct, err := ledger.Freeze(context.Background(), store, FreezeRequest{OrderID: "o-1", ActorID: "SYSTEM"})
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, acct.Status)
	assert.Len(t, store.events, 2, "second freeze must not append history")
}

func TestLedger_ReleaseFrozen(t *testing.T) {
	ledger, store := newFrozen(t, "100.00")
	order := &orders.Order{ID: "o-1", Total: dec("100.00"), TaxAmount: dec("18.00"), CommissionAmount: dec("5.00"), ManufacturerAmount: dec("50.00")}

	acct, err := ledger.Release(context.Background(), store, ReleaseRequest{OrderID: "o-1", Order: order, ActorID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, acct.Status)
	assert.True(t, acct.Released.Equal(dec("100.00")))
	assert.True(t, acct.Balanced())

	last := store.events[len(store.events)-1]
	require.NotNil(t, last.Distribution)
	assert.True(t, last.Distribution.Dealer.Equal(dec("27.00")))
	assert.True(t, last.Distribution.Total().Equal(dec("100.00")))

	entries, _ := store.ListAudit(context.Background(), audit.EntityEscrow, "o-1")
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionEscrowReleased, entries[2].Action)
	assert.True(t, audit.VerifyChain(entries))
}

func TestLedger_TerminalStatesRejectTransitions(t *testing.T) {
	ctx := context.Background()
	ledger, store := newFrozen(t, "100.00")
	_, err := ledger.Refund(ctx, store, RefundRequest{OrderID: "o-1", ActorID: "SYSTEM"})
	require.NoError(t, err)

	_, err = ledger.Release(ctx, store, ReleaseRequest{OrderID: "o-1", ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ledger.Refund(ctx, store, RefundRequest{OrderID: "o-1", ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ledger.Freeze(ctx, store, FreezeRequest{OrderID: "o-1", ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLedger_ReleaseRequiresFrozen(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil, nil)
	store := newMockStore()
	_, err := ledger.Hold(ctx, store, HoldRequest{OrderID: "o-2", Amount: dec("10"), ActorID: "SYSTEM"})
	require.NoError(t, err)

	_, err = ledger.Release(ctx, store, ReleaseRequest{OrderID: "o-2", ActorID: "SYSTEM"})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusHeld, te.From)
}

func TestLedger_Refund(t *testing.T) {
	tests := []struct {
		name         string
		amount       *decimal.Decimal
		wantErr      error
		wantRefunded string
		wantReleased string
	}{
		{name: "full refund", amount: nil, wantRefunded: "100", wantReleased: "0"},
		{name: "partial refund releases remainder", amount: ptr(dec("40")), wantRefunded: "40", wantReleased: "60"},
		{name: "exact held amount", amount: ptr(dec("100")), wantRefunded: "100", wantReleased: "0"},
		{name: "over refund", amount: ptr(dec("100.01")), wantErr: ErrOverRefund},
		{name: "zero amount", amount: ptr(decimal.Zero), wantErr: ErrInvalidAmount},
		{name: "negative amount", amount: ptr(dec("-5")), wantErr: ErrInvalidAmount},
		{name: "sub-cent scale", amount: ptr(dec("40.00001")), wantErr: ErrInvalidAmount},
		{name: "four places", amount: ptr(dec("40.1234")), wantRefunded: "40.1234", wantReleased: "59.8766"},
		{name: "trailing zeros past four places", amount: ptr(dec("40.000000")), wantRefunded: "40", wantReleased: "60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, store := newFrozen(t, "100")
			acct, err := ledger.Refund(context.Background(), store, RefundRequest{OrderID: "o-1", Amount: tt.amount, ActorID: "SYSTEM"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				stored, _ := store.GetAccount(context.Background(), "o-1")
				assert.Equal(t, StatusFrozen, stored.Status, "failed refund must leave the account frozen")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusRefunded, acct.Status)
			assert.True(t, acct.Refunded.Equal(dec(tt.wantRefunded)), acct.Refunded.String())
			assert.True(t, acct.Released.Equal(dec(tt.wantReleased)), acct.Released.String())
			assert.True(t, acct.Balanced())
			assert.True(t, acct.Outstanding().IsZero())
		})
	}
}

func TestLedger_RefundPendingReturn(t *testing.T) {
	ledger, store := newFrozen(t, "250")
	acct, err := ledger.Refund(context.Background(), store, RefundRequest{OrderID: "o-1", PendingReturn: true, ActorID: "SYSTEM"})
	require.NoError(t, err)
	assert.True(t, acct.PendingReturn)
	assert.True(t, acct.Refunded.Equal(dec("250")))
}

func TestLedger_Settle(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil, nil)
	store := newMockStore()
	_, err := ledger.Hold(ctx, store, HoldRequest{OrderID: "o-3", Amount: dec("80"), ActorID: "SYSTEM"})
	require.NoError(t, err)

	acct, err := ledger.Settle(ctx, store, SettleRequest{OrderID: "o-3", ActorID: "SYSTEM"})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, acct.Status)
	assert.True(t, acct.Released.Equal(dec("80")))

	_, err = ledger.Settle(ctx, store, SettleRequest{OrderID: "o-3", ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLedger_HoldRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil, nil)
	store := newMockStore()
	_, err := ledger.Hold(ctx, store, HoldRequest{OrderID: "o-4", Amount: dec("1"), ActorID: "SYSTEM"})
	require.NoError(t, err)
	_, err = ledger.Hold(ctx, store, HoldRequest{OrderID: "o-4", Amount: dec("1"), ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = ledger.Hold(ctx, store, HoldRequest{OrderID: "o-5", Amount: decimal.Zero, ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Hold(ctx, store, HoldRequest{OrderID: "o-6", Amount: dec("10.12345"), ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = store.GetAccount(ctx, "o-6")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLedger_UnknownAccount(t *testing.T) {
	_, err := NewLedger(nil, nil).Freeze(context.Background(), newMockStore(), FreezeRequest{OrderID: "nope", ActorID: "SYSTEM"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDistribute_CapsAtReleased(t *testing.T) {
	o := &orders.Order{TaxAmount: dec("10"), CommissionAmount: dec("10"), ManufacturerAmount: dec("50")}
	d := Distribute(o, dec("30"))
	assert.True(t, d.TaxWithheld.Equal(dec("10")))
	assert.True(t, d.Platform.Equal(dec("10")))
	assert.True(t, d.Manufacturer.Equal(dec("10")))
	assert.True(t, d.Dealer.IsZero())
	assert.True(t, d.Total().Equal(dec("30")))
}

func ptr[T any](v T) *T { return &v }
