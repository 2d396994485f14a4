package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rentflow.io/internal/money"
)

var testNow = time.Date(2026, 1, 16, 9, 30, 0, 0, time.UTC)

func amt(s string) money.Amount { return money.MustParse(s) }

type fixture struct {
	svc   *Service
	store *InMemory

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, orders StaticOrders, taxes TaxRates) *fixture {
	t.Helper()
	f := &fixture{store: NewInMemory(), now: testNow}
	subs := StaticSubscribers{"sub-1": "user-1", "sub-2": "user-2"}
	f.svc = NewService(f.store, orders, subs, taxes,
		WithClock(f.clock),
		WithLogger(zap.NewNop()),
	)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) grant(t *testing.T, subscriberID, amount string) Entry {
	t.Helper()
	e, err := f.svc.AddCredit(context.Background(), AddCreditInput{
		SubscriberID: subscriberID,
		Amount:       amt(amount),
		Reason:       "referral",
		Reference:    Reference{Type: "referral", ID: "ref-" + amount},
	})
	require.NoError(t, err)
	return e
}

// seedInvoice stores an issued invoice for user-1 with the given base and GST percent.
func (f *fixture) seedInvoice(t *testing.T, base, gst string, dueDate *time.Time) Invoice {
	t.Helper()
	var inv Invoice
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		number, err := nextInvoiceNumber(ctx, tx, f.clock())
		if err != nil {
			return err
		}
		inv = Invoice{
			ID:         "inv-" + number,
			Number:     number,
			UserID:     "user-1",
			Type:       InvoiceTypeProration,
			Status:     StatusDraft,
			BaseAmount: amt(base),
			GSTPercent: amt(gst),
			Currency:   DefaultCurrency,
			DueDate:    dueDate,
			CreatedAt:  f.clock(),
			UpdatedAt:  f.clock(),
		}
		inv.settle()
		if err := inv.fire(triggerIssue); err != nil {
			return err
		}
		return tx.InsertInvoice(ctx, inv)
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) balance(t *testing.T, subscriberID string) money.Amount {
	t.Helper()
	acct, err := f.svc.GetCreditAccount(context.Background(), subscriberID, "")
	require.NoError(t, err)
	return acct.Balance
}

// requireConsistent checks the ledger and invoice amount invariants over the whole store.
func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.store.mu.Lock()
	accounts := make([]string, 0, len(f.store.state.accounts))
	for id := range f.store.state.accounts {
		accounts = append(accounts, id)
	}
	invoices := make([]Invoice, 0, len(f.store.state.invoices))
	for _, inv := range f.store.state.invoices {
		invoices = append(invoices, inv)
	}
	f.store.mu.Unlock()

	for _, id := range accounts {
		ok, balance, sum, err := f.svc.VerifyAccount(ctx, id)
		require.NoError(t, err)
		require.Truef(t, ok, "account %s: balance %s != entries %s", id, balance, sum)
		require.False(t, balance.IsNegative())
	}
	for _, inv := range invoices {
		require.Equal(t, inv.BaseAmount.Sub(inv.DiscountAmount).String(), inv.AmountBeforeGST.String(), inv.ID)
		require.Equal(t, inv.AmountBeforeGST.Add(inv.GSTAmount).String(), inv.TotalAmount.String(), inv.ID)
		due := money.Max(money.Zero, inv.TotalAmount.Sub(inv.CreditAppliedAmount).Sub(inv.PaidAmount))
		require.Equal(t, due.String(), inv.DueAmount.String(), inv.ID)
		require.False(t, inv.DueAmount.IsNegative())
	}
}
