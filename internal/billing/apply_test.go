package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentflow.io/internal/money"
)

func TestApplyCreditClampsToBalance(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.grant(t, "sub-1", "50")
	inv := f.seedInvoice(t, "200", "0", nil)

	res, err := f.svc.ApplyCreditToInvoice(context.Background(), ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
	require.NoError(t, err)

	assert.Equal(t, "50.00", res.AppliedAmount.String())
	assert.Equal(t, "150.00", res.Invoice.DueAmount.String())
	assert.Equal(t, "50.00", res.Invoice.CreditAppliedAmount.String())
	assert.Equal(t, StatusIssued, res.Invoice.Status)
	assert.Equal(t, "0.00", f.balance(t, "sub-1").String())
	f.requireConsistent(t)
}

func TestApplyCreditPaysOffInvoice(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.grant(t, "sub-1", "500")
	inv := f.seedInvoice(t, "200", "0", nil)

	res, err := f.svc.ApplyCreditToInvoice(context.Background(), ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
	require.NoError(t, err)

	assert.Equal(t, "200.00", res.AppliedAmount.String())
	assert.True(t, res.Invoice.DueAmount.IsZero())
	assert.Equal(t, StatusPaid, res.Invoice.Status)
	assert.Equal(t, "300.00", f.balance(t, "sub-1").String())

	apps, err := f.store.ListApplications(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, res.DebitEntryID, apps[0].DebitEntryID)
	assert.Equal(t, "200.00", apps[0].AppliedAmount.String())
	f.requireConsistent(t)
}

func TestApplyCreditHonoursRequestedAmount(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.grant(t, "sub-1", "100")
	inv := f.seedInvoice(t, "100", "18", nil)
	requested := amt("30.005")

	res, err := f.svc.ApplyCreditToInvoice(context.Background(), ApplyCreditInput{
		SubscriberID: "sub-1",
		InvoiceID:    inv.ID,
		Amount:       &requested,
	})
	require.NoError(t, err)
	assert.Equal(t, "30.01", res.AppliedAmount.String())
	assert.Equal(t, "118.00", res.Invoice.TotalAmount.String())
	assert.Equal(t, "87.99", res.Invoice.DueAmount.String())
	f.requireConsistent(t)
}

func TestApplyCreditReplay(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.grant(t, "sub-1", "40")
	inv := f.seedInvoice(t, "100", "0", nil)
	in := ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID, IdempotencyKey: "apply-1"}

	first, err := f.svc.ApplyCreditToInvoice(ctx, in)
	require.NoError(t, err)
	f.grant(t, "sub-1", "25")

	second, err := f.svc.ApplyCreditToInvoice(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.DebitEntryID, second.DebitEntryID)
	assert.Equal(t, "40.00", second.AppliedAmount.String())
	assert.Equal(t, "60.00", second.Invoice.DueAmount.String())
	assert.Equal(t, "25.00", f.balance(t, "sub-1").String())

	other := f.seedInvoice(t, "10", "0", nil)
	_, err = f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: other.ID, IdempotencyKey: "apply-1"})
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
	f.requireConsistent(t)
}

func TestApplyCreditRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no credit", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		inv := f.seedInvoice(t, "100", "0", nil)
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
		require.ErrorIs(t, err, ErrNoCreditAvailable)
	})

	t.Run("nothing due", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.grant(t, "sub-1", "100")
		inv := f.seedInvoice(t, "10", "0", nil)
		_, err := f.svc.MarkInvoicePaid(ctx, inv.ID)
		require.NoError(t, err)
		_, err = f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
		require.ErrorIs(t, err, ErrNothingDue)
		assert.Equal(t, "100.00", f.balance(t, "sub-1").String())
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.grant(t, "sub-1", "100")
		inv := f.seedInvoice(t, "10", "0", nil)
		_, err := f.svc.CancelInvoice(ctx, inv.ID, "")
		require.NoError(t, err)
		_, err = f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
		require.ErrorIs(t, err, ErrInvoiceCancelled)
	})

	t.Run("non positive amount", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		zero := money.Zero
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: "x", Amount: &zero})
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: "missing"})
		require.ErrorIs(t, err, ErrInvoiceNotFound)
		assert.Equal(t, "not_found", KindOf(err))
	})

	t.Run("invoice of another user", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.grant(t, "sub-2", "50")
		inv := f.seedInvoice(t, "10", "0", nil)
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-2", InvoiceID: inv.ID})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, "50.00", f.balance(t, "sub-2").String())
		got, err := f.svc.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.True(t, got.CreditAppliedAmount.IsZero())
	})

	t.Run("unknown subscriber", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		inv := f.seedInvoice(t, "10", "0", nil)
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-404", InvoiceID: inv.ID})
		require.ErrorIs(t, err, ErrSubscriberNotFound)
		assert.Equal(t, "dependency_error", KindOf(err))
	})

	t.Run("currency mismatch", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		inv := f.seedInvoice(t, "10", "0", nil)
		_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID, Currency: "USD"})
		require.ErrorIs(t, err, ErrValidation)
	})
}
