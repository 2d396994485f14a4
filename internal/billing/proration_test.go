package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentflow.io/internal/money"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func upgradeInput() ProrationInput {
	return ProrationInput{
		FromPlanPrice: amt("300"),
		ToPlanPrice:   amt("600"),
		PeriodStart:   day(2026, time.January, 1),
		PeriodEnd:     day(2026, time.February, 1),
		EffectiveAt:   day(2026, time.January, 16),
	}
}

func TestEstimateProrationMidPeriodUpgrade(t *testing.T) {
	est, err := EstimateProration(upgradeInput())
	require.NoError(t, err)

	assert.Equal(t, 31, est.Breakdown.TotalDays)
	assert.Equal(t, 16, est.Breakdown.RemainingDays)
	assert.Equal(t, "154.84", est.OldUnusedCredit.String())
	assert.Equal(t, "309.68", est.NewRemainingCharge.String())
	assert.Equal(t, "154.84", est.NetAmount.String())
}

func TestEstimateProrationBoundaries(t *testing.T) {
	in := upgradeInput()

	in.EffectiveAt = in.PeriodEnd
	est, err := EstimateProration(in)
	require.NoError(t, err)
	assert.Zero(t, est.Breakdown.RemainingDays)
	assert.True(t, est.NetAmount.IsZero())

	in.EffectiveAt = in.PeriodEnd.AddDate(0, 0, 3)
	est, err = EstimateProration(in)
	require.NoError(t, err)
	assert.Zero(t, est.Breakdown.RemainingDays)

	in.EffectiveAt = in.PeriodStart.AddDate(0, 0, -5)
	est, err = EstimateProration(in)
	require.NoError(t, err)
	assert.Equal(t, 31, est.Breakdown.RemainingDays)
	assert.Equal(t, "300.00", est.NetAmount.String())

	// Time of day and zone are ignored; only the UTC calendar date counts.
	in.EffectiveAt = time.Date(2026, time.January, 16, 23, 59, 0, 0, time.UTC)
	est, err = EstimateProration(in)
	require.NoError(t, err)
	assert.Equal(t, 16, est.Breakdown.RemainingDays)
}

func TestEstimateProrationRejectsBadInput(t *testing.T) {
	in := upgradeInput()
	in.PeriodEnd = in.PeriodStart
	_, err := EstimateProration(in)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	in = upgradeInput()
	in.FromPlanPrice = amt("-1")
	_, err = EstimateProration(in)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApplyProrationCreatesInvoice(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	in := ApplyProrationInput{
		ProrationInput: upgradeInput(),
		SubscriberID:   "sub-1",
		SubscriptionID: "subs-9",
		IdempotencyKey: "upgrade-9",
	}

	res, err := f.svc.ApplyProration(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ProrationInvoiceCreated, res.Status)
	assert.Equal(t, "154.84", res.NetAmount.String())

	inv, err := f.svc.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceTypeProration, inv.Type)
	assert.Equal(t, StatusIssued, inv.Status)
	assert.Equal(t, "user-1", inv.UserID)
	assert.Equal(t, "154.84", inv.BaseAmount.String())
	assert.Equal(t, "18.00", inv.GSTPercent.String())
	assert.Equal(t, "27.87", inv.GSTAmount.String())
	assert.Equal(t, "182.71", inv.TotalAmount.String())
	assert.Equal(t, inv.TotalAmount.String(), inv.DueAmount.String())
	assert.Equal(t, "FY25-26-INV-000001", inv.Number)
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, testNow.AddDate(0, 0, 7), *inv.DueDate)

	replay, err := f.svc.ApplyProration(ctx, in)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.InvoiceID, replay.InvoiceID)
	assert.Equal(t, res.NetAmount.String(), replay.NetAmount.String())

	invoices, total, err := f.svc.ListInvoices(ctx, InvoiceFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, invoices, 1)
	f.requireConsistent(t)
}

func TestApplyProrationUsesConfiguredGST(t *testing.T) {
	f := newFixture(t, nil, StaticTaxRates{ServiceTypeRental: amt("12")})
	res, err := f.svc.ApplyProration(context.Background(), ApplyProrationInput{
		ProrationInput: upgradeInput(),
		SubscriberID:   "sub-1",
		SubscriptionID: "subs-9",
	})
	require.NoError(t, err)

	inv, err := f.svc.GetInvoice(context.Background(), res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "12.00", inv.GSTPercent.String())
	assert.Equal(t, "18.58", inv.GSTAmount.String())
}

func TestApplyProrationDowngradeCreatesCredit(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	down := upgradeInput()
	down.FromPlanPrice, down.ToPlanPrice = down.ToPlanPrice, down.FromPlanPrice
	in := ApplyProrationInput{ProrationInput: down, SubscriberID: "sub-1", SubscriptionID: "subs-9", IdempotencyKey: "down-1"}

	res, err := f.svc.ApplyProration(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ProrationCreditCreated, res.Status)
	assert.Equal(t, "-154.84", res.NetAmount.String())
	assert.NotEmpty(t, res.CreditEntryID)
	assert.Equal(t, "154.84", f.balance(t, "sub-1").String())

	replay, err := f.svc.ApplyProration(ctx, in)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.CreditEntryID, replay.CreditEntryID)
	assert.Equal(t, "154.84", f.balance(t, "sub-1").String())

	entry, err := f.store.GetEntry(ctx, res.CreditEntryID)
	require.NoError(t, err)
	assert.Equal(t, ReasonProration, entry.Reason)
	assert.Equal(t, Reference{Type: RefSubscription, ID: "subs-9"}, entry.Reference)
	f.requireConsistent(t)
}

func TestApplyProrationNoAction(t *testing.T) {
	f := newFixture(t, nil, nil)
	in := upgradeInput()
	in.EffectiveAt = in.PeriodEnd

	res, err := f.svc.ApplyProration(context.Background(), ApplyProrationInput{
		ProrationInput: in,
		SubscriberID:   "sub-1",
		SubscriptionID: "subs-9",
	})
	require.NoError(t, err)
	assert.Equal(t, ProrationNoAction, res.Status)
	assert.True(t, res.NetAmount.Equal(money.Zero))
	assert.Empty(t, f.store.Effects())
}

func TestApplyProrationUnknownSubscriber(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.ApplyProration(context.Background(), ApplyProrationInput{
		ProrationInput: upgradeInput(),
		SubscriberID:   "ghost",
		SubscriptionID: "subs-9",
	})
	require.ErrorIs(t, err, ErrSubscriberNotFound)
	assert.Equal(t, "dependency_error", KindOf(err))
}
