package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rentflow.io/internal/outbox"
)

func paidOrder() Order {
	return Order{
		ID:                  "ord-1",
		UserID:              "user-1",
		SubscriptionID:      "subs-1",
		ServiceType:         ServiceTypeRental,
		Status:              "paid",
		BaseAmount:          amt("1000"),
		DiscountAmount:      amt("100"),
		CreditAppliedAmount: amt("50"),
		AmountBeforeGST:     amt("850"),
		GSTPercent:          amt("18"),
		GSTAmount:           amt("153"),
		TotalAmount:         amt("1003"),
	}
}

func TestCreateInvoiceFromOrder(t *testing.T) {
	orders := StaticOrders{"ord-1": paidOrder()}
	f := newFixture(t, orders, nil)
	ctx := context.Background()

	inv, created, err := f.svc.CreateInvoiceFromOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, "FY25-26-INV-000001", inv.Number)
	assert.Equal(t, InvoiceTypeOrder, inv.Type)
	assert.Equal(t, StatusPaid, inv.Status)
	assert.Equal(t, "150.00", inv.DiscountAmount.String())
	assert.Equal(t, "850.00", inv.AmountBeforeGST.String())
	assert.Equal(t, "153.00", inv.GSTAmount.String())
	assert.Equal(t, "1003.00", inv.TotalAmount.String())
	assert.Equal(t, "1003.00", inv.PaidAmount.String())
	assert.True(t, inv.CreditAppliedAmount.IsZero())
	assert.True(t, inv.DueAmount.IsZero())

	again, created, err := f.svc.CreateInvoiceFromOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inv.ID, again.ID)

	effects := f.store.Effects()
	require.Len(t, effects, 2)
	assert.Equal(t, outbox.KindInvoicePDF, effects[0].Kind)
	assert.Equal(t, outbox.KindInvoiceNotify, effects[1].Kind)
	var notify map[string]any
	require.NoError(t, json.Unmarshal(effects[1].Payload, &notify))
	assert.Equal(t, "invoice_generated", notify["template_key"])
	assert.Equal(t, "user-1", notify["user_id"])
	f.requireConsistent(t)
}

func TestCreateInvoiceFromOrderCreditExceedsBase(t *testing.T) {
	order := paidOrder()
	order.BaseAmount = amt("300")
	order.DiscountAmount = amt("0")
	order.CreditAppliedAmount = amt("500")
	order.AmountBeforeGST = amt("0")
	order.GSTAmount = amt("0")
	order.TotalAmount = amt("0")
	f := newFixture(t, StaticOrders{"ord-1": order}, nil)

	inv, created, err := f.svc.CreateInvoiceFromOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StatusPaid, inv.Status)
	assert.Equal(t, "300.00", inv.DiscountAmount.String())
	assert.True(t, inv.AmountBeforeGST.IsZero())
	assert.True(t, inv.TotalAmount.IsZero())
	assert.True(t, inv.DueAmount.IsZero())

	var meta map[string]string
	require.NoError(t, json.Unmarshal(inv.Meta, &meta))
	assert.Equal(t, "500.00", meta["order_credit_applied_amount"])
	assert.Equal(t, "200.00", meta["order_unused_discount_amount"])
	f.requireConsistent(t)
}

func TestCreateInvoiceFromOrderRejectsNegativeAmounts(t *testing.T) {
	order := paidOrder()
	order.DiscountAmount = amt("-1")
	f := newFixture(t, StaticOrders{"ord-1": order}, nil)

	_, _, err := f.svc.CreateInvoiceFromOrder(context.Background(), "ord-1")
	require.ErrorIs(t, err, ErrDependency)
	assert.Empty(t, f.store.Effects())
}

func TestCreateInvoiceFromOrderDependencyErrors(t *testing.T) {
	pending := paidOrder()
	pending.ID, pending.Status = "ord-2", "pending"
	f := newFixture(t, StaticOrders{"ord-2": pending}, nil)
	ctx := context.Background()

	_, _, err := f.svc.CreateInvoiceFromOrder(ctx, "ord-2")
	require.ErrorIs(t, err, ErrOrderNotPaid)
	assert.Equal(t, "dependency_error", KindOf(err))

	_, _, err = f.svc.CreateInvoiceFromOrder(ctx, "ord-404")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, _, err = f.svc.CreateInvoiceFromOrder(ctx, " ")
	require.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, f.store.Effects())
	number, err := f.svc.NextInvoiceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FY25-26-INV-000001", number)
}

func TestMarkInvoicePaid(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.grant(t, "sub-1", "20")
	inv := f.seedInvoice(t, "100", "18", nil)
	_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
	require.NoError(t, err)

	paid, err := f.svc.MarkInvoicePaid(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "98.00", paid.PaidAmount.String())
	assert.True(t, paid.DueAmount.IsZero())

	again, err := f.svc.MarkInvoicePaid(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.UpdatedAt, again.UpdatedAt)
	assert.Len(t, f.store.Effects(), 1)

	other := f.seedInvoice(t, "10", "0", nil)
	_, err = f.svc.CancelInvoice(ctx, other.ID, "")
	require.NoError(t, err)
	_, err = f.svc.MarkInvoicePaid(ctx, other.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	f.requireConsistent(t)
}

func TestMarkOverdueInvoices(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	past := testNow.Add(-time.Hour)
	future := testNow.Add(48 * time.Hour)

	late := f.seedInvoice(t, "10", "0", &past)
	onTime := f.seedInvoice(t, "10", "0", &future)
	noDate := f.seedInvoice(t, "10", "0", nil)
	settled := f.seedInvoice(t, "10", "0", &past)
	_, err := f.svc.MarkInvoicePaid(ctx, settled.ID)
	require.NoError(t, err)

	marked, err := f.svc.MarkOverdueInvoices(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	status := func(id string) InvoiceStatus {
		inv, err := f.svc.GetInvoice(ctx, id)
		require.NoError(t, err)
		return inv.Status
	}
	assert.Equal(t, StatusOverdue, status(late.ID))
	assert.Equal(t, StatusIssued, status(onTime.ID))
	assert.Equal(t, StatusIssued, status(noDate.ID))
	assert.Equal(t, StatusPaid, status(settled.ID))

	marked, err = f.svc.MarkOverdueInvoices(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, marked)

	// Overdue invoices can still be paid.
	paid, err := f.svc.MarkInvoicePaid(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)

	overdue, total, err := f.svc.ListInvoices(ctx, InvoiceFilter{Status: StatusOverdue})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, overdue)
}

func TestCancelInvoiceReturnsCredit(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.grant(t, "sub-1", "15")
	f.grant(t, "sub-1", "10")
	inv := f.seedInvoice(t, "100", "0", nil)

	ten := amt("10")
	_, err := f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID, Amount: &ten})
	require.NoError(t, err)
	_, err = f.svc.ApplyCreditToInvoice(ctx, ApplyCreditInput{SubscriberID: "sub-1", InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "sub-1").IsZero())

	cancelled, err := f.svc.CancelInvoice(ctx, inv.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "25.00", f.balance(t, "sub-1").String())

	again, err := f.svc.CancelInvoice(ctx, inv.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, "25.00", f.balance(t, "sub-1").String())
	f.requireConsistent(t)
}

func TestListInvoicesFilters(t *testing.T) {
	f := newFixture(t, StaticOrders{"ord-1": paidOrder()}, nil)
	ctx := context.Background()
	_, _, err := f.svc.CreateInvoiceFromOrder(ctx, "ord-1")
	require.NoError(t, err)
	f.advance(time.Minute)
	f.seedInvoice(t, "10", "0", nil)

	all, total, err := f.svc.InvoicesForUser(ctx, "user-1", Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, all, 2)
	assert.Equal(t, "FY25-26-INV-000002", all[0].Number)

	paid, _, err := f.svc.ListInvoices(ctx, InvoiceFilter{Status: StatusPaid})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, "ord-1", paid[0].OrderID)

	none, _, err := f.svc.InvoicesForUser(ctx, "user-2", Page{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, _, err = f.svc.ListInvoices(ctx, InvoiceFilter{Status: "lost"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestOutboxDeliveryAttachesPDF(t *testing.T) {
	f := newFixture(t, StaticOrders{"ord-1": paidOrder()}, nil)
	ctx := context.Background()
	inv, _, err := f.svc.CreateInvoiceFromOrder(ctx, "ord-1")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"media_id":"media-1"}`))
	}))
	defer srv.Close()

	d := outbox.NewDispatcher(f.store, f.svc, outbox.Config{MediaURL: srv.URL, NotifyURL: srv.URL},
		outbox.WithDispatcherClock(f.clock),
		outbox.WithDispatcherLogger(zap.NewNop()),
	)
	stats, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Delivered)

	got, err := f.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "media-1", got.PDFMediaID)
	for _, e := range f.store.Effects() {
		assert.Equal(t, outbox.StatusDelivered, e.Status)
	}
}
