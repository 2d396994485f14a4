package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentflow.io/internal/money"
	"rentflow.io/internal/obs"
	"rentflow.io/internal/outbox"
)

// settle re-derives every computed amount from base, discount, GST percent, applied
// credit and payments. due never goes below zero.
func (inv *Invoice) settle() {
	inv.BaseAmount = inv.BaseAmount.Quantize()
	inv.DiscountAmount = inv.DiscountAmount.Quantize()
	inv.AmountBeforeGST = inv.BaseAmount.Sub(inv.DiscountAmount)
	inv.GSTAmount = inv.AmountBeforeGST.Percent(inv.GSTPercent)
	inv.TotalAmount = inv.AmountBeforeGST.Add(inv.GSTAmount)
	inv.DueAmount = money.Max(money.Zero, inv.TotalAmount.Sub(inv.CreditAppliedAmount).Sub(inv.PaidAmount))
}

// CreateInvoiceFromOrder invoices a paid subscription order. The call is idempotent per
// order: an existing invoice is returned with created=false.
func (s *Service) CreateInvoiceFromOrder(ctx context.Context, orderID string) (inv Invoice, created bool, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Invoice{}, false, invalidf("order_id is required")
	}
	if existing, err := s.store.FindInvoiceByOrder(ctx, orderID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return Invoice{}, false, err
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Invoice{}, false, dependencyErr("order lookup", err)
	}
	if !order.Paid() {
		return Invoice{}, false, ErrOrderNotPaid
	}
	// Credit consumed at order time reduced the taxable amount, so it is carried as
	// discount. The invoice's own credit_applied_amount only tracks ledger applications.
	// Orders floor their pre-GST amount at zero, so discount beyond base is recorded in
	// meta and dropped.
	discount := order.DiscountAmount.Add(order.CreditAppliedAmount)
	if order.BaseAmount.IsNegative() || order.DiscountAmount.IsNegative() || order.CreditAppliedAmount.IsNegative() {
		return Invoice{}, false, dependencyErr("order lookup", fmt.Errorf("order %s has negative amounts", orderID))
	}
	excess := money.Max(money.Zero, discount.Sub(order.BaseAmount))
	discount = discount.Sub(excess)

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if existing, err := tx.FindInvoiceByOrder(ctx, orderID); err == nil {
			inv = existing
			return nil
		} else if !errors.Is(err, ErrInvoiceNotFound) {
			return err
		}

		now := s.now()
		number, err := nextInvoiceNumber(ctx, tx, now)
		if err != nil {
			return err
		}
		fields := map[string]string{
			"order_discount_amount":       order.DiscountAmount.String(),
			"order_credit_applied_amount": order.CreditAppliedAmount.String(),
		}
		if excess.IsPositive() {
			fields["order_unused_discount_amount"] = excess.String()
		}
		meta, _ := json.Marshal(fields)
		inv = Invoice{
			ID:             uuid.NewString(),
			Number:         number,
			UserID:         order.UserID,
			OrderID:        order.ID,
			SubscriptionID: order.SubscriptionID,
			Type:           InvoiceTypeOrder,
			Status:         StatusDraft,
			BaseAmount:     order.BaseAmount,
			DiscountAmount: discount,
			GSTPercent:     order.GSTPercent,
			Currency:       s.currency,
			Meta:           meta,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inv.settle()
		if !inv.TotalAmount.Equal(order.TotalAmount) {
			s.log.Warn("order total differs from recomputed invoice total",
				zap.String("order_id", order.ID),
				zap.Stringer("order_total", order.TotalAmount),
				zap.Stringer("invoice_total", inv.TotalAmount),
			)
		}
		if err := inv.fire(triggerIssue); err != nil {
			return err
		}
		inv.PaidAmount = inv.TotalAmount
		inv.settle()
		if err := inv.fire(triggerPay); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		created = true
		return s.enqueueInvoiceEffects(ctx, tx, inv, now)
	})
	if errors.Is(err, ErrDuplicate) {
		// Lost the race against a concurrent call for the same order.
		existing, ferr := s.store.FindInvoiceByOrder(ctx, orderID)
		if ferr != nil {
			return Invoice{}, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return Invoice{}, false, err
	}
	if created {
		obs.RecordInvoiceCreated(string(inv.Type))
		s.log.Info("invoice created",
			zap.String("invoice_id", inv.ID),
			zap.String("invoice_number", inv.Number),
			zap.String("order_id", orderID),
			zap.Stringer("total", inv.TotalAmount),
		)
	}
	return inv, created, nil
}

// MarkInvoicePaid records an external payment of the remainder. Already paid invoices are
// returned unchanged.
func (s *Service) MarkInvoicePaid(ctx context.Context, invoiceID string) (Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Invoice{}, invalidf("invoice_id is required")
	}
	var inv Invoice
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusPaid {
			return nil
		}
		if err := inv.fire(triggerPay); err != nil {
			return err
		}
		now := s.now()
		inv.PaidAmount = money.Max(money.Zero, inv.TotalAmount.Sub(inv.CreditAppliedAmount))
		inv.settle()
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		if inv.PDFMediaID == "" {
			return s.enqueue(ctx, tx, outbox.KindInvoicePDF, inv.ID, pdfPayload(inv), now)
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// CancelInvoice cancels a draft or issued invoice and returns every credit applied to it
// to the subscriber's account, all in one transaction.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID, reason string) (Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Invoice{}, invalidf("invoice_id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCancelled
	}
	var (
		inv      Invoice
		reversed int
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		inv, err = tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return nil
		}
		if err := inv.fire(triggerCancel); err != nil {
			return err
		}
		now := s.now()
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		apps, err := tx.ListApplications(ctx, inv.ID)
		if err != nil {
			return err
		}
		for _, app := range apps {
			acct, err := tx.LockAccountByID(ctx, app.AccountID)
			if err != nil {
				return err
			}
			debit, err := tx.GetEntry(ctx, app.DebitEntryID)
			if err != nil {
				return err
			}
			notes, _ := json.Marshal(map[string]string{"invoice_id": inv.ID, "reason": reason})
			key := "cancel:" + inv.ID + ":" + debit.ID
			_, err = s.reverseDebit(ctx, tx, &acct, debit, ReasonCancelled, key, notes, "")
			if errors.Is(err, ErrAlreadyReversed) {
				continue
			}
			if err != nil {
				return err
			}
			reversed++
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.log.Info("invoice cancelled",
		zap.String("invoice_id", inv.ID),
		zap.String("reason", reason),
		zap.Int("credits_reversed", reversed),
	)
	return inv, nil
}

// MarkOverdueInvoices moves every issued invoice whose due date passed before now to
// overdue and returns how many changed.
func (s *Service) MarkOverdueInvoices(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	var marked int
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		marked = 0
		invs, err := tx.ListIssuedPastDue(ctx, now)
		if err != nil {
			return err
		}
		for _, inv := range invs {
			if err := inv.fire(triggerExpire); err != nil {
				return err
			}
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	obs.RecordOverdueMarked(marked)
	s.log.Info("overdue sweep finished", zap.Int("marked", marked), zap.Time("as_of", now))
	return marked, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Invoice{}, invalidf("invoice_id is required")
	}
	return s.store.GetInvoice(ctx, id)
}

// ListInvoices returns one page of invoices, newest first, and the total match count.
func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalidf("unknown status %q", f.Status)
	}
	p := Page{Limit: f.Limit, Offset: f.Offset}.normalize()
	f.Limit, f.Offset = p.Limit, p.Offset
	return s.store.ListInvoices(ctx, f)
}

// InvoicesForUser is the subscriber view of ListInvoices.
func (s *Service) InvoicesForUser(ctx context.Context, userID string, p Page) ([]Invoice, int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, 0, invalidf("user id is required")
	}
	return s.ListInvoices(ctx, InvoiceFilter{UserID: userID, Limit: p.Limit, Offset: p.Offset})
}

// AttachInvoicePDF stores the media id of a rendered invoice document.
func (s *Service) AttachInvoicePDF(ctx context.Context, invoiceID, mediaID string) error {
	if strings.TrimSpace(invoiceID) == "" || strings.TrimSpace(mediaID) == "" {
		return invalidf("invoice_id and media_id are required")
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.PDFMediaID == mediaID {
			return nil
		}
		inv.PDFMediaID = mediaID
		inv.UpdatedAt = s.now()
		return tx.UpdateInvoice(ctx, inv)
	})
}

func (s *Service) enqueueInvoiceEffects(ctx context.Context, tx Tx, inv Invoice, now time.Time) error {
	if err := s.enqueue(ctx, tx, outbox.KindInvoicePDF, inv.ID, pdfPayload(inv), now); err != nil {
		return err
	}
	if inv.UserID == "" {
		return nil
	}
	return s.enqueue(ctx, tx, outbox.KindInvoiceNotify, inv.ID, notifyPayload(inv), now)
}

func (s *Service) enqueue(ctx context.Context, tx Tx, kind outbox.Kind, aggregateID string, payload any, now time.Time) error {
	e, err := outbox.NewEffect(kind, aggregateID, payload, now)
	if err != nil {
		return err
	}
	return tx.EnqueueEffect(ctx, e)
}

func pdfPayload(inv Invoice) map[string]any {
	return map[string]any{
		"invoice_id":            inv.ID,
		"invoice_number":        inv.Number,
		"user_id":               inv.UserID,
		"invoice_type":          inv.Type,
		"base_amount":           inv.BaseAmount,
		"discount_amount":       inv.DiscountAmount,
		"credit_applied_amount": inv.CreditAppliedAmount,
		"amount_before_gst":     inv.AmountBeforeGST,
		"gst_percent":           inv.GSTPercent,
		"gst_amount":            inv.GSTAmount,
		"total_amount":          inv.TotalAmount,
		"currency":              inv.Currency,
		"created_at":            inv.CreatedAt,
	}
}

func notifyPayload(inv Invoice) map[string]any {
	return map[string]any{
		"user_id":      inv.UserID,
		"template_key": "invoice_generated",
		"channel":      "email",
		"context": map[string]any{
			"invoice_number": inv.Number,
			"total_amount":   inv.TotalAmount,
			"currency":       inv.Currency,
		},
	}
}
