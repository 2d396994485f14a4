package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentflow.io/internal/money"
	"rentflow.io/internal/obs"
)

// ApplyCreditInput asks to pay down an invoice from the subscriber's credit balance.
// A nil Amount applies as much as possible.
type ApplyCreditInput struct {
	SubscriberID   string
	InvoiceID      string
	Currency       string
	Amount         *money.Amount
	IdempotencyKey string
	CreatedByRole  string
}

type ApplyCreditResult struct {
	Invoice       Invoice      `json:"invoice"`
	AppliedAmount money.Amount `json:"applied_amount"`
	DebitEntryID  string       `json:"debit_entry_id"`
	Replayed      bool         `json:"-"`
}

// ApplyCreditToInvoice moves min(balance, due, requested) from the credit account onto
// the invoice in one transaction: debit entry, balance, application row and invoice
// amounts commit together. It is the only path that increases credit_applied_amount.
func (s *Service) ApplyCreditToInvoice(ctx context.Context, in ApplyCreditInput) (ApplyCreditResult, error) {
	in.SubscriberID = strings.TrimSpace(in.SubscriberID)
	in.InvoiceID = strings.TrimSpace(in.InvoiceID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.SubscriberID == "" || in.InvoiceID == "" {
		return ApplyCreditResult{}, invalidf("subscriber_id and invoice_id are required")
	}
	var requested *money.Amount
	if in.Amount != nil {
		q := in.Amount.Quantize()
		switch {
		case !q.IsPositive():
			return ApplyCreditResult{}, ErrInvalidAmount
		case !q.Storable():
			return ApplyCreditResult{}, ErrAmountTooLarge
		}
		requested = &q
	}

	ownerID, err := s.subscribers.UserIDForSubscriber(ctx, in.SubscriberID)
	if err != nil {
		return ApplyCreditResult{}, dependencyErr("subscriber lookup", err)
	}

	var out ApplyCreditResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		inv, err := tx.LockInvoice(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.UserID != ownerID {
			return conflictf("invoice %s does not belong to subscriber %s", inv.ID, in.SubscriberID)
		}
		cur := inv.Currency
		if in.Currency != "" {
			if cur, err = s.currencyOr(in.Currency); err != nil {
				return err
			}
			if cur != inv.Currency {
				return invalidf("invoice %s is billed in %s", inv.ID, inv.Currency)
			}
		}
		acct, err := tx.LockAccount(ctx, in.SubscriberID, cur, now)
		if err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			prior, err := tx.FindEntryByKey(ctx, acct.ID, in.IdempotencyKey)
			switch {
			case err == nil:
				out, err = replayApplication(ctx, tx, inv, prior)
				return err
			case !errors.Is(err, ErrEntryNotFound):
				return err
			}
		}

		switch inv.Status {
		case StatusCancelled:
			return ErrInvoiceCancelled
		case StatusDraft:
			return conflictf("invoice %s is not issued yet", inv.ID)
		}
		if !inv.DueAmount.IsPositive() {
			return ErrNothingDue
		}
		target := inv.DueAmount
		if requested != nil {
			target = *requested
		}
		apply := money.Min(acct.Balance, inv.DueAmount, target)
		if !apply.IsPositive() {
			return ErrNoCreditAvailable
		}

		notes, _ := json.Marshal(map[string]string{"invoice_number": inv.Number})
		debit, err := s.postEntry(ctx, tx, &acct, Entry{
			Direction:      DirectionDebit,
			Amount:         apply,
			Reason:         ReasonAdjustment,
			Reference:      Reference{Type: RefInvoice, ID: inv.ID},
			IdempotencyKey: in.IdempotencyKey,
			Notes:          notes,
			CreatedByRole:  in.CreatedByRole,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertApplication(ctx, Application{
			ID:            uuid.NewString(),
			InvoiceID:     inv.ID,
			AccountID:     acct.ID,
			DebitEntryID:  debit.ID,
			AppliedAmount: apply,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		inv.CreditAppliedAmount = inv.CreditAppliedAmount.Add(apply)
		inv.settle()
		if inv.DueAmount.IsZero() {
			if err := inv.fire(triggerPay); err != nil {
				return err
			}
		}
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		out = ApplyCreditResult{Invoice: inv, AppliedAmount: apply, DebitEntryID: debit.ID}
		return nil
	})
	if err != nil {
		return ApplyCreditResult{}, err
	}
	if !out.Replayed {
		obs.RecordCreditApplied(out.AppliedAmount.Decimal().InexactFloat64())
		s.log.Info("credit applied to invoice",
			zap.String("invoice_id", out.Invoice.ID),
			zap.String("subscriber_id", in.SubscriberID),
			zap.Stringer("applied", out.AppliedAmount),
			zap.Stringer("due", out.Invoice.DueAmount),
			zap.String("status", string(out.Invoice.Status)),
		)
	}
	return out, nil
}

// replayApplication rebuilds the result of an earlier application with the same key.
func replayApplication(ctx context.Context, tx Tx, inv Invoice, prior Entry) (ApplyCreditResult, error) {
	if prior.Direction != DirectionDebit || prior.Reference != (Reference{Type: RefInvoice, ID: inv.ID}) {
		return ApplyCreditResult{}, ErrIdempotencyMismatch
	}
	applied := prior.Amount
	app, err := tx.FindApplicationByDebit(ctx, prior.ID)
	switch {
	case err == nil:
		applied = app.AppliedAmount
	case !errors.Is(err, ErrApplicationNotFound):
		return ApplyCreditResult{}, err
	}
	return ApplyCreditResult{Invoice: inv, AppliedAmount: applied, DebitEntryID: prior.ID, Replayed: true}, nil
}
