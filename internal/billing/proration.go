package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rentflow.io/internal/money"
	"rentflow.io/internal/obs"
)

// ProrationInput describes a mid-period plan change. Prices are for the whole period.
type ProrationInput struct {
	FromPlanPrice money.Amount `json:"from_plan_price"`
	ToPlanPrice   money.Amount `json:"to_plan_price"`
	PeriodStart   time.Time    `json:"period_start"`
	PeriodEnd     time.Time    `json:"period_end"`
	EffectiveAt   time.Time    `json:"effective_at"`
}

type ProrationBreakdown struct {
	TotalDays     int          `json:"total_days"`
	RemainingDays int          `json:"remaining_days"`
	FromPlanPrice money.Amount `json:"from_plan_price"`
	ToPlanPrice   money.Amount `json:"to_plan_price"`
}

type ProrationEstimate struct {
	OldUnusedCredit    money.Amount       `json:"old_unused_credit"`
	NewRemainingCharge money.Amount       `json:"new_remaining_charge"`
	NetAmount          money.Amount       `json:"net_amount"`
	Breakdown          ProrationBreakdown `json:"breakdown"`
}

// EstimateProration splits a plan change by calendar days over [start, end).
// Timestamps are reduced to their UTC date; the effective date is clamped into the period.
func EstimateProration(in ProrationInput) (ProrationEstimate, error) {
	if in.FromPlanPrice.IsNegative() || in.ToPlanPrice.IsNegative() {
		return ProrationEstimate{}, ErrInvalidAmount
	}
	if !in.FromPlanPrice.Storable() || !in.ToPlanPrice.Storable() {
		return ProrationEstimate{}, ErrAmountTooLarge
	}
	start, end, eff := utcDate(in.PeriodStart), utcDate(in.PeriodEnd), utcDate(in.EffectiveAt)
	total := daysBetween(start, end)
	if total <= 0 {
		return ProrationEstimate{}, ErrInvalidPeriod
	}
	remaining := daysBetween(eff, end)
	switch {
	case remaining < 0:
		remaining = 0
	case remaining > total:
		remaining = total
	}

	from, to := in.FromPlanPrice.Quantize(), in.ToPlanPrice.Quantize()
	oldUnused := from.Ratio(int64(remaining), int64(total))
	newCharge := to.Ratio(int64(remaining), int64(total))
	return ProrationEstimate{
		OldUnusedCredit:    oldUnused,
		NewRemainingCharge: newCharge,
		NetAmount:          newCharge.Sub(oldUnused),
		Breakdown: ProrationBreakdown{
			TotalDays:     total,
			RemainingDays: remaining,
			FromPlanPrice: from,
			ToPlanPrice:   to,
		},
	}, nil
}

func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from a to b; both must be UTC midnights.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

type ApplyProrationInput struct {
	ProrationInput
	SubscriberID   string
	SubscriptionID string
	Currency       string
	ServiceType    string
	IdempotencyKey string
	CreatedByRole  string
}

type ProrationStatus string

const (
	ProrationInvoiceCreated ProrationStatus = "invoice_created"
	ProrationCreditCreated  ProrationStatus = "credit_created"
	ProrationNoAction       ProrationStatus = "no_action"
)

type ProrationResult struct {
	Status        ProrationStatus   `json:"status"`
	NetAmount     money.Amount      `json:"net_amount"`
	Currency      string            `json:"currency"`
	InvoiceID     string            `json:"invoice_id,omitempty"`
	CreditEntryID string            `json:"credit_entry_id,omitempty"`
	Estimate      ProrationEstimate `json:"estimate"`
	Replayed      bool              `json:"-"`
}

// ApplyProration settles a plan change: a positive net becomes an issued proration
// invoice, a negative net becomes ledger credit, zero does nothing. A reused idempotency
// key returns the earlier outcome.
func (s *Service) ApplyProration(ctx context.Context, in ApplyProrationInput) (ProrationResult, error) {
	in.SubscriberID = strings.TrimSpace(in.SubscriberID)
	in.SubscriptionID = strings.TrimSpace(in.SubscriptionID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.SubscriberID == "" || in.SubscriptionID == "" {
		return ProrationResult{}, invalidf("subscriber_id and subscription_id are required")
	}
	est, err := EstimateProration(in.ProrationInput)
	if err != nil {
		return ProrationResult{}, err
	}
	cur, err := s.currencyOr(in.Currency)
	if err != nil {
		return ProrationResult{}, err
	}

	if in.IdempotencyKey != "" {
		res, found, err := s.replayProration(ctx, in, cur)
		if err != nil || found {
			res.Estimate = est
			return res, err
		}
	}

	res := ProrationResult{NetAmount: est.NetAmount, Currency: cur, Estimate: est}
	switch {
	case est.NetAmount.IsPositive():
		inv, err := s.createProrationInvoice(ctx, in, cur, est)
		if err != nil {
			return ProrationResult{}, err
		}
		res.Status = ProrationInvoiceCreated
		res.InvoiceID = inv.ID
	case est.NetAmount.IsNegative():
		notes, _ := json.Marshal(map[string]any{"note": "proration net credit", "breakdown": est.Breakdown})
		entry, err := s.AddCredit(ctx, AddCreditInput{
			SubscriberID:   in.SubscriberID,
			Currency:       cur,
			Amount:         est.NetAmount.Abs(),
			Reason:         ReasonProration,
			Reference:      Reference{Type: RefSubscription, ID: in.SubscriptionID},
			IdempotencyKey: in.IdempotencyKey,
			Notes:          notes,
			CreatedByRole:  in.CreatedByRole,
		})
		if err != nil {
			return ProrationResult{}, err
		}
		res.Status = ProrationCreditCreated
		res.CreditEntryID = entry.ID
	default:
		res.Status = ProrationNoAction
	}
	s.log.Info("proration applied",
		zap.String("subscription_id", in.SubscriptionID),
		zap.String("status", string(res.Status)),
		zap.Stringer("net", res.NetAmount),
	)
	return res, nil
}

func (s *Service) replayProration(ctx context.Context, in ApplyProrationInput, cur string) (ProrationResult, bool, error) {
	inv, err := s.store.FindInvoiceByKey(ctx, in.IdempotencyKey)
	switch {
	case err == nil:
		if inv.Type != InvoiceTypeProration || inv.SubscriptionID != in.SubscriptionID {
			return ProrationResult{}, false, ErrIdempotencyMismatch
		}
		return ProrationResult{
			Status:    ProrationInvoiceCreated,
			NetAmount: inv.AmountBeforeGST,
			Currency:  inv.Currency,
			InvoiceID: inv.ID,
			Replayed:  true,
		}, true, nil
	case !errors.Is(err, ErrInvoiceNotFound):
		return ProrationResult{}, false, err
	}

	acct, err := s.store.FindAccount(ctx, in.SubscriberID, cur)
	if errors.Is(err, ErrAccountNotFound) {
		return ProrationResult{}, false, nil
	}
	if err != nil {
		return ProrationResult{}, false, err
	}
	entry, err := s.store.FindEntryByKey(ctx, acct.ID, in.IdempotencyKey)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return ProrationResult{}, false, nil
	case err != nil:
		return ProrationResult{}, false, err
	}
	if entry.Reason != ReasonProration || entry.Reference != (Reference{Type: RefSubscription, ID: in.SubscriptionID}) {
		return ProrationResult{}, false, ErrIdempotencyMismatch
	}
	return ProrationResult{
		Status:        ProrationCreditCreated,
		NetAmount:     entry.Amount.Neg(),
		Currency:      cur,
		CreditEntryID: entry.ID,
		Replayed:      true,
	}, true, nil
}

func (s *Service) createProrationInvoice(ctx context.Context, in ApplyProrationInput, cur string, est ProrationEstimate) (Invoice, error) {
	userID, err := s.subscribers.UserIDForSubscriber(ctx, in.SubscriberID)
	if err != nil {
		return Invoice{}, dependencyErr("subscriber lookup", err)
	}
	gst := s.gstPercent(ctx, in.ServiceType)

	var inv Invoice
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if in.IdempotencyKey != "" {
			if existing, err := tx.FindInvoiceByKey(ctx, in.IdempotencyKey); err == nil {
				inv = existing
				return nil
			} else if !errors.Is(err, ErrInvoiceNotFound) {
				return err
			}
		}
		now := s.now()
		number, err := nextInvoiceNumber(ctx, tx, now)
		if err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]any{"proration": est, "subscriber_id": in.SubscriberID})
		inv = Invoice{
			ID:             uuid.NewString(),
			Number:         number,
			UserID:         userID,
			SubscriptionID: in.SubscriptionID,
			Type:           InvoiceTypeProration,
			Status:         StatusDraft,
			BaseAmount:     est.NetAmount,
			GSTPercent:     gst,
			Currency:       cur,
			IdempotencyKey: in.IdempotencyKey,
			Meta:           meta,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if s.prorationDueDays > 0 {
			due := now.AddDate(0, 0, s.prorationDueDays)
			inv.DueDate = &due
		}
		inv.settle()
		if err := inv.fire(triggerIssue); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		obs.RecordInvoiceCreated(string(inv.Type))
		return s.enqueueInvoiceEffects(ctx, tx, inv, now)
	})
	if errors.Is(err, ErrDuplicate) && in.IdempotencyKey != "" {
		return s.store.FindInvoiceByKey(ctx, in.IdempotencyKey)
	}
	return inv, err
}
