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

// AddCreditInput describes a credit grant.
type AddCreditInput struct {
	SubscriberID   string
	Currency       string
	Amount         money.Amount
	Reason         string
	Reference      Reference
	IdempotencyKey string
	Notes          json.RawMessage
	CreatedByRole  string
}

// ReverseDebitInput names a debit to compensate.
type ReverseDebitInput struct {
	SubscriberID   string
	Currency       string
	DebitEntryID   string
	Reason         string
	IdempotencyKey string
	Notes          json.RawMessage
	CreatedByRole  string
}

// CreditView is the subscriber-facing summary of an account.
type CreditView struct {
	Account Account `json:"account"`
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// GetOrCreateAccount returns the (subscriber, currency) account, creating it on first use.
func (s *Service) GetOrCreateAccount(ctx context.Context, subscriberID, currency string) (Account, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return Account{}, invalidf("subscriber_id is required")
	}
	cur, err := s.currencyOr(currency)
	if err != nil {
		return Account{}, err
	}
	var out Account
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		out, err = tx.LockAccount(ctx, subscriberID, cur, s.now())
		return err
	})
	return out, err
}

// AddCredit posts a credit entry. Replaying an idempotency key returns the original
// entry without touching the balance.
func (s *Service) AddCredit(ctx context.Context, in AddCreditInput) (Entry, error) {
	in.SubscriberID = strings.TrimSpace(in.SubscriberID)
	in.Reason = strings.TrimSpace(in.Reason)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	switch {
	case in.SubscriberID == "":
		return Entry{}, invalidf("subscriber_id is required")
	case in.Reason == "":
		return Entry{}, invalidf("reason is required")
	case in.Reference.Type == "" || in.Reference.ID == "":
		return Entry{}, invalidf("reference_type and reference_id are required")
	}
	amount := in.Amount.Quantize()
	switch {
	case !amount.IsPositive():
		return Entry{}, ErrInvalidAmount
	case !amount.Storable():
		return Entry{}, ErrAmountTooLarge
	}
	cur, err := s.currencyOr(in.Currency)
	if err != nil {
		return Entry{}, err
	}

	var out Entry
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		acct, err := tx.LockAccount(ctx, in.SubscriberID, cur, now)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			prior, err := tx.FindEntryByKey(ctx, acct.ID, in.IdempotencyKey)
			switch {
			case err == nil:
				if prior.Direction != DirectionCredit || prior.Reference != in.Reference {
					return ErrIdempotencyMismatch
				}
				out = prior
				return nil
			case !errors.Is(err, ErrEntryNotFound):
				return err
			}
		}
		out, err = s.postEntry(ctx, tx, &acct, Entry{
			Direction:      DirectionCredit,
			Amount:         amount,
			Reason:         in.Reason,
			Reference:      in.Reference,
			IdempotencyKey: in.IdempotencyKey,
			Notes:          in.Notes,
			CreatedByRole:  in.CreatedByRole,
		})
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// ReverseDebit posts a credit compensating an earlier debit of the subscriber's account.
// A debit can be reversed once. When the debit paid part of an issued or overdue
// invoice, the application is released in the same transaction: the invoice's
// credit_applied_amount drops by the debit and due grows back. Debits that settled a
// paid invoice cannot be reversed; those applied to a cancelled invoice were already
// returned by CancelInvoice.
func (s *Service) ReverseDebit(ctx context.Context, in ReverseDebitInput) (Entry, error) {
	in.SubscriberID = strings.TrimSpace(in.SubscriberID)
	in.DebitEntryID = strings.TrimSpace(in.DebitEntryID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.SubscriberID == "" || in.DebitEntryID == "" {
		return Entry{}, invalidf("subscriber_id and debit_entry_id are required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		in.Reason = ReasonAdjustment
	}
	cur, err := s.currencyOr(in.Currency)
	if err != nil {
		return Entry{}, err
	}

	// Locks are taken invoice first, account second everywhere. Find the invoice the
	// debit was applied to before locking anything.
	var invoiceID string
	if app, err := s.store.FindApplicationByDebit(ctx, in.DebitEntryID); err == nil {
		invoiceID = app.InvoiceID
	} else if !errors.Is(err, ErrApplicationNotFound) {
		return Entry{}, err
	}

	var (
		out      Entry
		released *Invoice
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		var inv *Invoice
		if invoiceID != "" {
			locked, err := tx.LockInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			inv = &locked
		}
		acct, err := tx.LockAccount(ctx, in.SubscriberID, cur, now)
		if err != nil {
			return err
		}
		debit, err := tx.GetEntry(ctx, in.DebitEntryID)
		if err != nil {
			return err
		}
		if debit.AccountID != acct.ID || debit.Direction != DirectionDebit {
			return ErrEntryNotFound
		}
		if prior, ok, err := findReversal(ctx, tx, acct.ID, debit.ID, in.IdempotencyKey); err != nil || ok {
			out = prior
			return err
		}
		if inv != nil && inv.Status == StatusPaid {
			return conflictf("debit %s settled paid invoice %s", debit.ID, inv.ID)
		}

		out, err = s.reverseDebit(ctx, tx, &acct, debit, in.Reason, in.IdempotencyKey, in.Notes, in.CreatedByRole)
		if err != nil {
			return err
		}
		if inv == nil || inv.Status == StatusCancelled {
			return nil
		}
		inv.CreditAppliedAmount = money.Max(money.Zero, inv.CreditAppliedAmount.Sub(debit.Amount))
		inv.settle()
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		released = inv
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if released != nil {
		s.log.Info("credit application released",
			zap.String("invoice_id", released.ID),
			zap.String("debit_entry_id", in.DebitEntryID),
			zap.Stringer("released", out.Amount),
			zap.Stringer("due", released.DueAmount),
		)
	}
	return out, nil
}

// findReversal looks up a reversal of debitID already posted under key. A key used for
// anything else is ErrIdempotencyMismatch.
func findReversal(ctx context.Context, tx Tx, accountID, debitID, key string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, nil
	}
	prior, err := tx.FindEntryByKey(ctx, accountID, key)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, err
	}
	if prior.Direction != DirectionCredit || prior.Reference != (Reference{Type: RefDebitReversal, ID: debitID}) {
		return Entry{}, false, ErrIdempotencyMismatch
	}
	return prior, true, nil
}

// reverseDebit writes the compensating credit for debit on the locked account.
func (s *Service) reverseDebit(ctx context.Context, tx Tx, acct *Account, debit Entry, reason, key string, notes json.RawMessage, role string) (Entry, error) {
	if prior, ok, err := findReversal(ctx, tx, acct.ID, debit.ID, key); err != nil || ok {
		return prior, err
	}
	if _, err := tx.FindReversal(ctx, debit.ID); err == nil {
		return Entry{}, ErrAlreadyReversed
	} else if !errors.Is(err, ErrEntryNotFound) {
		return Entry{}, err
	}
	return s.postEntry(ctx, tx, acct, Entry{
		Direction:      DirectionCredit,
		Amount:         debit.Amount,
		Reason:         reason,
		Reference:      Reference{Type: RefDebitReversal, ID: debit.ID},
		IdempotencyKey: key,
		Notes:          notes,
		CreatedByRole:  role,
	})
}

// postEntry is the only writer of ledger entries: it inserts e and moves the locked
// account's balance by e's signed amount in the same transaction.
func (s *Service) postEntry(ctx context.Context, tx Tx, acct *Account, e Entry) (Entry, error) {
	now := s.now()
	e.ID = uuid.NewString()
	e.AccountID = acct.ID
	e.Amount = e.Amount.Quantize()
	e.CreatedAt = now
	if !e.Amount.IsPositive() {
		return Entry{}, ErrInvalidAmount
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Entry{}, ErrIdempotencyMismatch
		}
		return Entry{}, err
	}
	balance, err := tx.AddToBalance(ctx, acct.ID, e.Signed(), now)
	if err != nil {
		return Entry{}, err
	}
	acct.Balance = balance
	acct.UpdatedAt = now

	obs.RecordLedgerEntry(string(e.Direction), e.Reason)
	s.log.Info("ledger entry posted",
		zap.String("account_id", acct.ID),
		zap.String("entry_id", e.ID),
		zap.String("direction", string(e.Direction)),
		zap.Stringer("amount", e.Amount),
		zap.String("reason", e.Reason),
		zap.Stringer("balance", balance),
	)
	return e, nil
}

// GetCreditAccount returns the account without creating it.
func (s *Service) GetCreditAccount(ctx context.Context, subscriberID, currency string) (Account, error) {
	cur, err := s.currencyOr(currency)
	if err != nil {
		return Account{}, err
	}
	return s.store.FindAccount(ctx, strings.TrimSpace(subscriberID), cur)
}

// ListEntries pages through an account's ledger, newest first.
func (s *Service) ListEntries(ctx context.Context, accountID string, p Page) ([]Entry, int, error) {
	return s.store.ListEntries(ctx, accountID, p.normalize())
}

// CreditsForUser resolves the user's subscriber profile and returns its balance and
// latest entries. A subscriber that never received credit gets an empty zero-balance view.
func (s *Service) CreditsForUser(ctx context.Context, userID string, p Page) (CreditView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CreditView{}, invalidf("user id is required")
	}
	subscriberID, err := s.subscribers.SubscriberForUser(ctx, userID)
	if err != nil {
		return CreditView{}, dependencyErr("subscriber lookup", err)
	}
	acct, err := s.store.FindAccount(ctx, subscriberID, s.currency)
	if errors.Is(err, ErrAccountNotFound) {
		return CreditView{
			Account: Account{SubscriberID: subscriberID, Currency: s.currency, Balance: money.Zero},
			Entries: []Entry{},
		}, nil
	}
	if err != nil {
		return CreditView{}, err
	}
	entries, total, err := s.store.ListEntries(ctx, acct.ID, p.normalize())
	if err != nil {
		return CreditView{}, err
	}
	return CreditView{Account: acct, Entries: entries, Total: total}, nil
}

// VerifyAccount recomputes the signed sum of the account's entries and compares it with
// the stored balance. ok is false when they disagree.
func (s *Service) VerifyAccount(ctx context.Context, accountID string) (ok bool, balance, sum money.Amount, err error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, money.Zero, money.Zero, err
	}
	sum, err = s.store.SumEntries(ctx, accountID)
	if err != nil {
		return false, money.Zero, money.Zero, err
	}
	return acct.Balance.Equal(sum), acct.Balance, sum, nil
}
