package billing

import (
	"context"
	"time"

	"rentflow.io/internal/money"
	"rentflow.io/internal/outbox"
)

// Store is the persistence boundary of the billing core. Implementations must run fn
// inside a single atomic transaction: either every write made through tx commits, or
// none does. Row locks taken through tx are held until fn returns.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader serves lock-free reads outside of transactions.
type Reader interface {
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	FindInvoiceByOrder(ctx context.Context, orderID string) (Invoice, error)
	FindInvoiceByKey(ctx context.Context, key string) (Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error)
	ListApplications(ctx context.Context, invoiceID string) ([]Application, error)

	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccount(ctx context.Context, subscriberID, currency string) (Account, error)
	FindEntryByKey(ctx context.Context, accountID, key string) (Entry, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	FindApplicationByDebit(ctx context.Context, debitEntryID string) (Application, error)
	ListEntries(ctx context.Context, accountID string, p Page) ([]Entry, int, error)
	// SumEntries returns credits minus debits over the whole entry log of the account.
	SumEntries(ctx context.Context, accountID string) (money.Amount, error)
}

// Tx is the write side, valid only inside WithinTx.
type Tx interface {
	// NextInvoiceSequence locks the fiscal year's sequence row and consumes one number.
	// The first call of a fiscal year creates the row with next_num = 2 and returns 1.
	NextInvoiceSequence(ctx context.Context, fiscalYear string, now time.Time) (int64, error)

	// LockAccount returns the (subscriber, currency) account, creating it with a zero
	// balance if needed, and holds an exclusive lock on it.
	LockAccount(ctx context.Context, subscriberID, currency string, now time.Time) (Account, error)
	LockAccountByID(ctx context.Context, id string) (Account, error)
	FindEntryByKey(ctx context.Context, accountID, key string) (Entry, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	// FindReversal returns the credit entry compensating debitEntryID, if any.
	FindReversal(ctx context.Context, debitEntryID string) (Entry, error)
	InsertEntry(ctx context.Context, e Entry) error
	// AddToBalance moves the locked account's balance by delta and returns the new balance.
	AddToBalance(ctx context.Context, accountID string, delta money.Amount, now time.Time) (money.Amount, error)

	LockInvoice(ctx context.Context, id string) (Invoice, error)
	FindInvoiceByOrder(ctx context.Context, orderID string) (Invoice, error)
	FindInvoiceByKey(ctx context.Context, key string) (Invoice, error)
	// InsertInvoice returns ErrDuplicate when the number, order or key is taken.
	InsertInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	// ListIssuedPastDue returns issued invoices whose due date is before now.
	ListIssuedPastDue(ctx context.Context, now time.Time) ([]Invoice, error)

	InsertApplication(ctx context.Context, a Application) error
	FindApplicationByDebit(ctx context.Context, debitEntryID string) (Application, error)
	ListApplications(ctx context.Context, invoiceID string) ([]Application, error)

	EnqueueEffect(ctx context.Context, e outbox.Effect) error
}
