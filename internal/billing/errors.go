package billing

import (
	"errors"
	"fmt"

	"rentflow.io/internal/money"
)

// Error kinds. Every error returned by Service wraps exactly one of them, so callers can
// decide between fixing input (validation), giving up (not found, conflict) and retrying
// later (dependency).
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency error")
)

var (
	ErrInvalidAmount   = fmt.Errorf("%w: amount must be > 0", ErrValidation)
	ErrAmountTooLarge  = fmt.Errorf("%w: amount exceeds %s", ErrValidation, money.Limit)
	ErrInvalidCurrency = fmt.Errorf("%w: invalid currency", ErrValidation)
	ErrInvalidPeriod   = fmt.Errorf("%w: invalid billing period", ErrValidation)
	ErrInvalidInput    = fmt.Errorf("%w: invalid input", ErrValidation)

	ErrInvoiceNotFound = fmt.Errorf("%w: invoice", ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("%w: credit account", ErrNotFound)
	ErrEntryNotFound   = fmt.Errorf("%w: ledger entry", ErrNotFound)

	ErrApplicationNotFound = fmt.Errorf("%w: credit application", ErrNotFound)

	ErrInvoiceCancelled    = fmt.Errorf("%w: invoice is cancelled", ErrConflict)
	ErrNothingDue          = fmt.Errorf("%w: invoice has no due amount", ErrConflict)
	ErrNoCreditAvailable   = fmt.Errorf("%w: no credit available to apply", ErrConflict)
	ErrIdempotencyMismatch = fmt.Errorf("%w: idempotency key reused with a different payload", ErrConflict)
	ErrInvalidTransition   = fmt.Errorf("%w: invalid invoice status transition", ErrConflict)
	ErrAlreadyReversed     = fmt.Errorf("%w: debit entry already reversed", ErrConflict)

	ErrOrderNotFound      = fmt.Errorf("%w: order not found", ErrDependency)
	ErrOrderNotPaid       = fmt.Errorf("%w: order is not paid", ErrDependency)
	ErrSubscriberNotFound = fmt.Errorf("%w: subscriber not found", ErrDependency)
)

// ErrDuplicate is returned by stores when a unique constraint rejects an insert. The
// service turns it into a replay or a conflict; it never reaches callers unwrapped.
var ErrDuplicate = errors.New("duplicate key")

// KindOf names the stable error kind carried by err, or "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDependency):
		return "dependency_error"
	default:
		return "internal"
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}
