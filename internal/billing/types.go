package billing

import (
	"encoding/json"
	"time"

	"rentflow.io/internal/money"
)

// DefaultCurrency is the only currency the rental business bills in today.
const DefaultCurrency = "INR"

type InvoiceType string

const (
	InvoiceTypeOrder     InvoiceType = "order"
	InvoiceTypeProration InvoiceType = "proration"
)

type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusIssued    InvoiceStatus = "issued"
	StatusPaid      InvoiceStatus = "paid"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusIssued, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Ledger reasons written by the core itself. Collaborators may post other reasons
// (referral, goodwill, refund...) through AddCredit.
const (
	ReasonProration  = "proration"
	ReasonAdjustment = "adjustment"
	ReasonCancelled  = "invoice_cancelled"
)

// Reference types written by the core itself.
const (
	RefInvoice       = "invoice"
	RefSubscription  = "subscription"
	RefDebitReversal = "debit_reversal"
)

// Reference names what caused a ledger entry. Both parts are opaque to the core.
type Reference struct {
	Type string `json:"reference_type"`
	ID   string `json:"reference_id"`
}

// Invoice is one billable document. Amount fields are kept consistent by settle.
type Invoice struct {
	ID                  string          `json:"id"`
	Number              string          `json:"invoice_number"`
	UserID              string          `json:"user_id"`
	OrderID             string          `json:"order_id,omitempty"`
	SubscriptionID      string          `json:"subscription_id,omitempty"`
	Type                InvoiceType     `json:"invoice_type"`
	Status              InvoiceStatus   `json:"status"`
	BaseAmount          money.Amount    `json:"base_amount"`
	DiscountAmount      money.Amount    `json:"discount_amount"`
	CreditAppliedAmount money.Amount    `json:"credit_applied_amount"`
	PaidAmount          money.Amount    `json:"paid_amount"`
	DueAmount           money.Amount    `json:"due_amount"`
	AmountBeforeGST     money.Amount    `json:"amount_before_gst"`
	GSTPercent          money.Amount    `json:"gst_percent"`
	GSTAmount           money.Amount    `json:"gst_amount"`
	TotalAmount         money.Amount    `json:"total_amount"`
	Currency            string          `json:"currency"`
	DueDate             *time.Time      `json:"due_date,omitempty"`
	PDFMediaID          string          `json:"pdf_media_id,omitempty"`
	IdempotencyKey      string          `json:"-"`
	Meta                json.RawMessage `json:"meta,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Account holds the running credit balance of one subscriber in one currency.
type Account struct {
	ID           string       `json:"id"`
	SubscriberID string       `json:"subscriber_id"`
	Currency     string       `json:"currency"`
	Balance      money.Amount `json:"balance_amount"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Entry is an immutable ledger line. Amount is always positive; Direction carries the sign.
type Entry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Direction      Direction       `json:"direction"`
	Amount         money.Amount    `json:"amount"`
	Reason         string          `json:"reason"`
	Reference      Reference       `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Notes          json.RawMessage `json:"notes,omitempty"`
	CreatedByRole  string          `json:"created_by_role,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Signed returns the entry's contribution to the account balance.
func (e Entry) Signed() money.Amount {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Application records that a debit entry was consumed by an invoice.
type Application struct {
	ID            string       `json:"id"`
	InvoiceID     string       `json:"invoice_id"`
	AccountID     string       `json:"account_id"`
	DebitEntryID  string       `json:"debit_entry_id"`
	AppliedAmount money.Amount `json:"applied_amount"`
	CreatedAt     time.Time    `json:"created_at"`
}

// InvoiceFilter narrows ListInvoices. Zero values mean "any".
type InvoiceFilter struct {
	UserID string
	Status InvoiceStatus
	Limit  int
	Offset int
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	switch {
	case p.Limit <= 0:
		p.Limit = 50
	case p.Limit > 200:
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
