package billing

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"rentflow.io/internal/obs"
)

// Service implements the billing core on top of a Store. It is safe for concurrent use;
// all coordination happens through the store's row locks.
type Service struct {
	store       Store
	orders      OrderSource
	subscribers SubscriberDirectory
	taxes       TaxRates

	now              func() time.Time
	currency         string
	prorationDueDays int
	log              *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCurrency sets the currency used when a request does not name one.
func WithCurrency(code string) Option {
	return func(s *Service) {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			s.currency = code
		}
	}
}

// WithProrationDueDays sets the due date of proration invoices to now + days.
// Zero leaves them without a due date.
func WithProrationDueDays(days int) Option {
	return func(s *Service) {
		if days >= 0 {
			s.prorationDueDays = days
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService wires the billing core. taxes may be nil, in which case every GST lookup
// uses DefaultGSTPercent.
func NewService(store Store, orders OrderSource, subscribers SubscriberDirectory, taxes TaxRates, opts ...Option) *Service {
	s := &Service{
		store:            store,
		orders:           orders,
		subscribers:      subscribers,
		taxes:            taxes,
		now:              func() time.Time { return time.Now().UTC() },
		currency:         DefaultCurrency,
		prorationDueDays: 7,
		log:              obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Currency is the default billing currency of this service.
func (s *Service) Currency() string { return s.currency }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) currencyOr(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return s.currency, nil
	}
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// NextInvoiceNumber consumes the next number of the fiscal year containing now.
// Numbers are gap-free: a rolled back transaction returns its number to the sequence.
func (s *Service) NextInvoiceNumber(ctx context.Context) (string, error) {
	var number string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		number, err = nextInvoiceNumber(ctx, tx, s.now())
		return err
	})
	return number, err
}

func nextInvoiceNumber(ctx context.Context, tx Tx, now time.Time) (string, error) {
	fy := FiscalYearLabel(now)
	n, err := tx.NextInvoiceSequence(ctx, fy, now)
	if err != nil {
		return "", err
	}
	return FormatInvoiceNumber(fy, n), nil
}
