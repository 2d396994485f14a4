package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rentflow.io/internal/money"
)

// ServiceTypeRental is the tax config key used for plan changes.
const ServiceTypeRental = "rental"

// DefaultGSTPercent applies when no tax config exists for a service type.
var DefaultGSTPercent = money.MustParse("18.00")

// Order is the subset of a subscription order the billing core needs to invoice it.
// Amounts are as reported by the subscription service.
type Order struct {
	ID                  string
	UserID              string
	SubscriptionID      string
	ServiceType         string
	Status              string
	BaseAmount          money.Amount
	DiscountAmount      money.Amount
	CreditAppliedAmount money.Amount
	AmountBeforeGST     money.Amount
	GSTPercent          money.Amount
	GSTAmount           money.Amount
	TotalAmount         money.Amount
}

// Paid reports whether the order was settled before invoicing.
func (o Order) Paid() bool { return o.Status == "paid" }

// OrderSource resolves orders owned by the subscription service.
type OrderSource interface {
	// GetOrder returns ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// SubscriberDirectory maps subscriber profiles to auth users.
type SubscriberDirectory interface {
	// UserIDForSubscriber returns ErrSubscriberNotFound for unknown subscribers.
	UserIDForSubscriber(ctx context.Context, subscriberID string) (string, error)
	// SubscriberForUser returns ErrSubscriberNotFound when the user has no profile.
	SubscriberForUser(ctx context.Context, userID string) (string, error)
}

// TaxRates looks up the GST percentage configured for a service type.
type TaxRates interface {
	// GSTPercent reports ok=false when nothing is configured for serviceType.
	GSTPercent(ctx context.Context, serviceType string) (pct money.Amount, ok bool, err error)
}

// dependencyErr makes sure a collaborator failure surfaces as ErrDependency.
func dependencyErr(op string, err error) error {
	if errors.Is(err, ErrDependency) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDependency, op, err)
}

// gstPercent never fails: a missing or unreachable tax config falls back to
// DefaultGSTPercent.
func (s *Service) gstPercent(ctx context.Context, serviceType string) money.Amount {
	if serviceType == "" {
		serviceType = ServiceTypeRental
	}
	if s.taxes == nil {
		return DefaultGSTPercent
	}
	pct, ok, err := s.taxes.GSTPercent(ctx, serviceType)
	if err != nil {
		s.log.Warn("gst lookup failed, using default",
			zap.String("service_type", serviceType),
			zap.Error(err),
		)
		return DefaultGSTPercent
	}
	if !ok {
		return DefaultGSTPercent
	}
	return pct
}
