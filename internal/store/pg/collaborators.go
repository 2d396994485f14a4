package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rentflow.io/internal/billing"
	"rentflow.io/internal/money"
)

// Collaborators reads the subscription and subscriber schemas owned by neighbouring
// services that share the database. Every failure is reported as billing.ErrDependency.
type Collaborators struct {
	db *sql.DB
}

var (
	_ billing.OrderSource         = (*Collaborators)(nil)
	_ billing.SubscriberDirectory = (*Collaborators)(nil)
	_ billing.TaxRates            = (*Collaborators)(nil)
)

func NewCollaborators(db *sql.DB) *Collaborators { return &Collaborators{db: db} }

func (c *Collaborators) GetOrder(ctx context.Context, orderID string) (billing.Order, error) {
	var o billing.Order
	err := c.db.QueryRowContext(ctx, `
		select o.id, o.user_id, coalesce(o.subscription_id::text, ''), coalesce(o.service_type, ''), o.status,
			o.base_amount, o.discount_amount, o.credit_applied_amount,
			o.amount_before_gst, o.gst_percent, o.gst_amount, o.total_amount
		from subscription.orders o
		where o.id = $1
	`, orderID).Scan(&o.ID, &o.UserID, &o.SubscriptionID, &o.ServiceType, &o.Status,
		&o.BaseAmount, &o.DiscountAmount, &o.CreditAppliedAmount,
		&o.AmountBeforeGST, &o.GSTPercent, &o.GSTAmount, &o.TotalAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Order{}, billing.ErrOrderNotFound
	}
	if err != nil {
		return billing.Order{}, fmt.Errorf("%w: load order: %v", billing.ErrDependency, err)
	}
	return o, nil
}

func (c *Collaborators) UserIDForSubscriber(ctx context.Context, subscriberID string) (string, error) {
	var userID string
	err := c.db.QueryRowContext(ctx, `
		select user_id from subscriber.subscribers where id = $1
	`, subscriberID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrSubscriberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: load subscriber: %v", billing.ErrDependency, err)
	}
	return userID, nil
}

func (c *Collaborators) SubscriberForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `
		select id from subscriber.subscribers where user_id = $1
		order by created_at limit 1
	`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrSubscriberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: load subscriber: %v", billing.ErrDependency, err)
	}
	return id, nil
}

func (c *Collaborators) GSTPercent(ctx context.Context, serviceType string) (money.Amount, bool, error) {
	var pct money.Amount
	err := c.db.QueryRowContext(ctx, `
		select gst_percent from subscription.tax_configs
		where service_type = $1 and is_active
		order by updated_at desc limit 1
	`, serviceType).Scan(&pct)
	if errors.Is(err, sql.ErrNoRows) {
		return money.Zero, false, nil
	}
	if err != nil {
		return money.Zero, false, err
	}
	return pct, true, nil
}
