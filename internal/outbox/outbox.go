// Package outbox persists side effects next to the financial writes that cause them and
// delivers them later, so a slow or failing downstream service never holds a row lock
// or rolls back money movement.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentflow.io/internal/ids"
)

type Kind string

const (
	KindInvoicePDF    Kind = "invoice.pdf"
	KindInvoiceNotify Kind = "invoice.notify"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Effect is one pending call to a downstream service.
type Effect struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

// NewEffect builds a pending effect due immediately.
func NewEffect(kind Kind, aggregateID string, payload any, now time.Time) (Effect, error) {
	if kind == "" || aggregateID == "" {
		return Effect{}, errors.New("outbox: kind and aggregate id are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Effect{}, fmt.Errorf("outbox: encode %s payload: %w", kind, err)
	}
	return Effect{
		ID:            ids.New(),
		Kind:          kind,
		AggregateID:   aggregateID,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Store is the dispatcher's view of the outbox table.
type Store interface {
	// ClaimDue leases up to limit pending effects due at now until leaseUntil, so that
	// concurrent dispatchers skip them.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Effect, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. dead stops further retries.
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error
}
