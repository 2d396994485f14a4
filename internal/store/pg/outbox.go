package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rentflow.io/internal/outbox"
)

const effectColumns = `id, kind, aggregate_id, payload, status, attempts, next_attempt_at,
	coalesce(last_error, ''), created_at, delivered_at`

func scanEffect(row rowScanner) (outbox.Effect, error) {
	var (
		e         outbox.Effect
		payload   []byte
		delivered sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.AggregateID, &payload, &e.Status, &e.Attempts, &e.NextAttemptAt,
		&e.LastError, &e.CreatedAt, &delivered); err != nil {
		return outbox.Effect{}, err
	}
	e.Payload = payload
	if delivered.Valid {
		t := delivered.Time
		e.DeliveredAt = &t
	}
	return e, nil
}

func (t *pgTx) EnqueueEffect(ctx context.Context, e outbox.Effect) error {
	_, err := t.q.ExecContext(ctx, `
		insert into billing.outbox_effects(id, kind, aggregate_id, payload, status, attempts, next_attempt_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, string(e.Kind), e.AggregateID, string(e.Payload), string(e.Status), e.Attempts, e.NextAttemptAt, e.CreatedAt)
	return mapWriteError("enqueue effect", err)
}

// ClaimDue moves next_attempt_at of the claimed rows to leaseUntil in the same
// statement, so a dispatcher that dies mid-batch releases its effects when the lease
// runs out.
func (s *Store) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Effect, error) {
	rows, err := s.db.QueryContext(ctx, `
		update billing.outbox_effects
		set next_attempt_at = $2
		where id in (
			select id from billing.outbox_effects
			where status = 'pending' and next_attempt_at <= $1
			order by next_attempt_at, id
			limit $3
			for update skip locked
		)
		returning `+effectColumns, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim effects: %w", err)
	}
	defer rows.Close()

	var res []outbox.Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update billing.outbox_effects
		set status = 'delivered', delivered_at = $2, last_error = null
		where id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusDead
	}
	_, err := s.db.ExecContext(ctx, `
		update billing.outbox_effects
		set status = $2, attempts = $3, next_attempt_at = $4, last_error = $5
		where id = $1
	`, id, string(status), attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
