package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"rentflow.io/internal/billing"
)

const invoiceColumns = `id, invoice_number, user_id, coalesce(order_id, ''), coalesce(subscription_id, ''),
	invoice_type, status, base_amount, discount_amount, credit_applied_amount, paid_amount,
	due_amount, amount_before_gst, gst_percent, gst_amount, total_amount, currency, due_date,
	coalesce(pdf_media_id, ''), coalesce(idempotency_key, ''), meta, created_at, updated_at`

func scanInvoice(row rowScanner) (billing.Invoice, error) {
	var (
		inv     billing.Invoice
		dueDate sql.NullTime
		meta    []byte
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.UserID, &inv.OrderID, &inv.SubscriptionID,
		&inv.Type, &inv.Status, &inv.BaseAmount, &inv.DiscountAmount, &inv.CreditAppliedAmount, &inv.PaidAmount,
		&inv.DueAmount, &inv.AmountBeforeGST, &inv.GSTPercent, &inv.GSTAmount, &inv.TotalAmount, &inv.Currency, &dueDate,
		&inv.PDFMediaID, &inv.IdempotencyKey, &meta, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return billing.Invoice{}, err
	}
	if dueDate.Valid {
		t := dueDate.Time.UTC()
		inv.DueDate = &t
	}
	if len(meta) > 0 {
		inv.Meta = meta
	}
	return inv, nil
}

func getInvoice(ctx context.Context, q queryer, where string, args ...any) (billing.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `select `+invoiceColumns+` from billing.invoices where `+where, args...))
	if err != nil {
		return billing.Invoice{}, notFound(err, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (billing.Invoice, error) {
	return getInvoice(ctx, s.db, `id = $1`, id)
}

func (s *Store) FindInvoiceByOrder(ctx context.Context, orderID string) (billing.Invoice, error) {
	return getInvoice(ctx, s.db, `order_id = $1`, orderID)
}

func (s *Store) FindInvoiceByKey(ctx context.Context, key string) (billing.Invoice, error) {
	return getInvoice(ctx, s.db, `idempotency_key = $1`, key)
}

func (s *Store) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from billing.invoices`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, `select `+invoiceColumns+` from billing.invoices`+where+
		fmt.Sprintf(" order by created_at desc, invoice_number desc limit $%d offset $%d", len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	res := []billing.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, inv)
	}
	return res, total, rows.Err()
}

func (t *pgTx) NextInvoiceSequence(ctx context.Context, fiscalYear string, now time.Time) (int64, error) {
	// The upsert takes the row lock; a first call of the year inserts next_num = 2
	// and consumes 1.
	var n int64
	err := t.q.QueryRowContext(ctx, `
		insert into billing.invoice_sequences(fiscal_year, next_num, updated_at)
		values ($1, 2, $2)
		on conflict (fiscal_year) do update
		set next_num = billing.invoice_sequences.next_num + 1, updated_at = excluded.updated_at
		returning next_num - 1
	`, fiscalYear, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next invoice sequence: %w", err)
	}
	return n, nil
}

func (t *pgTx) LockInvoice(ctx context.Context, id string) (billing.Invoice, error) {
	return getInvoice(ctx, t.q, `id = $1 for update`, id)
}

func (t *pgTx) FindInvoiceByOrder(ctx context.Context, orderID string) (billing.Invoice, error) {
	return getInvoice(ctx, t.q, `order_id = $1`, orderID)
}

func (t *pgTx) FindInvoiceByKey(ctx context.Context, key string) (billing.Invoice, error) {
	return getInvoice(ctx, t.q, `idempotency_key = $1`, key)
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv billing.Invoice) error {
	_, err := t.q.ExecContext(ctx, `
		insert into billing.invoices(
			id, invoice_number, user_id, order_id, subscription_id, invoice_type, status,
			base_amount, discount_amount, credit_applied_amount, paid_amount, due_amount,
			amount_before_gst, gst_percent, gst_amount, total_amount, currency, due_date,
			pdf_media_id, idempotency_key, meta, created_at, updated_at
		) values (
			$1, $2, $3, nullif($4, ''), nullif($5, ''), $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			nullif($19, ''), nullif($20, ''), $21, $22, $23
		)
	`,
		inv.ID, inv.Number, inv.UserID, inv.OrderID, inv.SubscriptionID, string(inv.Type), string(inv.Status),
		inv.BaseAmount, inv.DiscountAmount, inv.CreditAppliedAmount, inv.PaidAmount, inv.DueAmount,
		inv.AmountBeforeGST, inv.GSTPercent, inv.GSTAmount, inv.TotalAmount, inv.Currency, nullTime(inv.DueDate),
		inv.PDFMediaID, inv.IdempotencyKey, nullJSON(inv.Meta), inv.CreatedAt, inv.UpdatedAt,
	)
	return mapWriteError("insert invoice", err)
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	res, err := t.q.ExecContext(ctx, `
		update billing.invoices set
			status = $2, credit_applied_amount = $3, paid_amount = $4, due_amount = $5,
			pdf_media_id = nullif($6, ''), updated_at = $7
		where id = $1
	`, inv.ID, string(inv.Status), inv.CreditAppliedAmount, inv.PaidAmount, inv.DueAmount, inv.PDFMediaID, inv.UpdatedAt)
	if err != nil {
		return mapWriteError("update invoice", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTx) ListIssuedPastDue(ctx context.Context, now time.Time) ([]billing.Invoice, error) {
	// Invoices locked by a concurrent payment are skipped and picked up by the next sweep.
	rows, err := t.q.QueryContext(ctx, `
		select `+invoiceColumns+`
		from billing.invoices
		where status = 'issued' and due_date < $1
		order by invoice_number
		for update skip locked
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list past due invoices: %w", err)
	}
	defer rows.Close()

	var res []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
