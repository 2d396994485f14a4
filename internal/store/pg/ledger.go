package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rentflow.io/internal/billing"
	"rentflow.io/internal/money"
)

const accountColumns = `id, subscriber_id, currency, balance_amount, created_at, updated_at`

const entryColumns = `id, account_id, direction, amount, reason, reference_type, reference_id,
	coalesce(idempotency_key, ''), notes, coalesce(created_by_role, ''), created_at`

const applicationColumns = `id, invoice_id, account_id, debit_entry_id, applied_amount, created_at`

func scanAccount(row rowScanner) (billing.Account, error) {
	var a billing.Account
	err := row.Scan(&a.ID, &a.SubscriberID, &a.Currency, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanEntry(row rowScanner) (billing.Entry, error) {
	var (
		e     billing.Entry
		notes []byte
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.Direction, &e.Amount, &e.Reason, &e.Reference.Type, &e.Reference.ID,
		&e.IdempotencyKey, &notes, &e.CreatedByRole, &e.CreatedAt)
	if err != nil {
		return billing.Entry{}, err
	}
	if len(notes) > 0 {
		e.Notes = notes
	}
	return e, nil
}

func scanApplication(row rowScanner) (billing.Application, error) {
	var a billing.Application
	err := row.Scan(&a.ID, &a.InvoiceID, &a.AccountID, &a.DebitEntryID, &a.AppliedAmount, &a.CreatedAt)
	return a, err
}

func getAccount(ctx context.Context, q queryer, where string, args ...any) (billing.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `select `+accountColumns+` from billing.credit_ledger_accounts where `+where, args...))
	if err != nil {
		return billing.Account{}, notFound(err, billing.ErrAccountNotFound)
	}
	return a, nil
}

func getEntry(ctx context.Context, q queryer, where string, args ...any) (billing.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `select `+entryColumns+` from billing.credit_ledger_entries where `+where, args...))
	if err != nil {
		return billing.Entry{}, notFound(err, billing.ErrEntryNotFound)
	}
	return e, nil
}

func getApplication(ctx context.Context, q queryer, where string, args ...any) (billing.Application, error) {
	a, err := scanApplication(q.QueryRowContext(ctx, `select `+applicationColumns+` from billing.invoice_credit_applications where `+where, args...))
	if err != nil {
		return billing.Application{}, notFound(err, billing.ErrApplicationNotFound)
	}
	return a, nil
}

func listApplications(ctx context.Context, q queryer, invoiceID string) ([]billing.Application, error) {
	rows, err := q.QueryContext(ctx, `
		select `+applicationColumns+`
		from billing.invoice_credit_applications
		where invoice_id = $1
		order by created_at, id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var res []billing.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, id string) (billing.Account, error) {
	return getAccount(ctx, s.db, `id = $1`, id)
}

func (s *Store) FindAccount(ctx context.Context, subscriberID, currency string) (billing.Account, error) {
	return getAccount(ctx, s.db, `subscriber_id = $1 and currency = $2`, subscriberID, currency)
}

func (s *Store) FindEntryByKey(ctx context.Context, accountID, key string) (billing.Entry, error) {
	return getEntry(ctx, s.db, `account_id = $1 and idempotency_key = $2`, accountID, key)
}

func (s *Store) GetEntry(ctx context.Context, id string) (billing.Entry, error) {
	return getEntry(ctx, s.db, `id = $1`, id)
}

func (s *Store) FindApplicationByDebit(ctx context.Context, debitEntryID string) (billing.Application, error) {
	return getApplication(ctx, s.db, `debit_entry_id = $1`, debitEntryID)
}

func (s *Store) ListApplications(ctx context.Context, invoiceID string) ([]billing.Application, error) {
	return listApplications(ctx, s.db, invoiceID)
}

func (s *Store) ListEntries(ctx context.Context, accountID string, p billing.Page) ([]billing.Entry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from billing.credit_ledger_entries where account_id = $1
	`, accountID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from billing.credit_ledger_entries
		where account_id = $1
		order by created_at desc, id desc
		limit $2 offset $3
	`, accountID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	res := []billing.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
	}
	return res, total, rows.Err()
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (money.Amount, error) {
	var sum money.Amount
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(case when direction = 'credit' then amount else -amount end), 0)
		from billing.credit_ledger_entries
		where account_id = $1
	`, accountID).Scan(&sum)
	if err != nil {
		return money.Zero, fmt.Errorf("sum entries: %w", err)
	}
	return sum, nil
}

func (t *pgTx) LockAccount(ctx context.Context, subscriberID, currency string, now time.Time) (billing.Account, error) {
	if _, err := t.q.ExecContext(ctx, `
		insert into billing.credit_ledger_accounts(id, subscriber_id, currency, balance_amount, created_at, updated_at)
		values ($1, $2, $3, 0, $4, $4)
		on conflict (subscriber_id, currency) do nothing
	`, uuid.NewString(), subscriberID, currency, now); err != nil {
		return billing.Account{}, mapWriteError("create credit account", err)
	}
	return getAccount(ctx, t.q, `subscriber_id = $1 and currency = $2 for update`, subscriberID, currency)
}

func (t *pgTx) LockAccountByID(ctx context.Context, id string) (billing.Account, error) {
	return getAccount(ctx, t.q, `id = $1 for update`, id)
}

func (t *pgTx) FindEntryByKey(ctx context.Context, accountID, key string) (billing.Entry, error) {
	return getEntry(ctx, t.q, `account_id = $1 and idempotency_key = $2`, accountID, key)
}

func (t *pgTx) GetEntry(ctx context.Context, id string) (billing.Entry, error) {
	return getEntry(ctx, t.q, `id = $1`, id)
}

func (t *pgTx) FindReversal(ctx context.Context, debitEntryID string) (billing.Entry, error) {
	return getEntry(ctx, t.q, `reference_type = $1 and reference_id = $2 and direction = 'credit'`,
		billing.RefDebitReversal, debitEntryID)
}

func (t *pgTx) InsertEntry(ctx context.Context, e billing.Entry) error {
	_, err := t.q.ExecContext(ctx, `
		insert into billing.credit_ledger_entries(
			id, account_id, direction, amount, reason, reference_type, reference_id,
			idempotency_key, notes, created_by_role, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9, nullif($10, ''), $11)
	`, e.ID, e.AccountID, string(e.Direction), e.Amount, e.Reason, e.Reference.Type, e.Reference.ID,
		e.IdempotencyKey, nullJSON(e.Notes), e.CreatedByRole, e.CreatedAt)
	return mapWriteError("insert ledger entry", err)
}

func (t *pgTx) AddToBalance(ctx context.Context, accountID string, delta money.Amount, now time.Time) (money.Amount, error) {
	var balance money.Amount
	err := t.q.QueryRowContext(ctx, `
		update billing.credit_ledger_accounts
		set balance_amount = balance_amount + $2, updated_at = $3
		where id = $1
		returning balance_amount
	`, accountID, delta, now).Scan(&balance)
	if err != nil {
		return money.Zero, mapWriteError("update balance", notFound(err, billing.ErrAccountNotFound))
	}
	return balance, nil
}

func (t *pgTx) InsertApplication(ctx context.Context, a billing.Application) error {
	_, err := t.q.ExecContext(ctx, `
		insert into billing.invoice_credit_applications(id, invoice_id, account_id, debit_entry_id, applied_amount, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.InvoiceID, a.AccountID, a.DebitEntryID, a.AppliedAmount, a.CreatedAt)
	return mapWriteError("insert credit application", err)
}

func (t *pgTx) FindApplicationByDebit(ctx context.Context, debitEntryID string) (billing.Application, error) {
	return getApplication(ctx, t.q, `debit_entry_id = $1`, debitEntryID)
}

func (t *pgTx) ListApplications(ctx context.Context, invoiceID string) ([]billing.Application, error) {
	return listApplications(ctx, t.q, invoiceID)
}
