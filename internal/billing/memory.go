package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentflow.io/internal/money"
	"rentflow.io/internal/outbox"
)

// InMemory is a process-local Store. WithinTx runs fn against a private copy of the state
// and publishes it only if fn succeeds, so failed operations leave no trace. Transactions
// are serialized by a single mutex.
type InMemory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	sequences    map[string]int64
	invoices     map[string]Invoice
	accounts     map[string]Account
	entries      []Entry
	applications []Application
	effects      []outbox.Effect
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{state: &memState{
		sequences: map[string]int64{},
		invoices:  map[string]Invoice{},
		accounts:  map[string]Account{},
	}}
}

func (st *memState) clone() *memState {
	out := &memState{
		sequences:    make(map[string]int64, len(st.sequences)),
		invoices:     make(map[string]Invoice, len(st.invoices)),
		accounts:     make(map[string]Account, len(st.accounts)),
		entries:      append([]Entry(nil), st.entries...),
		applications: append([]Application(nil), st.applications...),
		effects:      append([]outbox.Effect(nil), st.effects...),
	}
	for k, v := range st.sequences {
		out.sequences[k] = v
	}
	for k, v := range st.invoices {
		out.invoices[k] = v
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	return out
}

func (s *InMemory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// committed reads the published state; callers hold s.mu.
func (s *InMemory) committed() *memTx {
	return &memTx{st: s.state}
}

func (s *InMemory) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().LockInvoice(ctx, id)
}

func (s *InMemory) FindInvoiceByOrder(ctx context.Context, orderID string) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().FindInvoiceByOrder(ctx, orderID)
}

func (s *InMemory) FindInvoiceByKey(ctx context.Context, key string) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().FindInvoiceByKey(ctx, key)
}

func (s *InMemory) ListInvoices(_ context.Context, f InvoiceFilter) ([]Invoice, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Invoice
	for _, inv := range s.state.invoices {
		if f.UserID != "" && inv.UserID != f.UserID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		all = append(all, inv)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Number > all[j].Number
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return pageOf(all, f.Limit, f.Offset), len(all), nil
}

func (s *InMemory) ListApplications(ctx context.Context, invoiceID string) ([]Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().ListApplications(ctx, invoiceID)
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().LockAccountByID(ctx, id)
}

func (s *InMemory) FindAccount(_ context.Context, subscriberID, currency string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.state.accounts {
		if a.SubscriberID == subscriberID && a.Currency == currency {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *InMemory) FindEntryByKey(ctx context.Context, accountID, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().FindEntryByKey(ctx, accountID, key)
}

func (s *InMemory) GetEntry(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().GetEntry(ctx, id)
}

func (s *InMemory) FindApplicationByDebit(ctx context.Context, debitEntryID string) (Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed().FindApplicationByDebit(ctx, debitEntryID)
}

func (s *InMemory) ListEntries(_ context.Context, accountID string, p Page) ([]Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Entry
	for i := len(s.state.entries) - 1; i >= 0; i-- {
		if e := s.state.entries[i]; e.AccountID == accountID {
			all = append(all, e)
		}
	}
	return pageOf(all, p.Limit, p.Offset), len(all), nil
}

func (s *InMemory) SumEntries(_ context.Context, accountID string) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := money.Zero
	for _, e := range s.state.entries {
		if e.AccountID == accountID {
			sum = sum.Add(e.Signed())
		}
	}
	return sum, nil
}

// Effects returns a copy of every queued outbox effect, oldest first.
func (s *InMemory) Effects() []outbox.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Effect(nil), s.state.effects...)
}

// ClaimDue, MarkDelivered and MarkFailed let the outbox dispatcher drain this store.
func (s *InMemory) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Effect
	for i := range s.state.effects {
		e := &s.state.effects[i]
		if len(out) == limit {
			break
		}
		if e.Status != outbox.StatusPending || e.NextAttemptAt.After(now) {
			continue
		}
		e.NextAttemptAt = leaseUntil
		out = append(out, *e)
	}
	return out, nil
}

func (s *InMemory) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return s.updateEffect(id, func(e *outbox.Effect) {
		e.Status = outbox.StatusDelivered
		e.DeliveredAt = &at
	})
}

func (s *InMemory) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	return s.updateEffect(id, func(e *outbox.Effect) {
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
		if dead {
			e.Status = outbox.StatusDead
		}
	})
}

func (s *InMemory) updateEffect(id string, fn func(e *outbox.Effect)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.effects {
		if s.state.effects[i].ID == id {
			fn(&s.state.effects[i])
			return nil
		}
	}
	return ErrNotFound
}

func pageOf[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

type memTx struct {
	st *memState
}

func (tx *memTx) NextInvoiceSequence(_ context.Context, fiscalYear string, _ time.Time) (int64, error) {
	next, ok := tx.st.sequences[fiscalYear]
	if !ok {
		next = 1
	}
	tx.st.sequences[fiscalYear] = next + 1
	return next, nil
}

func (tx *memTx) LockAccount(_ context.Context, subscriberID, currency string, now time.Time) (Account, error) {
	for _, a := range tx.st.accounts {
		if a.SubscriberID == subscriberID && a.Currency == currency {
			return a, nil
		}
	}
	a := Account{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Currency:     currency,
		Balance:      money.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx.st.accounts[a.ID] = a
	return a, nil
}

func (tx *memTx) LockAccountByID(_ context.Context, id string) (Account, error) {
	a, ok := tx.st.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (tx *memTx) FindEntryByKey(_ context.Context, accountID, key string) (Entry, error) {
	for _, e := range tx.st.entries {
		if e.AccountID == accountID && e.IdempotencyKey != "" && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (tx *memTx) GetEntry(_ context.Context, id string) (Entry, error) {
	for _, e := range tx.st.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (tx *memTx) FindReversal(_ context.Context, debitEntryID string) (Entry, error) {
	ref := Reference{Type: RefDebitReversal, ID: debitEntryID}
	for _, e := range tx.st.entries {
		if e.Direction == DirectionCredit && e.Reference == ref {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (tx *memTx) InsertEntry(ctx context.Context, e Entry) error {
	if e.IdempotencyKey != "" {
		if _, err := tx.FindEntryByKey(ctx, e.AccountID, e.IdempotencyKey); err == nil {
			return ErrDuplicate
		}
	}
	tx.st.entries = append(tx.st.entries, e)
	return nil
}

func (tx *memTx) AddToBalance(_ context.Context, accountID string, delta money.Amount, now time.Time) (money.Amount, error) {
	a, ok := tx.st.accounts[accountID]
	if !ok {
		return money.Zero, ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = now
	tx.st.accounts[accountID] = a
	return a.Balance, nil
}

func (tx *memTx) LockInvoice(_ context.Context, id string) (Invoice, error) {
	inv, ok := tx.st.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (tx *memTx) FindInvoiceByOrder(_ context.Context, orderID string) (Invoice, error) {
	for _, inv := range tx.st.invoices {
		if inv.OrderID != "" && inv.OrderID == orderID {
			return inv, nil
		}
	}
	return Invoice{}, ErrInvoiceNotFound
}

func (tx *memTx) FindInvoiceByKey(_ context.Context, key string) (Invoice, error) {
	for _, inv := range tx.st.invoices {
		if inv.IdempotencyKey != "" && inv.IdempotencyKey == key {
			return inv, nil
		}
	}
	return Invoice{}, ErrInvoiceNotFound
}

func (tx *memTx) InsertInvoice(_ context.Context, inv Invoice) error {
	for _, other := range tx.st.invoices {
		switch {
		case other.ID == inv.ID, other.Number == inv.Number:
			return ErrDuplicate
		case inv.OrderID != "" && other.OrderID == inv.OrderID:
			return ErrDuplicate
		case inv.IdempotencyKey != "" && other.IdempotencyKey == inv.IdempotencyKey:
			return ErrDuplicate
		}
	}
	tx.st.invoices[inv.ID] = inv
	return nil
}

func (tx *memTx) UpdateInvoice(_ context.Context, inv Invoice) error {
	if _, ok := tx.st.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	tx.st.invoices[inv.ID] = inv
	return nil
}

func (tx *memTx) ListIssuedPastDue(_ context.Context, now time.Time) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range tx.st.invoices {
		if inv.Status == StatusIssued && inv.DueDate != nil && inv.DueDate.Before(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (tx *memTx) InsertApplication(_ context.Context, a Application) error {
	for _, other := range tx.st.applications {
		if other.InvoiceID == a.InvoiceID && other.DebitEntryID == a.DebitEntryID {
			return ErrDuplicate
		}
	}
	tx.st.applications = append(tx.st.applications, a)
	return nil
}

func (tx *memTx) FindApplicationByDebit(_ context.Context, debitEntryID string) (Application, error) {
	for _, a := range tx.st.applications {
		if a.DebitEntryID == debitEntryID {
			return a, nil
		}
	}
	return Application{}, ErrApplicationNotFound
}

func (tx *memTx) ListApplications(_ context.Context, invoiceID string) ([]Application, error) {
	var out []Application
	for _, a := range tx.st.applications {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tx *memTx) EnqueueEffect(_ context.Context, e outbox.Effect) error {
	tx.st.effects = append(tx.st.effects, e)
	return nil
}

// StaticOrders serves orders from a map.
type StaticOrders map[string]Order

func (o StaticOrders) GetOrder(_ context.Context, orderID string) (Order, error) {
	order, ok := o[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// StaticSubscribers maps subscriber ids to user ids.
type StaticSubscribers map[string]string

func (d StaticSubscribers) UserIDForSubscriber(_ context.Context, subscriberID string) (string, error) {
	userID, ok := d[subscriberID]
	if !ok {
		return "", ErrSubscriberNotFound
	}
	return userID, nil
}

func (d StaticSubscribers) SubscriberForUser(_ context.Context, userID string) (string, error) {
	for sub, uid := range d {
		if uid == userID {
			return sub, nil
		}
	}
	return "", ErrSubscriberNotFound
}

// StaticTaxRates maps service types to GST percentages.
type StaticTaxRates map[string]money.Amount

func (r StaticTaxRates) GSTPercent(_ context.Context, serviceType string) (money.Amount, bool, error) {
	pct, ok := r[serviceType]
	return pct, ok, nil
}

var (
	_ Store        = (*InMemory)(nil)
	_ outbox.Store = (*InMemory)(nil)
)
