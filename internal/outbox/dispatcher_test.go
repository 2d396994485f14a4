package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	effects map[string]*Effect
}

func newFakeStore(effects ...Effect) *fakeStore {
	s := &fakeStore{effects: map[string]*Effect{}}
	for i := range effects {
		e := effects[i]
		s.effects[e.ID] = &e
	}
	return s
}

func (s *fakeStore) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Effect
	for _, e := range s.effects {
		if len(out) == limit {
			break
		}
		if e.Status != StatusPending || e.NextAttemptAt.After(now) {
			continue
		}
		e.NextAttemptAt = leaseUntil
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.effects[id]
	e.Status = StatusDelivered
	e.DeliveredAt = &at
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.effects[id]
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LastError = lastErr
	if dead {
		e.Status = StatusDead
	}
	return nil
}

func (s *fakeStore) get(id string) Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.effects[id]
}

type sinkFunc func(ctx context.Context, invoiceID, mediaID string) error

func (f sinkFunc) AttachInvoicePDF(ctx context.Context, invoiceID, mediaID string) error {
	return f(ctx, invoiceID, mediaID)
}

var t0 = time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)

func mustEffect(t *testing.T, kind Kind, aggregate string, payload any) Effect {
	t.Helper()
	e, err := NewEffect(kind, aggregate, payload, t0)
	require.NoError(t, err)
	return e
}

func TestDispatcherDeliversPDFAndNotify(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Internal-API-Key")
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case pdfPath:
			gotPath = r.URL.Path
			_ = json.Unmarshal(body, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"media_id":"media-7"}`))
		case notifyPath:
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	pdf := mustEffect(t, KindInvoicePDF, "inv-1", map[string]string{"invoice_number": "FY25-26-INV-000001"})
	notify := mustEffect(t, KindInvoiceNotify, "inv-1", map[string]string{"template_key": "invoice_generated"})
	store := newFakeStore(pdf, notify)

	var attached []string
	sink := sinkFunc(func(_ context.Context, invoiceID, mediaID string) error {
		attached = append(attached, invoiceID+"="+mediaID)
		return nil
	})
	d := NewDispatcher(store, sink, Config{MediaURL: srv.URL, NotifyURL: srv.URL + "/", InternalAPIKey: "k"},
		WithDispatcherClock(func() time.Time { return t0 }),
		WithDispatcherLogger(zap.NewNop()),
	)

	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 2, Delivered: 2}, stats)
	assert.Equal(t, "k", gotKey)
	assert.Equal(t, pdfPath, gotPath)
	assert.Equal(t, "FY25-26-INV-000001", gotBody["invoice_number"])
	assert.Equal(t, []string{"inv-1=media-7"}, attached)
	assert.Equal(t, StatusDelivered, store.get(pdf.ID).Status)
	assert.Equal(t, StatusDelivered, store.get(notify.ID).Status)

	stats, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestDispatcherSchedulesRetryAndDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := mustEffect(t, KindInvoiceNotify, "inv-2", map[string]string{})
	store := newFakeStore(e)
	now := t0
	d := NewDispatcher(store, nil, Config{NotifyURL: srv.URL, MaxAttempts: 2, BaseBackoff: time.Minute},
		WithDispatcherClock(func() time.Time { return now }),
		WithDispatcherLogger(zap.NewNop()),
	)

	stats, err := d.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, stats.Failed)
	got := store.get(e.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, t0.Add(time.Minute), got.NextAttemptAt)
	assert.Contains(t, got.LastError, "502")

	// Not yet due.
	stats, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	now = t0.Add(time.Minute)
	stats, err = d.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, stats.Dead)
	assert.Equal(t, StatusDead, store.get(e.ID).Status)
}

func TestDispatcherSkipsUnconfiguredTargets(t *testing.T) {
	e := mustEffect(t, KindInvoicePDF, "inv-3", map[string]string{})
	store := newFakeStore(e)
	d := NewDispatcher(store, nil, Config{}, WithDispatcherLogger(zap.NewNop()),
		WithDispatcherClock(func() time.Time { return t0 }))

	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, StatusDelivered, store.get(e.ID).Status)
}

func TestBackoffIsCapped(t *testing.T) {
	d := NewDispatcher(newFakeStore(), nil, Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(30))
}

func TestNewEffectRequiresKind(t *testing.T) {
	_, err := NewEffect("", "inv", nil, t0)
	require.Error(t, err)
}
