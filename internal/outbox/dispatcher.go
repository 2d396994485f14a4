package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"rentflow.io/internal/obs"
)

const (
	pdfPath    = "/api/v1/media/internal/generate-invoice-pdf"
	notifyPath = "/api/v1/notifications/internal/send"
)

// errSkipped marks an effect whose target service is not configured.
var errSkipped = errors.New("outbox: target not configured")

// PDFSink receives the media id of a rendered invoice.
type PDFSink interface {
	AttachInvoicePDF(ctx context.Context, invoiceID, mediaID string) error
}

type Config struct {
	MediaURL       string
	NotifyURL      string
	InternalAPIKey string
	BatchSize      int
	MaxAttempts    int
	Timeout        time.Duration
	// Lease is how long a claimed effect stays invisible to other dispatchers.
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	c.MediaURL = strings.TrimRight(c.MediaURL, "/")
	c.NotifyURL = strings.TrimRight(c.NotifyURL, "/")
	return c
}

// Stats summarises one dispatch pass.
type Stats struct {
	Claimed   int
	Delivered int
	Skipped   int
	Failed    int
	Dead      int
}

// Dispatcher drains due effects to the media and notification services.
type Dispatcher struct {
	store  Store
	sink   PDFSink
	client *resty.Client
	cfg    Config
	now    func() time.Time
	log    *zap.Logger
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func NewDispatcher(store Store, sink PDFSink, cfg Config, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.withDefaults()
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.InternalAPIKey != "" {
		client.SetHeader("X-Internal-API-Key", cfg.InternalAPIKey)
	}
	d := &Dispatcher{
		store:  store,
		sink:   sink,
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce claims one batch and attempts each effect once. Delivery failures are recorded
// on the effect and returned together; they never abort the rest of the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	now := d.now()
	effects, err := d.store.ClaimDue(ctx, now, now.Add(d.cfg.Lease), d.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("claim effects: %w", err)
	}
	stats := Stats{Claimed: len(effects)}

	var errs *multierror.Error
	for _, e := range effects {
		derr := d.deliver(ctx, e)
		switch {
		case derr == nil || errors.Is(derr, errSkipped):
			if err := d.store.MarkDelivered(ctx, e.ID, d.now()); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("mark %s delivered: %w", e.ID, err))
				continue
			}
			if derr != nil {
				stats.Skipped++
				obs.RecordOutboxDelivery(string(e.Kind), "skipped")
				d.log.Info("outbox effect skipped", zap.String("effect_id", e.ID), zap.String("kind", string(e.Kind)))
				continue
			}
			stats.Delivered++
			obs.RecordOutboxDelivery(string(e.Kind), "delivered")
		default:
			attempts := e.Attempts + 1
			dead := attempts >= d.cfg.MaxAttempts
			next := d.now().Add(d.backoff(attempts))
			if err := d.store.MarkFailed(ctx, e.ID, attempts, next, derr.Error(), dead); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("mark %s failed: %w", e.ID, err))
			}
			result := "failed"
			if dead {
				result = "dead"
				stats.Dead++
			} else {
				stats.Failed++
			}
			obs.RecordOutboxDelivery(string(e.Kind), result)
			d.log.Warn("outbox delivery failed",
				zap.String("effect_id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.String("aggregate_id", e.AggregateID),
				zap.Int("attempts", attempts),
				zap.Bool("dead", dead),
				zap.Error(derr),
			)
			errs = multierror.Append(errs, fmt.Errorf("effect %s (%s): %w", e.ID, e.Kind, derr))
		}
	}
	return stats, errs.ErrorOrNil()
}

// Run dispatches until ctx is cancelled, sleeping interval between empty passes.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Warn("outbox pass finished with errors", zap.Error(err))
		}
		if stats.Claimed == d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return wait
}

func (d *Dispatcher) deliver(ctx context.Context, e Effect) error {
	switch e.Kind {
	case KindInvoicePDF:
		return d.deliverPDF(ctx, e)
	case KindInvoiceNotify:
		return d.deliverNotify(ctx, e)
	default:
		return fmt.Errorf("unknown effect kind %q", e.Kind)
	}
}

type pdfResponse struct {
	MediaID string `json:"media_id"`
	ID      string `json:"id"`
}

func (d *Dispatcher) deliverPDF(ctx context.Context, e Effect) error {
	if d.cfg.MediaURL == "" {
		return errSkipped
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody([]byte(e.Payload)).
		Post(d.cfg.MediaURL + pdfPath)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("media service returned %d", resp.StatusCode())
	}
	var out pdfResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("decode media response: %w", err)
	}
	mediaID := out.MediaID
	if mediaID == "" {
		mediaID = out.ID
	}
	if mediaID == "" {
		return errors.New("media service returned no media id")
	}
	if d.sink == nil {
		return nil
	}
	return d.sink.AttachInvoicePDF(ctx, e.AggregateID, mediaID)
}

func (d *Dispatcher) deliverNotify(ctx context.Context, e Effect) error {
	if d.cfg.NotifyURL == "" {
		return errSkipped
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody([]byte(e.Payload)).
		Post(d.cfg.NotifyURL + notifyPath)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("notification service returned %d", resp.StatusCode())
	}
	return nil
}
