package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Billing metrics
var (
	invoicesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_invoices_created_total",
			Help: "Invoices created, by invoice type.",
		},
		[]string{"type"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_ledger_entries_total",
			Help: "Credit ledger entries written.",
		},
		[]string{"direction", "reason"},
	)

	creditApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_credit_applied_total",
		Help: "Sum of credit applied to invoices, in major currency units.",
	})

	overdueMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_overdue_marked_total",
		Help: "Invoices moved to overdue by the sweep.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "billing_ready",
		Help: "1 when the last readiness check passed.",
	})

	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_outbox_deliveries_total",
			Help: "Outbox delivery attempts, by effect kind and result.",
		},
		[]string{"kind", "result"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			invoicesCreated, ledgerEntries, creditApplied, overdueMarked, outboxDeliveries, ready,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordInvoiceCreated(invoiceType string) {
	invoicesCreated.WithLabelValues(invoiceType).Inc()
}

func RecordLedgerEntry(direction, reason string) {
	ledgerEntries.WithLabelValues(direction, reason).Inc()
}

func RecordCreditApplied(amount float64) {
	if amount > 0 {
		creditApplied.Add(amount)
	}
}

func RecordOverdueMarked(n int) {
	if n > 0 {
		overdueMarked.Add(float64(n))
	}
}

func RecordOutboxDelivery(kind, result string) {
	outboxDeliveries.WithLabelValues(kind, result).Inc()
}

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces id segments of known routes with ":id" to keep label
// cardinality bounded. Unknown shapes pass through unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "billing" {
		return p
	}
	switch {
	case parts[2] == "internal" && len(parts) == 6 && parts[3] == "invoices" && parts[4] == "from-order":
		parts[5] = ":id"
	case parts[2] == "internal" && len(parts) == 6 && parts[3] == "invoices" &&
		(parts[5] == "mark-paid" || parts[5] == "cancel"):
		parts[4] = ":id"
	case parts[2] == "internal" && len(parts) == 6 && parts[3] == "credits" &&
		(parts[5] == "add" || parts[5] == "apply-to-invoice" || parts[5] == "reverse"):
		parts[4] = ":id"
	case parts[2] == "admin" && (len(parts) == 5 || len(parts) == 6) && parts[3] == "invoices":
		parts[4] = ":id"
	case parts[2] == "admin" && len(parts) == 6 && parts[3] == "credits" && parts[5] == "verify":
		parts[4] = ":id"
	case parts[2] == "me" && len(parts) == 6 && parts[3] == "invoices" && parts[5] == "pdf":
		parts[4] = ":id"
	default:
		return p
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
