// Package httpapi exposes the billing core over HTTP and the service health over gRPC.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"rentflow.io/internal/auth"
	"rentflow.io/internal/billing"
	"rentflow.io/internal/obs"
)

const serviceName = "rentflow-billing"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// pdfLinker turns a stored media id into a short-lived download URL.
type pdfLinker interface {
	DownloadURL(ctx context.Context, mediaID string) (string, error)
}

// Options wires the API to its collaborators. Zero limits fall back to defaults.
type Options struct {
	Service        *billing.Service
	Ready          readinessChecker
	Media          pdfLinker
	Tokens         *auth.Verifier
	Version        string
	InternalAPIKey string
	RateBurst      int
	RatePerSecond  int
	MaxBodyBytes   int64
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	svc         *billing.Service
	readyProbe  readinessChecker
	media       pdfLinker
	tokens      *auth.Verifier
	version     string
	internalKey string
	rateBurst   int
	ratePerSec  int
	maxBody     int64
	validate    *validator.Validate
}

func New(opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		svc:         opts.Service,
		readyProbe:  opts.Ready,
		media:       opts.Media,
		tokens:      opts.Tokens,
		version:     opts.Version,
		internalKey: opts.InternalAPIKey,
		rateBurst:   opts.RateBurst,
		ratePerSec:  opts.RatePerSecond,
		maxBody:     opts.MaxBodyBytes,
		validate:    validator.New(),
	}
	a.validate.RegisterTagNameFunc(jsonFieldName)
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.routes()
	return a
}

func (a *API) routes() {
	internal := RequireRole(rolesInternal...)
	admin := RequireRole(rolesAdmin...)
	me := RequireRole(rolesSelf...)

	const p = "/v1/billing"
	a.mux.Handle("POST "+p+"/internal/invoices/from-order/{order_id}", internal(http.HandlerFunc(a.createInvoiceFromOrder)))
	// mark-paid and cancel share one pattern; a literal {id}/mark-paid would overlap
	// from-order/{order_id} without either being more specific.
	a.mux.Handle("POST "+p+"/internal/invoices/{id}/{action}", internal(http.HandlerFunc(a.invoiceAction)))
	a.mux.Handle("POST "+p+"/internal/credits/{subscriber_id}/add", internal(http.HandlerFunc(a.addCredit)))
	a.mux.Handle("POST "+p+"/internal/credits/{subscriber_id}/apply-to-invoice", internal(http.HandlerFunc(a.applyCredit)))
	a.mux.Handle("POST "+p+"/internal/credits/{subscriber_id}/reverse", internal(http.HandlerFunc(a.reverseDebit)))
	a.mux.Handle("POST "+p+"/internal/proration/estimate", internal(http.HandlerFunc(a.estimateProration)))
	a.mux.Handle("POST "+p+"/internal/proration/apply", internal(http.HandlerFunc(a.applyProration)))
	a.mux.Handle("POST "+p+"/internal/jobs/mark-overdue-invoices", internal(http.HandlerFunc(a.markOverdue)))

	a.mux.Handle("GET "+p+"/admin/invoices", admin(http.HandlerFunc(a.listInvoices)))
	a.mux.Handle("GET "+p+"/admin/invoices/{id}", admin(http.HandlerFunc(a.getInvoice)))
	a.mux.Handle("GET "+p+"/admin/invoices/{id}/pdf", admin(http.HandlerFunc(a.adminInvoicePDF)))
	a.mux.Handle("GET "+p+"/admin/credits/{account_id}/verify", admin(http.HandlerFunc(a.verifyAccount)))

	a.mux.Handle("GET "+p+"/me/invoices", me(http.HandlerFunc(a.myInvoices)))
	a.mux.Handle("GET "+p+"/me/invoices/{id}/pdf", me(http.HandlerFunc(a.myInvoicePDF)))
	a.mux.Handle("GET "+p+"/me/credits", me(http.HandlerFunc(a.myCredits)))
}

// Handler returns the root handler with the full middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.svc != nil {
		info["currency"] = a.svc.Currency()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorKind(w, r, code, "", msg)
}

func writeErrorKind(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if kind != "" {
		payload["code"] = kind
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON document and rejects unknown fields. An empty body
// is accepted only when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
