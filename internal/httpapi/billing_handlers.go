package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"rentflow.io/internal/audit"
	"rentflow.io/internal/auth"
	"rentflow.io/internal/billing"
	"rentflow.io/internal/media"
	"rentflow.io/internal/money"
	"rentflow.io/internal/obs"
)

const idempotencyHeader = "Idempotency-Key"

type cancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

type addCreditRequest struct {
	Amount         money.Amount    `json:"amount"`
	Currency       string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Reason         string          `json:"reason" validate:"required,max=64"`
	ReferenceType  string          `json:"reference_type" validate:"required,max=64"`
	ReferenceID    string          `json:"reference_id" validate:"required,max=128"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	Notes          json.RawMessage `json:"notes,omitempty"`
}

type applyCreditRequest struct {
	InvoiceID      string        `json:"invoice_id" validate:"required,uuid"`
	Amount         *money.Amount `json:"amount,omitempty"`
	Currency       string        `json:"currency" validate:"omitempty,len=3,alpha"`
	IdempotencyKey string        `json:"idempotency_key" validate:"omitempty,max=128"`
}

type reverseDebitRequest struct {
	DebitEntryID   string          `json:"debit_entry_id" validate:"required,uuid"`
	Currency       string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Reason         string          `json:"reason" validate:"omitempty,max=64"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	Notes          json.RawMessage `json:"notes,omitempty"`
}

type prorationRequest struct {
	FromPlanPrice      money.Amount `json:"from_plan_price"`
	ToPlanPrice        money.Amount `json:"to_plan_price"`
	CurrentPeriodStart time.Time    `json:"current_period_start"`
	CurrentPeriodEnd   time.Time    `json:"current_period_end"`
	EffectiveAt        *time.Time   `json:"effective_at,omitempty"`
	Currency           string       `json:"currency" validate:"omitempty,len=3,alpha"`
}

// input builds the estimate input. A missing effective_at means now.
func (p prorationRequest) input(now time.Time) billing.ProrationInput {
	eff := now
	if p.EffectiveAt != nil {
		eff = *p.EffectiveAt
	}
	return billing.ProrationInput{
		FromPlanPrice: p.FromPlanPrice,
		ToPlanPrice:   p.ToPlanPrice,
		PeriodStart:   p.CurrentPeriodStart,
		PeriodEnd:     p.CurrentPeriodEnd,
		EffectiveAt:   eff,
	}
}

type applyProrationRequest struct {
	prorationRequest
	SubscriberID   string `json:"subscriber_id" validate:"required,max=128"`
	SubscriptionID string `json:"subscription_id" validate:"required,max=128"`
	ServiceType    string `json:"service_type" validate:"omitempty,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

type prorationEstimateResponse struct {
	billing.ProrationEstimate
	Currency string `json:"currency"`
}

type listInvoicesResponse struct {
	Items  []billing.Invoice `json:"items"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type verifyAccountResponse struct {
	AccountID string       `json:"account_id"`
	Balanced  bool         `json:"balanced"`
	Balance   money.Amount `json:"balance_amount"`
	EntrySum  money.Amount `json:"entry_sum"`
}

// --- internal ---

func (a *API) createInvoiceFromOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("order_id"))
	inv, created, err := a.svc.CreateInvoiceFromOrder(r.Context(), orderID)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if created {
		a.audit(r, "billing.invoice.created", map[string]any{
			"invoice_id":     inv.ID,
			"invoice_number": inv.Number,
			"order_id":       orderID,
			"total_amount":   inv.TotalAmount.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created": created,
		"invoice": inv,
	})
}

func (a *API) invoiceAction(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "mark-paid":
		a.markInvoicePaid(w, r)
	case "cancel":
		a.cancelInvoice(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) markInvoicePaid(w http.ResponseWriter, r *http.Request) {
	id, ok := a.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := a.svc.MarkInvoicePaid(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	a.audit(r, "billing.invoice.paid", map[string]any{
		"invoice_id":  inv.ID,
		"paid_amount": inv.PaidAmount.String(),
	})
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := a.invoiceID(w, r)
	if !ok {
		return
	}
	var req cancelInvoiceRequest
	if !a.bind(w, r, &req, true) {
		return
	}
	inv, err := a.svc.CancelInvoice(r.Context(), id, req.Reason)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	a.audit(r, "billing.invoice.cancelled", map[string]any{
		"invoice_id":       inv.ID,
		"reason":           req.Reason,
		"credit_released":  inv.CreditAppliedAmount.String(),
		"invoice_currency": inv.Currency,
	})
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) addCredit(w http.ResponseWriter, r *http.Request) {
	var req addCreditRequest
	if !a.bind(w, r, &req, false) {
		return
	}
	key, ok := resolveIdempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	subscriberID := strings.TrimSpace(r.PathValue("subscriber_id"))
	entry, err := a.svc.AddCredit(r.Context(), billing.AddCreditInput{
		SubscriberID:   subscriberID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Reference:      billing.Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		IdempotencyKey: key,
		Notes:          req.Notes,
		CreatedByRole:  callerRole(r),
	})
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	a.audit(r, "billing.credit.added", map[string]any{
		"subscriber_id":   subscriberID,
		"entry_id":        entry.ID,
		"amount":          entry.Amount.String(),
		"reason":          entry.Reason,
		"idempotency_key": key,
	})
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) applyCredit(w http.ResponseWriter, r *http.Request) {
	var req applyCreditRequest
	if !a.bind(w, r, &req, false) {
		return
	}
	key, ok := resolveIdempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	subscriberID := strings.TrimSpace(r.PathValue("subscriber_id"))
	res, err := a.svc.ApplyCreditToInvoice(r.Context(), billing.ApplyCreditInput{
		SubscriberID:   subscriberID,
		InvoiceID:      req.InvoiceID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		IdempotencyKey: key,
		CreatedByRole:  callerRole(r),
	})
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	event := "billing.credit.applied"
	if res.Replayed {
		event = "billing.credit.applied.idempotent_replay"
	}
	a.audit(r, event, map[string]any{
		"subscriber_id":  subscriberID,
		"invoice_id":     res.Invoice.ID,
		"debit_entry_id": res.DebitEntryID,
		"applied_amount": res.AppliedAmount.String(),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) reverseDebit(w http.ResponseWriter, r *http.Request) {
	var req reverseDebitRequest
	if !a.bind(w, r, &req, false) {
		return
	}
	key, ok := resolveIdempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	subscriberID := strings.TrimSpace(r.PathValue("subscriber_id"))
	entry, err := a.svc.ReverseDebit(r.Context(), billing.ReverseDebitInput{
		SubscriberID:   subscriberID,
		Currency:       req.Currency,
		DebitEntryID:   req.DebitEntryID,
		Reason:         req.Reason,
		IdempotencyKey: key,
		Notes:          req.Notes,
		CreatedByRole:  callerRole(r),
	})
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	a.audit(r, "billing.credit.reversed", map[string]any{
		"subscriber_id":  subscriberID,
		"debit_entry_id": req.DebitEntryID,
		"entry_id":       entry.ID,
		"amount":         entry.Amount.String(),
	})
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) estimateProration(w http.ResponseWriter, r *http.Request) {
	var req prorationRequest
	if !a.bind(w, r, &req, false) {
		return
	}
	est, err := billing.EstimateProration(req.input(a.svc.Now()))
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	if cur == "" {
		cur = a.svc.Currency()
	}
	writeJSON(w, http.StatusOK, prorationEstimateResponse{ProrationEstimate: est, Currency: cur})
}

func (a *API) applyProration(w http.ResponseWriter, r *http.Request) {
	var req applyProrationRequest
	if !a.bind(w, r, &req, false) {
		return
	}
	key, ok := resolveIdempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	res, err := a.svc.ApplyProration(r.Context(), billing.ApplyProrationInput{
		ProrationInput: req.input(a.svc.Now()),
		SubscriberID:   req.SubscriberID,
		SubscriptionID: req.SubscriptionID,
		Currency:       req.Currency,
		ServiceType:    req.ServiceType,
		IdempotencyKey: key,
		CreatedByRole:  callerRole(r),
	})
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if !res.Replayed {
		a.audit(r, "billing.proration.applied", map[string]any{
			"subscriber_id":   req.SubscriberID,
			"subscription_id": req.SubscriptionID,
			"status":          string(res.Status),
			"net_amount":      res.NetAmount.String(),
			"invoice_id":      res.InvoiceID,
			"credit_entry_id": res.CreditEntryID,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) markOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.MarkOverdueInvoices(r.Context(), time.Now().UTC())
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if n > 0 {
		a.audit(r, "billing.invoice.overdue_sweep", map[string]any{"marked": n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

// --- admin ---

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", 50, 1, 200)
	if err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), "offset", 0, 0, 1<<30)
	if err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	status := billing.InvoiceStatus(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", "unknown status "+strconv.Quote(string(status)))
		return
	}
	items, total, err := a.svc.ListInvoices(r.Context(), billing.InvoiceFilter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listInvoicesResponse{Items: nonNil(items), Total: total, Limit: limit, Offset: offset})
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := a.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := a.svc.GetInvoice(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) adminInvoicePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := a.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := a.svc.GetInvoice(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	a.redirectToPDF(w, r, inv)
}

func (a *API) verifyAccount(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.PathValue("account_id"))
	if err := a.validate.Var(accountID, "required,uuid"); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", "account_id must be a uuid")
		return
	}
	balanced, balance, sum, err := a.svc.VerifyAccount(r.Context(), accountID)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if !balanced {
		obs.Logger().Error("credit account balance drift",
			zap.String("account_id", accountID),
			zap.String("balance", balance.String()),
			zap.String("entry_sum", sum.String()),
		)
	}
	writeJSON(w, http.StatusOK, verifyAccountResponse{
		AccountID: accountID,
		Balanced:  balanced,
		Balance:   balance,
		EntrySum:  sum,
	})
}

// --- subscriber ---

func (a *API) myInvoices(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}
	items, total, err := a.svc.InvoicesForUser(r.Context(), caller.Subject, page)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listInvoicesResponse{Items: nonNil(items), Total: total, Limit: page.Limit, Offset: page.Offset})
}

func (a *API) myInvoicePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := a.invoiceID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.PrincipalFrom(r.Context())
	inv, err := a.svc.GetInvoice(r.Context(), id)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	if inv.UserID != caller.Subject {
		writeErrorKind(w, r, http.StatusNotFound, "not_found", billing.ErrInvoiceNotFound.Error())
		return
	}
	a.redirectToPDF(w, r, inv)
}

func (a *API) myCredits(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}
	view, err := a.svc.CreditsForUser(r.Context(), caller.Subject, page)
	if err != nil {
		a.handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) redirectToPDF(w http.ResponseWriter, r *http.Request, inv billing.Invoice) {
	if inv.PDFMediaID == "" {
		writeErrorKind(w, r, http.StatusNotFound, "not_found", "invoice pdf is not available yet")
		return
	}
	if a.media == nil {
		writeError(w, r, http.StatusServiceUnavailable, media.ErrUnavailable.Error())
		return
	}
	link, err := a.media.DownloadURL(r.Context(), inv.PDFMediaID)
	switch {
	case errors.Is(err, media.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		obs.Logger().Warn("media download link failed",
			zap.String("invoice_id", inv.ID),
			zap.String("media_id", inv.PDFMediaID),
			zap.Error(err),
		)
		writeError(w, r, http.StatusBadGateway, "media service error")
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}

// --- helpers ---

// bind decodes and validates a request body, answering 400 or 413 on failure.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := decodeJSON(r, dst, allowEmpty); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", validationMessage(err))
		return false
	}
	return true
}

func (a *API) invoiceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := a.validate.Var(id, "required,uuid"); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", "invoice id must be a uuid")
		return "", false
	}
	return id, true
}

// resolveIdempotencyKey merges the Idempotency-Key header with the body key. Both may be
// given only when they agree.
func resolveIdempotencyKey(w http.ResponseWriter, r *http.Request, body string) (string, bool) {
	idem := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if bodyKey := strings.TrimSpace(body); bodyKey != "" {
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeErrorKind(w, r, http.StatusBadRequest, "validation_error", "Idempotency-Key header and body value must match")
			return "", false
		}
	}
	if len(idem) > 128 {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", "Idempotency-Key too long")
		return "", false
	}
	if idem != "" {
		w.Header().Set(idempotencyHeader, idem)
	}
	return idem, true
}

func (a *API) handleBillingError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.KindOf(err)
	switch kind {
	case "validation_error":
		writeErrorKind(w, r, http.StatusBadRequest, kind, err.Error())
	case "not_found":
		writeErrorKind(w, r, http.StatusNotFound, kind, err.Error())
	case "conflict":
		writeErrorKind(w, r, http.StatusConflict, kind, err.Error())
	case "dependency_error":
		writeErrorKind(w, r, http.StatusFailedDependency, kind, err.Error())
	default:
		obs.Logger().Error("billing request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeErrorKind(w, r, http.StatusInternalServerError, kind, "internal error")
	}
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}

func pageFromQuery(w http.ResponseWriter, r *http.Request) (billing.Page, bool) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", 50, 1, 200)
	if err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return billing.Page{}, false
	}
	offset, err := parsePositiveInt(q.Get("offset"), "offset", 0, 0, 1<<30)
	if err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return billing.Page{}, false
	}
	return billing.Page{Limit: limit, Offset: offset}, true
}

func parsePositiveInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// jsonFieldName reports struct fields by their wire name in validation errors.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
