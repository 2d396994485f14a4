package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"rentflow.io/internal/auth"
	"rentflow.io/internal/billing"
	"rentflow.io/internal/ids"
	"rentflow.io/internal/money"
)

type apiError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func main() {
	log.SetFlags(0)
	base := envOr("BILLING_SMOKE_URL", "http://localhost:8080")
	key := os.Getenv("BILLING_INTERNAL_API_KEY")
	if key == "" {
		log.Fatal("BILLING_INTERNAL_API_KEY is required")
	}
	subscriber := envOr("BILLING_SMOKE_SUBSCRIBER", "smoke-subscriber")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	internal := resty.New().
		SetBaseURL(base+"/v1/billing/internal").
		SetHeader("X-Internal-API-Key", key)
	run := ids.New()

	var grant billing.Entry
	post(ctx, internal, "/credits/"+subscriber+"/add", "grant-"+run, map[string]any{
		"amount":         "100",
		"reason":         "goodwill",
		"reference_type": "smoke",
		"reference_id":   run,
	}, &grant)

	period := map[string]any{
		"from_plan_price":      "300",
		"to_plan_price":        "600",
		"current_period_start": "2026-01-01T00:00:00Z",
		"current_period_end":   "2026-02-01T00:00:00Z",
		"effective_at":         "2026-01-16T00:00:00Z",
	}
	var est billing.ProrationEstimate
	post(ctx, internal, "/proration/estimate", "", period, &est)
	if est.NetAmount.String() != "154.84" {
		log.Fatalf("unexpected proration net amount %s", est.NetAmount)
	}

	apply := map[string]any{"subscriber_id": subscriber, "subscription_id": "smoke-" + run}
	for k, v := range period {
		apply[k] = v
	}
	var pr billing.ProrationResult
	post(ctx, internal, "/proration/apply", "upgrade-"+run, apply, &pr)
	if pr.Status != billing.ProrationInvoiceCreated {
		log.Fatalf("expected proration invoice, got %s", pr.Status)
	}

	var applied billing.ApplyCreditResult
	post(ctx, internal, "/credits/"+subscriber+"/apply-to-invoice", "apply-"+run,
		map[string]any{"invoice_id": pr.InvoiceID}, &applied)
	if !applied.AppliedAmount.Equal(money.FromInt(100)) {
		log.Fatalf("expected 100.00 applied, got %s", applied.AppliedAmount)
	}
	if applied.Invoice.DueAmount.IsZero() {
		log.Fatalf("invoice %s unexpectedly settled", applied.Invoice.ID)
	}

	if secret := os.Getenv("BILLING_AUTH_SECRET"); secret != "" {
		tokens, err := auth.NewVerifier(secret)
		if err != nil {
			log.Fatalf("auth verifier: %v", err)
		}
		token, err := tokens.Issue("smoke-admin", []string{auth.RoleAdmin}, time.Minute)
		if err != nil {
			log.Fatalf("issue admin token: %v", err)
		}
		var verify struct {
			Balanced bool `json:"balanced"`
		}
		var failure apiError
		resp, err := resty.New().SetBaseURL(base).R().
			SetContext(ctx).
			SetAuthToken(token).
			SetResult(&verify).
			SetError(&failure).
			Get("/v1/billing/admin/credits/" + grant.AccountID + "/verify")
		if err != nil {
			log.Fatalf("verify account: %v", err)
		}
		if resp.IsError() {
			log.Fatalf("verify account: %d %s (%s)", resp.StatusCode(), failure.Error, failure.RequestID)
		}
		if !verify.Balanced {
			log.Fatalf("ledger drift on account %s", grant.AccountID)
		}
	}

	fmt.Printf("billing smoke test passed: invoice=%s due=%s account=%s\n",
		applied.Invoice.Number, applied.Invoice.DueAmount, grant.AccountID)
}

func post(ctx context.Context, c *resty.Client, path, idempotencyKey string, body, out any) {
	var failure apiError
	req := c.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&failure)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	resp, err := req.Post(path)
	if err != nil {
		log.Fatalf("POST %s: %v", path, err)
	}
	if resp.IsError() {
		log.Fatalf("POST %s: %d %s: %s (%s)", path, resp.StatusCode(), failure.Code, failure.Error, failure.RequestID)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
