package billing

import (
	"fmt"
	"time"
)

// FiscalYearStart is the first month of the fiscal year (India: April 1 to March 31).
const FiscalYearStart = time.April

// FiscalYearLabel returns the fiscal year containing now, e.g. "FY25-26" for 2026-01-16.
// The label is computed in UTC so every replica agrees on the boundary.
func FiscalYearLabel(now time.Time) string {
	now = now.UTC()
	start := now.Year()
	if now.Month() < FiscalYearStart {
		start--
	}
	return fmt.Sprintf("FY%02d-%02d", start%100, (start+1)%100)
}

// FormatInvoiceNumber renders {FY}-INV-{n:06d}.
func FormatInvoiceNumber(fiscalYear string, n int64) string {
	return fmt.Sprintf("%s-INV-%06d", fiscalYear, n)
}
