package money

import (
	"bytes"
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Amount is a fixed-point decimal quantized to two fractional digits. No floats.
// The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Amount{}

// Limit is the largest magnitude a numeric(12,2) column holds.
var Limit = MustParse("9999999999.99")

// Quantize rounds d half-up (away from zero on ties) to two fractional digits.
func Quantize(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Places)}
}

// Parse reads a decimal string such as "154.84" and quantizes it.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Quantize(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt returns n.00.
func FromInt(n int64) Amount {
	return Quantize(decimal.NewFromInt(n))
}

// Decimal exposes the exact value for arithmetic that must quantize only at the end.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Quantize returns a re-quantized copy; a no-op for any Amount built by this package.
func (a Amount) Quantize() Amount { return Quantize(a.d) }

func (a Amount) Add(b Amount) Amount { return Quantize(a.d.Add(b.d)) }
func (a Amount) Sub(b Amount) Amount { return Quantize(a.d.Sub(b.d)) }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }
func (a Amount) Abs() Amount         { return Amount{d: a.d.Abs()} }

// Ratio computes a*num/den on the exact representation and quantizes once.
// den must be non-zero.
func (a Amount) Ratio(num, den int64) Amount {
	return Quantize(a.d.Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)))
}

// Percent returns pct% of a, e.g. Percent(18.00) for GST.
func (a Amount) Percent(pct Amount) Amount {
	return Quantize(a.d.Mul(pct.d).Div(hundred))
}

func (a Amount) Cmp(b Amount) int          { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool       { return a.d.Equal(b.d) }
func (a Amount) IsZero() bool              { return a.d.IsZero() }
func (a Amount) IsPositive() bool          { return a.d.IsPositive() }
func (a Amount) IsNegative() bool          { return a.d.IsNegative() }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }

// Storable reports whether a fits a numeric(12,2) column.
func (a Amount) Storable() bool { return a.d.Abs().LessThanOrEqual(Limit.d) }

// Min returns the smallest of the given amounts.
func Min(first Amount, rest ...Amount) Amount {
	out := first
	for _, a := range rest {
		if a.d.LessThan(out.d) {
			out = a
		}
	}
	return out
}

// Max returns the largest of the given amounts.
func Max(first Amount, rest ...Amount) Amount {
	out := first
	for _, a := range rest {
		if a.d.GreaterThan(out.d) {
			out = a
		}
	}
	return out
}

// Sum adds amounts exactly and quantizes the total.
func Sum(amounts ...Amount) Amount {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a.d)
	}
	return Quantize(total)
}

// String always renders two fractional digits.
func (a Amount) String() string { return a.d.StringFixed(Places) }

// MarshalJSON renders a bare JSON number with two fractional digits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = Zero
		return nil
	}
	b = bytes.Trim(b, `"`)
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a numeric literal.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads numeric columns (string, []byte, int64 or float64 from the driver).
func (a *Amount) Scan(src any) error {
	if src == nil {
		*a = Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	*a = Quantize(d)
	return nil
}
