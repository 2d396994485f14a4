package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeRoundsHalfUp(t *testing.T) {
	cases := map[string]string{
		"0":        "0.00",
		"1.005":    "1.01",
		"1.004":    "1.00",
		"2.675":    "2.68",
		"154.8387": "154.84",
		"-1.005":   "-1.01",
		"10":       "10.00",
	}
	for in, want := range cases {
		got := Quantize(decimal.RequireFromString(in))
		assert.Equal(t, want, got.String(), "Quantize(%s)", in)
	}
}

func TestQuantizeIsIdempotent(t *testing.T) {
	for _, in := range []string{"0.125", "99.995", "-3.333", "1234.5"} {
		once := Quantize(decimal.RequireFromString(in))
		twice := Quantize(once.Decimal())
		assert.True(t, once.Equal(twice), "%s: %s != %s", in, once, twice)
		assert.Equal(t, once.String(), once.Quantize().String())
	}
}

func TestRatioQuantizesOnlyAtTheEnd(t *testing.T) {
	// 300 * 16 / 31 = 154.8387... ; rounding 300/31 first would give 154.88.
	assert.Equal(t, "154.84", FromInt(300).Ratio(16, 31).String())
	assert.Equal(t, "309.68", FromInt(600).Ratio(16, 31).String())
	assert.Equal(t, "0.00", FromInt(600).Ratio(0, 31).String())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "27.87", MustParse("154.84").Percent(MustParse("18")).String())
	assert.Equal(t, "0.00", Zero.Percent(MustParse("18")).String())
}

func TestMinMaxSum(t *testing.T) {
	a, b, c := MustParse("50"), MustParse("200"), MustParse("75.5")
	assert.Equal(t, "50.00", Min(a, b, c).String())
	assert.Equal(t, "200.00", Max(a, b, c).String())
	assert.Equal(t, "325.50", Sum(a, b, c).String())
	assert.Equal(t, "0.00", Sum().String())
}

func TestJSONRoundTripAcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12.345, "b": "7.1"}`), &v))
	assert.Equal(t, "12.35", v.A.String())
	assert.Equal(t, "7.10", v.B.String())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 12.35, "b": 7.10}`, string(out))
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan([]byte("19.999")))
	assert.Equal(t, "20.00", a.String())
	require.NoError(t, a.Scan(int64(5)))
	assert.Equal(t, "5.00", a.String())
	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())

	v, err := MustParse("3.5").Value()
	require.NoError(t, err)
	assert.Equal(t, "3.50", v)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("twelve")
	assert.Error(t, err)
}

func TestStorable(t *testing.T) {
	assert.True(t, Limit.Storable())
	assert.True(t, Limit.Neg().Storable())
	assert.False(t, MustParse("10000000000").Storable())
	assert.False(t, Limit.Add(MustParse("0.01")).Storable())
}
