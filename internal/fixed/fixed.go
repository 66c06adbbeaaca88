// Package fixed implements the ×10⁶ fixed-point arithmetic used across
// the indexer: decimal-string conversion, price bucketing, and the
// notional/margin derivations. All intermediate products go through
// math/big; floating point is never used for prices or money.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point denominator: prices are integers ×10⁶.
const Scale = 1_000_000

// ErrBadTick is returned when a bucket computation is attempted with a
// non-positive tick. No partial writes may happen after this error.
var ErrBadTick = errors.New("tick_x6 must be positive")

var maxInt64 = big.NewInt(0).SetUint64(1<<63 - 1)

// ParseDecimalX6 converts a decimal string ("108910.01", "-0.5") into
// its ×10⁶ integer representation. The fractional part is padded to six
// digits and concatenated; more than six fractional digits is an error
// rather than a silent truncation.
func ParseDecimalX6(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal string")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if strings.TrimLeft(whole+frac, "0123456789") != "" {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("decimal %q exceeds 6 fractional digits", s)
	}
	if whole == "" {
		whole = "0"
	}
	frac = frac + strings.Repeat("0", 6-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if v.Cmp(maxInt64) > 0 {
		return 0, fmt.Errorf("decimal %q overflows int64 at scale 10^6", s)
	}
	out := v.Int64()
	if neg {
		out = -out
	}
	return out, nil
}

// FormatX6 renders a ×10⁶ value back as a decimal string with trailing
// zeros trimmed ("108910.01", "-0.5", "0").
func FormatX6(v int64) string {
	return decimal.New(v, -6).String()
}

// Bucket quantizes a ×10⁶ price into its book bucket:
// ⌊price_x6 / tick_x6⌋ with truncation toward zero.
func Bucket(priceX6, tickX6 int64) (int64, error) {
	if tickX6 <= 0 {
		return 0, ErrBadTick
	}
	return priceX6 / tickX6, nil
}

// Notional computes ⌊entry_x6 · lots · lot_num / lot_den⌋ in USD ×10⁶.
// The product is taken in big integers; division truncates toward zero.
func Notional(entryX6 int64, lots int32, lotNum, lotDen int64) (int64, error) {
	if lotDen == 0 {
		return 0, fmt.Errorf("lot_den must be non-zero")
	}
	n := new(big.Int).SetInt64(entryX6)
	n.Mul(n, big.NewInt(int64(lots)))
	n.Mul(n, big.NewInt(lotNum))
	n.Quo(n, big.NewInt(lotDen))
	if !n.IsInt64() {
		return 0, fmt.Errorf("notional overflows int64")
	}
	return n.Int64(), nil
}

// Margin computes ⌊notional_usd6 / leverage_x⌋.
func Margin(notionalUsd6 int64, leverageX int32) (int64, error) {
	if leverageX <= 0 {
		return 0, fmt.Errorf("leverage_x must be positive")
	}
	return notionalUsd6 / int64(leverageX), nil
}
