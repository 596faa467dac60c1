// Package amount converts between fixed-point integer amounts and their
// decimal rendering.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a decimal string cannot be represented.
var ErrInvalidAmount = errors.New("invalid amount")

// Format renders raw / 10^decimals with trailing fractional zeros removed.
// A zero fraction renders as the bare integer: Format(150000000, 8) == "1.5",
// Format(100000000, 8) == "1".
func Format(raw uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals)).String()
}

// FormatWithSymbol renders an amount followed by its ticker, e.g. "100 CBL".
func FormatWithSymbol(raw uint64, decimals uint8, symbol string) string {
	if symbol == "" {
		return Format(raw, decimals)
	}
	return Format(raw, decimals) + " " + symbol
}

// Parse converts a decimal string into raw units. It rejects negative
// values, more fractional digits than decimals, and values above MaxUint64.
func Parse(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}

	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}
	return bi.Uint64(), nil
}
