// internal/math/format.go
package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrTooManyDecimals = errors.New("amount has more fractional digits than the asset supports")

// FormatNative renders a native integer amount as a decimal string.
func FormatNative(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseNative parses a human decimal string ("12.5") into a native integer
// amount for an asset with the given decimals.
func ParseNative(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrNegativeAmount)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrTooManyDecimals)
	}
	return scaled.BigInt(), nil
}

// FormatSystem renders a system-precision amount, e.g. 1500 -> "1.500".
func FormatSystem(units uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -SystemPrecision).StringFixed(SystemPrecision)
}

// ParseSystem parses a decimal string into system-precision units.
func ParseSystem(s string) (uint64, error) {
	native, err := ParseNative(s, SystemPrecision)
	if err != nil {
		return 0, err
	}
	if !native.IsUint64() {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrOverflow)
	}
	return native.Uint64(), nil
}
