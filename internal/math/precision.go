// internal/math/precision.go
package math

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrPrecisionTooLow = errors.New("token precision too low")
	ErrNegativeAmount  = errors.New("negative amount")
)

// DecimalConfig describes a native asset precision relative to the system
// precision.
type DecimalConfig struct {
	DecimalPrecision uint8    // Native decimals of the asset
	Scale            *big.Int // 10^(DecimalPrecision - SystemPrecision)
}

// SystemConfig is the identity conversion (an asset with 3 decimals).
var SystemConfig = DecimalConfig{DecimalPrecision: SystemPrecision, Scale: big.NewInt(1)}

// NewDecimalConfig builds the conversion for an asset with the given decimals.
func NewDecimalConfig(decimals uint8) (DecimalConfig, error) {
	if decimals < SystemPrecision {
		return DecimalConfig{}, fmt.Errorf("%d decimals: %w", decimals, ErrPrecisionTooLow)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-SystemPrecision)), nil)
	return DecimalConfig{DecimalPrecision: decimals, Scale: scale}, nil
}

// ToSystem converts a native amount to system precision, rounding down.
func (c DecimalConfig) ToSystem(native *big.Int) (uint64, error) {
	if native == nil {
		return 0, nil
	}
	if native.Sign() < 0 {
		return 0, ErrNegativeAmount
	}
	return divide(native, c.Scale)
}

// ToNative converts a system-precision amount to native precision. Exact.
func (c DecimalConfig) ToNative(units uint64) *big.Int {
	native := new(big.Int).SetUint64(units)
	return native.Mul(native, c.Scale)
}

// Truncate drops the part of a native amount that is below one system unit.
func (c DecimalConfig) Truncate(native *big.Int) *big.Int {
	if native == nil {
		return new(big.Int)
	}
	q := new(big.Int).Quo(native, c.Scale)
	return q.Mul(q, c.Scale)
}
