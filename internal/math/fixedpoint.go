// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// SystemPrecision is the number of fractional digits used by every internal
// amount. One system unit is 0.001 of an asset.
const SystemPrecision = 3

// DustFloor is the smallest system-precision amount that is acted upon.
// Harvests and transfer legs below it are treated as zero.
const DustFloor uint64 = 1

var (
	ErrOverflow       = errors.New("result exceeds 64 bits")
	ErrDivisionByZero = errors.New("division by zero")
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDiv computes floor(a * b / c) with a 128-bit intermediate. All ledger
// math rounds down.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}

	numerator := getInt128()
	factor := getInt128()
	defer putInt128(numerator)
	defer putInt128(factor)

	numerator.SetUint64(a)
	factor.SetUint64(b)
	numerator.Mul(numerator, factor)

	return divide(numerator, new(big.Int).SetUint64(c))
}

// divide performs floor(numerator / denominator) and narrows to uint64.
func divide(numerator, denominator *big.Int) (uint64, error) {
	quotient := getInt128()
	defer putInt128(quotient)

	quotient.Quo(numerator, denominator)

	if !quotient.IsUint64() {
		return 0, ErrOverflow
	}
	return quotient.Uint64(), nil
}

// SharesForAmount prices a deposit of amount against a sub-ledger holding
// backing value for supply shares: floor(amount * supply / backing).
// An empty sub-ledger (or one with nothing backing it) mints 1:1.
func SharesForAmount(amount, supply, backing uint64) (uint64, error) {
	if supply == 0 || backing == 0 {
		return amount, nil
	}
	return MulDiv(amount, supply, backing)
}

// AmountForShares values shares against the sub-ledger:
// floor(shares * backing / supply). Returns 0 for an empty sub-ledger.
func AmountForShares(shares, backing, supply uint64) (uint64, error) {
	if supply == 0 || backing == 0 {
		return 0, nil
	}
	return MulDiv(shares, backing, supply)
}
