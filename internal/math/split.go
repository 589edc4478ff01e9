// internal/math/split.go
package math

import (
	"math/big"

	"PortfolioLedger/internal/lane"
)

// Split is the result of dividing an amount across the four lanes.
type Split struct {
	Parts    [lane.Count]uint64
	Residual uint64 // amount - sum(Parts); never negative
}

// Sum returns the total of all parts.
func (s Split) Sum() uint64 {
	var total uint64
	for _, p := range s.Parts {
		total += p
	}
	return total
}

// ProportionalSplit divides amount across lanes in proportion to weights:
// part[i] = floor(amount * weights[i] / sum(weights)). Each lane is floored
// independently, so the parts may sum to slightly less than amount; the
// shortfall is reported as Residual and is not redistributed.
//
// amount must not exceed sum(weights); callers check balances first.
func ProportionalSplit(amount uint64, weights [lane.Count]uint64) (Split, error) {
	var split Split

	total := lane.FromLanes(weights).Total().ToBig()
	if total.Sign() == 0 || amount == 0 {
		split.Residual = amount
		return split, nil
	}

	numerator := getInt128()
	defer putInt128(numerator)

	for i, w := range weights {
		if w == 0 {
			continue
		}
		numerator.SetUint64(amount)
		numerator.Mul(numerator, new(big.Int).SetUint64(w))

		part, err := divide(numerator, total)
		if err != nil {
			return Split{}, err
		}
		split.Parts[i] = part
	}

	split.Residual = amount - split.Sum()
	return split, nil
}
