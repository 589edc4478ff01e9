package math_test

import (
	"math/big"
	"math/rand/v2"
	"testing"

	fpmath "PortfolioLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test: MulDiv
// =============================================================================

func TestMulDivFloors(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c uint64
		want    uint64
	}{
		{"exact", 10, 10, 20, 5},
		{"floor", 5, 10, 20, 2},
		{"above half", 7, 10, 20, 3},
		{"below one", 1, 1, 2, 0},
		{"wide intermediate", 1 << 63, 4, 8, 1 << 62},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMulDivErrors(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)

	_, err = fpmath.MulDiv(1<<63, 4, 1)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

// =============================================================================
// Test: Share pricing
// =============================================================================

func TestSharesForAmount(t *testing.T) {
	// Empty sub-ledger mints 1:1.
	shares, err := fpmath.SharesForAmount(1000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), shares)

	// Backing doubled by a harvest: half as many shares.
	shares, err = fpmath.SharesForAmount(1000, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), shares)

	// Floors rather than rounds.
	shares, err = fpmath.SharesForAmount(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), shares)
}

func TestAmountForShares(t *testing.T) {
	amount, err := fpmath.AmountForShares(500, 2000, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), amount)

	amount, err = fpmath.AmountForShares(500, 0, 1000)
	require.NoError(t, err)
	assert.Zero(t, amount)

	amount, err = fpmath.AmountForShares(1, 2, 3)
	require.NoError(t, err)
	assert.Zero(t, amount)
}

// =============================================================================
// Test: ProportionalSplit
// =============================================================================

func TestProportionalSplitEven(t *testing.T) {
	split, err := fpmath.ProportionalSplit(5000, [4]uint64{10000, 10000, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, [4]uint64{2500, 2500, 0, 0}, split.Parts)
	assert.Zero(t, split.Residual)
}

func TestProportionalSplitNeverExceedsAmount(t *testing.T) {
	weights := [4]uint64{500, 1500, 3000, 4000}

	for a := uint64(0); a <= 9000; a++ {
		split, err := fpmath.ProportionalSplit(a, weights)
		require.NoError(t, err)

		for i, w := range weights {
			want := a * w / 9000
			assert.Equal(t, want, split.Parts[i], "A=%d lane=%d", a, i)
		}
		assert.LessOrEqual(t, split.Sum(), a)
		assert.Equal(t, a, split.Sum()+split.Residual)
	}
}

func TestProportionalSplitLargeWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 500; n++ {
		weights := [4]uint64{rng.Uint64(), rng.Uint64(), rng.Uint64(), rng.Uint64()}
		amount := rng.Uint64N(weights[0]/2 + 1)

		split, err := fpmath.ProportionalSplit(amount, weights)
		require.NoError(t, err)
		assert.LessOrEqual(t, split.Sum(), amount)
		for i := range weights {
			assert.LessOrEqual(t, split.Parts[i], weights[i])
		}
	}
}

func TestProportionalSplitZeroWeights(t *testing.T) {
	split, err := fpmath.ProportionalSplit(10, [4]uint64{})
	require.NoError(t, err)
	assert.Equal(t, [4]uint64{}, split.Parts)
	assert.Equal(t, uint64(10), split.Residual)
}

// =============================================================================
// Test: Precision conversion
// =============================================================================

func TestDecimalConfig(t *testing.T) {
	_, err := fpmath.NewDecimalConfig(2)
	assert.ErrorIs(t, err, fpmath.ErrPrecisionTooLow)

	cfg, err := fpmath.NewDecimalConfig(6)
	require.NoError(t, err)

	// 10.0005 with 6 decimals floors to 10.000
	units, err := cfg.ToSystem(big.NewInt(10_000_500))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), units)

	assertBig(t, 2_500_000, cfg.ToNative(2_500))
	assertBig(t, 10_000_000, cfg.Truncate(big.NewInt(10_000_500)))

	_, err = cfg.ToSystem(big.NewInt(-1))
	assert.ErrorIs(t, err, fpmath.ErrNegativeAmount)

	identity, err := fpmath.NewDecimalConfig(3)
	require.NoError(t, err)
	units, err = identity.ToSystem(big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), units)
}

func TestDecimalConfigEighteen(t *testing.T) {
	cfg, err := fpmath.NewDecimalConfig(18)
	require.NoError(t, err)

	native, ok := new(big.Int).SetString("1000000000000000000000", 10) // 1000 tokens
	require.True(t, ok)

	units, err := cfg.ToSystem(native)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), units)
	assert.Equal(t, 0, cfg.ToNative(units).Cmp(native))
}

// =============================================================================
// Test: Decimal formatting
// =============================================================================

func TestParseFormatNative(t *testing.T) {
	amount, err := fpmath.ParseNative("12.5", 6)
	require.NoError(t, err)
	assertBig(t, 12_500_000, amount)
	assert.Equal(t, "12.5", fpmath.FormatNative(amount, 6))

	_, err = fpmath.ParseNative("0.0000001", 6)
	assert.ErrorIs(t, err, fpmath.ErrTooManyDecimals)

	_, err = fpmath.ParseNative("-1", 6)
	assert.ErrorIs(t, err, fpmath.ErrNegativeAmount)

	_, err = fpmath.ParseNative("abc", 6)
	assert.Error(t, err)
}

func TestParseFormatSystem(t *testing.T) {
	units, err := fpmath.ParseSystem("1749.739")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_749_739), units)
	assert.Equal(t, "1749.739", fpmath.FormatSystem(units))
	assert.Equal(t, "1.500", fpmath.FormatSystem(1500))
}

func assertBig(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	assert.Zero(t, big.NewInt(want).Cmp(got), "got %s, want %d", got, want)
}
