package ledger_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/ledger"
)

var onePercent = ledger.CommissionPolicy{RateBps: 100, MinimumFee: 1_000_000}

func TestMulDivRounding(t *testing.T) {
	down, err := ledger.MulDiv(10, 1, 3, ledger.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(3), down)

	up, err := ledger.MulDiv(10, 1, 3, ledger.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(4), up)

	exact, err := ledger.MulDiv(9, 1, 3, ledger.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(3), exact)
}

func TestMulDivWideIntermediate(t *testing.T) {
	// a*b overflows int64 but the quotient fits.
	v, err := ledger.MulDiv(math.MaxInt64, 1_000_000, 2_000_000, ledger.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64/2), v)

	_, err = ledger.MulDiv(math.MaxInt64, 2, 1, ledger.RoundDown)
	assert.ErrorIs(t, err, ledger.ErrOverflow)

	_, err = ledger.MulDiv(1, 1, 0, ledger.RoundDown)
	assert.ErrorIs(t, err, ledger.ErrDivideByZero)
}

func TestCommissionMinimumAndRate(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		want   int64
	}{
		{"minimum applies to 100 USDC", 100_000_000, 1_000_000},
		{"rate applies to 500 USDC", 500_000_000, 5_000_000},
		{"rate rounds toward platform", 150_000_001, 1_500_001},
		{"capped at the amount", 400_000, 400_000},
		{"zero amount", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ledger.Commission(tc.amount, onePercent)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNetAddsUp(t *testing.T) {
	for _, amount := range []int64{1, 999_999, 1_000_000, 100_000_000, 123_456_789_012} {
		net, commission, err := ledger.Net(amount, onePercent)
		require.NoError(t, err)
		assert.Equal(t, amount, net+commission, "amount %d", amount)
		assert.GreaterOrEqual(t, net, int64(0))
	}
	net, commission, err := ledger.Net(100_000_000, onePercent)
	require.NoError(t, err)
	assert.Equal(t, int64(99_000_000), net)
	assert.Equal(t, int64(1_000_000), commission)
}

func TestSplitRemainderToLargest(t *testing.T) {
	shares, err := ledger.Split(100, []int64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{34, 33, 33}, shares)

	shares, err = ledger.Split(10, []int64{1, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 4}, shares)

	shares, err = ledger.Split(1_000, []int64{700})
	require.NoError(t, err)
	assert.Equal(t, []int64{1_000}, shares)
}

func TestSplitSumsExactly(t *testing.T) {
	weights := []int64{7, 13, 29, 1, 50}
	for _, total := range []int64{0, 1, 99, 1_000_003, 50_000_000} {
		shares, err := ledger.Split(total, weights)
		require.NoError(t, err)
		sum, err := ledger.Sum(shares...)
		require.NoError(t, err)
		assert.Equal(t, total, sum)
	}
}

func TestSplitZeroWeights(t *testing.T) {
	shares, err := ledger.Split(100, []int64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0}, shares)

	_, err = ledger.Split(100, []int64{-1})
	assert.ErrorIs(t, err, ledger.ErrNegativeInput)
}
