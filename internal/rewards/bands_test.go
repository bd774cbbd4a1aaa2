package rewards_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/domain"
	"openwork/internal/rewards"
)

const ow = 1_000_000

func testBands() []rewards.Band {
	return []rewards.Band{
		{UpTo: 100_000_000, Rate: 300 * ow},
		{UpTo: 200_000_000, Rate: 300 * ow},
		{UpTo: 0, Rate: 150 * ow},
	}
}

func TestAllocateSingleBand(t *testing.T) {
	portions, state, err := rewards.Allocate(domain.RewardState{}, 10_000_000, testBands())
	require.NoError(t, err)
	require.Len(t, portions, 1)
	assert.Equal(t, int64(3000*ow), portions[0].Tokens)
	assert.Equal(t, 0, state.CurrentBand)
	assert.Equal(t, int64(10_000_000), state.CumulativeVolume)
}

func TestAllocateCrossesBoundary(t *testing.T) {
	start := domain.RewardState{CumulativeVolume: 190_000_000, CurrentBand: 1}
	portions, state, err := rewards.Allocate(start, 20_000_000, testBands())
	require.NoError(t, err)
	require.Len(t, portions, 2)
	assert.Equal(t, rewards.Portion{Band: 1, Amount: 10_000_000, Rate: 300 * ow, Tokens: 3000 * ow}, portions[0])
	assert.Equal(t, rewards.Portion{Band: 2, Amount: 10_000_000, Rate: 150 * ow, Tokens: 1500 * ow}, portions[1])
	assert.Equal(t, 2, state.CurrentBand)
	assert.Equal(t, int64(210_000_000), state.CumulativeVolume)
}

func TestAllocateLandsExactlyOnBoundary(t *testing.T) {
	_, state, err := rewards.Allocate(domain.RewardState{}, 100_000_000, testBands())
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentBand)
}

func TestAllocateNeverRegresses(t *testing.T) {
	bands := testBands()
	state := domain.RewardState{CumulativeVolume: 5, CurrentBand: 2}
	portions, next, err := rewards.Allocate(state, 1_000_000, bands)
	require.NoError(t, err)
	assert.Equal(t, 2, portions[0].Band)
	assert.Equal(t, 2, next.CurrentBand)
}

func TestSplitAward(t *testing.T) {
	policy := rewards.SplitPolicy{ReferrerBps: 1000}

	awards, err := rewards.SplitAward(1000, "giver", "", "", policy)
	require.NoError(t, err)
	assert.Equal(t, []rewards.Award{{UserID: "giver", Tokens: 1000}}, awards)

	awards, err = rewards.SplitAward(1000, "giver", "gref", "", policy)
	require.NoError(t, err)
	assert.Equal(t, []rewards.Award{{UserID: "giver", Tokens: 900}, {UserID: "gref", Tokens: 100}}, awards)

	awards, err = rewards.SplitAward(1005, "giver", "gref", "tref", policy)
	require.NoError(t, err)
	assert.Equal(t, []rewards.Award{
		{UserID: "giver", Tokens: 805},
		{UserID: "gref", Tokens: 100},
		{UserID: "tref", Tokens: 100},
	}, awards)
}

func TestUnlockedByGovernanceActions(t *testing.T) {
	bands := testBands()
	earnings := []domain.BandEarning{{Band: 0, Earned: 3000 * ow}}
	for actions := int64(0); actions <= 10; actions++ {
		assert.Equal(t, actions*300*ow, rewards.Unlocked(earnings, bands, actions))
	}
	assert.Equal(t, int64(3000*ow), rewards.Unlocked(earnings, bands, 25))
}

func TestUnlockedSpillsIntoLaterBands(t *testing.T) {
	bands := testBands()
	earnings := []domain.BandEarning{
		{Band: 0, Earned: 450 * ow},
		{Band: 2, Earned: 300 * ow},
	}
	// two actions clear band 0, the third unlocks one band 2 rate.
	assert.Equal(t, int64(450*ow), rewards.Unlocked(earnings, bands, 2))
	assert.Equal(t, int64(600*ow), rewards.Unlocked(earnings, bands, 3))
	assert.Equal(t, int64(750*ow), rewards.Unlocked(earnings, bands, 4))
}

func TestValidateBands(t *testing.T) {
	assert.NoError(t, rewards.Validate(testBands()))
	assert.ErrorIs(t, rewards.Validate(nil), rewards.ErrNoBands)
	assert.Error(t, rewards.Validate([]rewards.Band{{UpTo: 0, Rate: 1}, {UpTo: 10, Rate: 1}}))
	assert.Error(t, rewards.Validate([]rewards.Band{{UpTo: 10, Rate: 1}, {UpTo: 5, Rate: 1}}))
}
