package voting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/domain"
	"openwork/internal/voting"
)

func TestPowerUsesDurationMultiplier(t *testing.T) {
	m, err := voting.Multiplier(voting.DefaultDurations, "6m")
	require.NoError(t, err)
	// 500 OW staked for six months is worth 1500.
	p, err := voting.Power(500_000_000, m, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), p)

	p, err = voting.Power(100_000_000, 15, 40_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(190_000_000), p)
}

func TestUnknownDuration(t *testing.T) {
	_, err := voting.Multiplier(voting.DefaultDurations, "2y")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStakePower(t *testing.T) {
	p, err := voting.StakePower(domain.StakePosition{Amount: 10, Multiplier: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(50), p)

	p, err = voting.StakePower(domain.StakePosition{})
	require.NoError(t, err)
	assert.Zero(t, p)
}
