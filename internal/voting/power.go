// Package voting computes governance voting power from stake and earned
// reward tokens.
package voting

import (
	"fmt"
	"sort"

	"openwork/internal/domain"
	"openwork/internal/ledger"
)

// DefaultDurations maps stake durations to multipliers in tenths.
var DefaultDurations = map[string]int64{
	"1w": 10,
	"1m": 15,
	"3m": 20,
	"6m": 30,
	"1y": 50,
}

// Multiplier looks up the multiplier for a stake duration.
func Multiplier(durations map[string]int64, duration string) (int64, error) {
	m, ok := durations[duration]
	if !ok {
		known := make([]string, 0, len(durations))
		for k := range durations {
			known = append(known, k)
		}
		sort.Strings(known)
		return 0, fmt.Errorf("%w: unknown stake duration %q (want one of %v)", domain.ErrInvalidInput, duration, known)
	}
	return m, nil
}

// Power is stake × multiplier + earned, in token micro-units.
func Power(stake, multiplierTenths, earned int64) (int64, error) {
	weighted, err := ledger.MulDiv(stake, multiplierTenths, 10, ledger.RoundDown)
	if err != nil {
		return 0, err
	}
	return ledger.Sum(weighted, earned)
}

// StakePower is the weighted power of a stake position on its own.
func StakePower(s domain.StakePosition) (int64, error) {
	if s.Amount <= 0 {
		return 0, nil
	}
	return Power(s.Amount, s.Multiplier, 0)
}
