// Package rewards implements the progressive reward band arithmetic: how a
// settled payment is allocated across bands, how tokens are split between the
// giver and referrers, and how governance actions unlock earned tokens.
package rewards

import (
	"errors"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/ledger"
)

var ErrNoBands = errors.New("no reward bands configured")

// Band covers cumulative settled volume up to UpTo (exclusive). UpTo zero
// marks the unbounded final band. Rate is token micro-units per whole
// settlement unit.
type Band struct {
	UpTo int64
	Rate int64
}

// Portion is the part of one payment that fell inside a single band.
type Portion struct {
	Band   int   `json:"band"`
	Amount int64 `json:"amount"`
	Rate   int64 `json:"rate"`
	Tokens int64 `json:"tokens"`
}

// Validate checks that bounds strictly increase and only the last band is
// unbounded.
func Validate(bands []Band) error {
	if len(bands) == 0 {
		return ErrNoBands
	}
	var prev int64
	for i, b := range bands {
		if b.Rate < 0 {
			return fmt.Errorf("band %d: negative rate", i+1)
		}
		last := i == len(bands)-1
		if b.UpTo == 0 {
			if !last {
				return fmt.Errorf("band %d: only the last band may be unbounded", i+1)
			}
			continue
		}
		if b.UpTo <= prev {
			return fmt.Errorf("band %d: bound %d must exceed %d", i+1, b.UpTo, prev)
		}
		prev = b.UpTo
	}
	return nil
}

func advance(state domain.RewardState, bands []Band) int {
	band := state.CurrentBand
	for band < len(bands)-1 && bands[band].UpTo != 0 && state.CumulativeVolume >= bands[band].UpTo {
		band++
	}
	return band
}

// Allocate splits amount across band boundaries starting at the current band
// and returns the portions together with the advanced state. The band index
// never moves backwards.
func Allocate(state domain.RewardState, amount int64, bands []Band) ([]Portion, domain.RewardState, error) {
	if len(bands) == 0 {
		return nil, state, ErrNoBands
	}
	if amount < 0 {
		return nil, state, ledger.ErrNegativeInput
	}
	if state.CurrentBand >= len(bands) {
		state.CurrentBand = len(bands) - 1
	}
	var portions []Portion
	remaining := amount
	for remaining > 0 {
		state.CurrentBand = advance(state, bands)
		b := bands[state.CurrentBand]
		take := remaining
		if b.UpTo != 0 && state.CurrentBand < len(bands)-1 {
			if room := b.UpTo - state.CumulativeVolume; take > room {
				take = room
			}
		}
		tokens, err := ledger.MulDiv(take, b.Rate, ledger.Scale, ledger.RoundDown)
		if err != nil {
			return nil, state, err
		}
		portions = append(portions, Portion{Band: state.CurrentBand, Amount: take, Rate: b.Rate, Tokens: tokens})
		state.CumulativeVolume += take
		remaining -= take
	}
	state.CurrentBand = advance(state, bands)
	return portions, state, nil
}

// SplitPolicy is the referrer share in basis points of each award.
type SplitPolicy struct {
	ReferrerBps int64
}

type Award struct {
	UserID string `json:"user_id"`
	Tokens int64  `json:"tokens"`
}

// SplitAward divides tokens between the giver and up to two referrers. Each
// referrer gets ReferrerBps rounded down; the giver keeps the rest including
// rounding dust. Zero awards are omitted.
func SplitAward(tokens int64, giver, giverReferrer, takerReferrer string, p SplitPolicy) ([]Award, error) {
	var awards []Award
	rest := tokens
	for _, ref := range []string{giverReferrer, takerReferrer} {
		if ref == "" {
			continue
		}
		share, err := ledger.MulDiv(tokens, p.ReferrerBps, 10_000, ledger.RoundDown)
		if err != nil {
			return nil, err
		}
		rest -= share
		if share > 0 {
			awards = append(awards, Award{UserID: ref, Tokens: share})
		}
	}
	if rest > 0 {
		awards = append([]Award{{UserID: giver, Tokens: rest}}, awards...)
	}
	return awards, nil
}

// Unlocked derives how many earned tokens the given number of governance
// actions has unlocked. Actions are consumed band by band from the earliest
// band; each unlocks one band rate worth, capped at that band's earnings.
// earnings must be ordered by band.
func Unlocked(earnings []domain.BandEarning, bands []Band, actions int64) int64 {
	var unlocked int64
	remaining := actions
	for _, e := range earnings {
		if remaining <= 0 {
			break
		}
		if e.Earned <= 0 {
			continue
		}
		var rate int64
		if e.Band >= 0 && e.Band < len(bands) {
			rate = bands[e.Band].Rate
		}
		if rate <= 0 {
			unlocked += e.Earned
			continue
		}
		need := (e.Earned + rate - 1) / rate
		if remaining >= need {
			unlocked += e.Earned
			remaining -= need
			continue
		}
		unlocked += remaining * rate
		remaining = 0
	}
	return unlocked
}

// TotalEarned sums earnings across bands.
func TotalEarned(earnings []domain.BandEarning) int64 {
	var total int64
	for _, e := range earnings {
		total += e.Earned
	}
	return total
}
