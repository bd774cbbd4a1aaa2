// Package ledger holds the integer money arithmetic shared by escrow,
// disputes and rewards. Amounts are int64 micro-units (6 decimals).
package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of micro-units in one whole unit.
const Scale int64 = 1_000_000

var (
	ErrOverflow      = errors.New("amount overflow")
	ErrDivideByZero  = errors.New("divide by zero")
	ErrNegativeInput = errors.New("negative amount")
)

type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// MulDiv computes a*b/c exactly with the requested rounding of the final
// division.
func MulDiv(a, b, c int64, rounding Rounding) (int64, error) {
	if c == 0 {
		return 0, ErrDivideByZero
	}
	num := decimal.NewFromInt(a).Mul(decimal.NewFromInt(b))
	den := decimal.NewFromInt(c)
	// QuoRem truncates toward zero.
	q, r := num.QuoRem(den, 0)
	if !r.IsZero() && rounding == RoundUp && num.Sign()*den.Sign() > 0 {
		q = q.Add(decimal.NewFromInt(1))
	}
	if q.GreaterThan(maxInt64) || q.LessThan(minInt64) {
		return 0, fmt.Errorf("%w: %d*%d/%d", ErrOverflow, a, b, c)
	}
	return q.IntPart(), nil
}

// CommissionPolicy is the platform fee on released payments.
type CommissionPolicy struct {
	RateBps    int64
	MinimumFee int64
}

// Commission returns max(ceil(amount*rate), minimum), never more than amount.
func Commission(amount int64, p CommissionPolicy) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeInput
	}
	fee, err := MulDiv(amount, p.RateBps, 10_000, RoundUp)
	if err != nil {
		return 0, err
	}
	if fee < p.MinimumFee {
		fee = p.MinimumFee
	}
	if fee > amount {
		fee = amount
	}
	return fee, nil
}

// Net splits amount into the part paid out and the commission retained.
func Net(amount int64, p CommissionPolicy) (net, commission int64, err error) {
	commission, err = Commission(amount, p)
	if err != nil {
		return 0, 0, err
	}
	return amount - commission, commission, nil
}

// Split distributes total proportionally to weights, flooring each share.
// The remainder goes to the largest weight (earliest index on ties), so the
// shares always sum to total. A zero weight sum yields all-zero shares.
func Split(total int64, weights []int64) ([]int64, error) {
	shares := make([]int64, len(weights))
	if total < 0 {
		return nil, ErrNegativeInput
	}
	var sum int64
	largest := -1
	for i, w := range weights {
		if w < 0 {
			return nil, ErrNegativeInput
		}
		if sum > math.MaxInt64-w {
			return nil, ErrOverflow
		}
		sum += w
		if largest < 0 || w > weights[largest] {
			largest = i
		}
	}
	if sum == 0 {
		return shares, nil
	}
	var given int64
	for i, w := range weights {
		s, err := MulDiv(total, w, sum, RoundDown)
		if err != nil {
			return nil, err
		}
		shares[i] = s
		given += s
	}
	shares[largest] += total - given
	return shares, nil
}

// Sum adds amounts, failing on overflow.
func Sum(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		if (a > 0 && total > math.MaxInt64-a) || (a < 0 && total < math.MinInt64-a) {
			return 0, ErrOverflow
		}
		total += a
	}
	return total, nil
}
