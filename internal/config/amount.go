package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"openwork/internal/ledger"
)

// Amount is a micro-unit quantity written in YAML as a whole-unit decimal
// ("1.5" is 1_500_000).
type Amount int64

var scaleExp = int32(6)

func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	micro := d.Shift(scaleExp)
	if !micro.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, scaleExp)
	}
	if !micro.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q: %w", s, ledger.ErrOverflow)
	}
	return Amount(micro.IntPart()), nil
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseAmount(node.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a Amount) String() string {
	return decimal.New(int64(a), -scaleExp).String()
}
