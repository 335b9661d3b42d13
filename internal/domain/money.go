package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how amounts are rounded to a currency's minor unit.
type RoundingMode string

const (
	RoundHalfEven RoundingMode = "half_even"
	RoundHalfUp   RoundingMode = "half_up"
)

func ParseRoundingMode(s string) (RoundingMode, error) {
	switch RoundingMode(strings.ToLower(strings.TrimSpace(s))) {
	case RoundHalfEven, "":
		return RoundHalfEven, nil
	case RoundHalfUp:
		return RoundHalfUp, nil
	default:
		return "", fmt.Errorf("unknown rounding mode %q", s)
	}
}

// Round rounds d to the minor-unit precision of currency.
func (m RoundingMode) Round(d decimal.Decimal, currency string) decimal.Decimal {
	places := MinorUnits(currency)
	if m == RoundHalfUp {
		return d.Round(places)
	}
	return d.RoundBank(places)
}
