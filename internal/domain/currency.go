package domain

import "strings"

// zeroDecimalCurrencies have no minor unit in everyday pricing.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"ISK": true,
}

// MinorUnits returns the number of fraction digits used when rounding amounts
// in the given currency.
func MinorUnits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}
