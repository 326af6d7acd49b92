package models

import (
	"math"
	"strings"
)

// zeroDecimal lists the currencies priced without a minor unit. Every other
// currency the pipeline sells in has two decimals.
var zeroDecimal = map[string]bool{
	"IDR": true,
	"JPY": true,
	"KRW": true,
	"VND": true,
}

// CurrencyExponent returns the number of decimals in one major unit.
func CurrencyExponent(currency string) int {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMajorUnits converts a stored amount to the decimal figure providers
// such as Xendit expect.
func ToMajorUnits(amount int64, currency string) float64 {
	return float64(amount) / math.Pow10(CurrencyExponent(currency))
}

// ToMinorUnits converts a provider's decimal amount back to the stored
// integer form.
func ToMinorUnits(amount float64, currency string) int64 {
	return int64(math.Round(amount * math.Pow10(CurrencyExponent(currency))))
}
