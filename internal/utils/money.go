package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMinor renders minor units as a major-unit amount, e.g. 4750 -> "GHS 47.50".
func FormatMinor(amount int64, currency string) string {
	s := decimal.New(amount, -2).StringFixed(2)
	if currency == "" {
		return s
	}
	return strings.ToUpper(currency) + " " + s
}

// ToMajor converts minor units to a decimal major-unit value for JSON output.
func ToMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
