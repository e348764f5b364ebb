package models

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DecimalFromString parses value, returning zero for malformed input
func DecimalFromString(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Percent returns amount × pct/100
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// RelativeDiff returns |a-b|/b, or one when b is zero
func RelativeDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.NewFromInt(1)
	}
	return a.Sub(b).Abs().Div(b.Abs())
}
