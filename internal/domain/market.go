package domain

import "github.com/shopspring/decimal"

// Range optional lower and upper bound.
type Range struct {
	Min decimal.NullDecimal
	Max decimal.NullDecimal
}

// Bound wraps d as a set bound.
func Bound(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// Between builds a range with both bounds set.
func Between(min, max decimal.Decimal) Range {
	return Range{Min: Bound(min), Max: Bound(max)}
}

// AtLeast builds a range with only a lower bound.
func AtLeast(min decimal.Decimal) Range {
	return Range{Min: Bound(min)}
}

// IsUnset reports whether neither bound is set.
func (r Range) IsUnset() bool {
	return !r.Min.Valid && !r.Max.Valid
}

// Precision number of decimal places accepted by the exchange.
type Precision struct {
	Price  int32
	Amount int32
}

// Fees maker and taker rates as fractions (0.001 = 0.1%).
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// MarketLimits trading rules of a market.
type MarketLimits struct {
	Price     Range
	Amount    Range
	Cost      Range
	Precision Precision
	Fee       Fees
}

// Ticker best bid and ask.
type Ticker struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}
