package domain

import "github.com/shopspring/decimal"

// BalanceDetail balance of a single currency.
type BalanceDetail struct {
	// Free spendable amount.
	Free decimal.Decimal
	// Used amount reserved by open orders.
	Used decimal.Decimal
	// Total free plus used.
	Total decimal.Decimal
}

// NewBalanceDetail creates a fully free balance.
func NewBalanceDetail(free decimal.Decimal) BalanceDetail {
	return BalanceDetail{Free: free, Used: decimal.Zero, Total: free}
}

// Consistent reports whether Total == Free + Used and neither part is negative.
func (b BalanceDetail) Consistent() bool {
	return b.Total.Equal(b.Free.Add(b.Used)) && !b.Free.IsNegative() && !b.Used.IsNegative()
}

// Portfolio balances of the two sides of a pair.
type Portfolio struct {
	// Asset base currency balance.
	Asset BalanceDetail
	// Currency quote currency balance.
	Currency BalanceDetail
}

// Consistent reports whether both balances are consistent.
func (p Portfolio) Consistent() bool {
	return p.Asset.Consistent() && p.Currency.Consistent()
}

// Equity values the portfolio in the quote currency at price.
func (p Portfolio) Equity(price decimal.Decimal) decimal.Decimal {
	return p.Currency.Total.Add(p.Asset.Total.Mul(price))
}
