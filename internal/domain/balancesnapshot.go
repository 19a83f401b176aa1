package domain

import "time"

// BalanceSnapshot portfolio state for a trading pair at a point in time.
// Amounts are strings to avoid float precision issues in web/UI consumers.
type BalanceSnapshot struct {
	Timestamp     time.Time `json:"ts"`
	Pair          string    `json:"pair"`
	AssetFree     string    `json:"asset_free"`
	AssetUsed     string    `json:"asset_used"`
	AssetTotal    string    `json:"asset_total"`
	CurrencyFree  string    `json:"currency_free"`
	CurrencyUsed  string    `json:"currency_used"`
	CurrencyTotal string    `json:"currency_total"`
	Price         string    `json:"price,omitempty"`
	Equity        string    `json:"equity,omitempty"`
}

// NewBalanceSnapshot creates a snapshot of p valued at the ticker bid.
func NewBalanceSnapshot(timestamp time.Time, pair Pair, p Portfolio, ticker Ticker) BalanceSnapshot {
	s := BalanceSnapshot{
		Timestamp:     timestamp,
		Pair:          pair.String(),
		AssetFree:     p.Asset.Free.String(),
		AssetUsed:     p.Asset.Used.String(),
		AssetTotal:    p.Asset.Total.String(),
		CurrencyFree:  p.Currency.Free.String(),
		CurrencyUsed:  p.Currency.Used.String(),
		CurrencyTotal: p.Currency.Total.String(),
	}
	if ticker.Bid.IsPositive() {
		s.Price = ticker.Bid.String()
		s.Equity = p.Equity(ticker.Bid).String()
	}
	return s
}

// BalanceSnapshotRecord snapshot with its storage index.
type BalanceSnapshotRecord struct {
	Index    uint64          `json:"index"`
	Snapshot BalanceSnapshot `json:"snapshot"`
}
