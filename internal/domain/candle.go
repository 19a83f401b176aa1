package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandleDuration the span covered by one candle.
const CandleDuration = time.Minute

// Candle one minute of OHLCV data.
type Candle struct {
	// Start opening time of the minute.
	Start time.Time
	// Open is the opening price.
	Open decimal.Decimal
	// High is the highest traded price.
	High decimal.Decimal
	// Low is the lowest traded price.
	Low decimal.Decimal
	// Close is the closing price.
	Close decimal.Decimal
	// Volume traded base volume.
	Volume decimal.Decimal
}

// CloseTime returns the implied close time of the candle.
func (c Candle) CloseTime() time.Time {
	return c.Start.Add(CandleDuration)
}
