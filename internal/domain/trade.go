package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fee commission applied to a trade.
type Fee struct {
	// Rate fee rate in percent.
	Rate decimal.Decimal
}

// Trade executed fill.
type Trade struct {
	ID        string
	OrderID   string
	Side      Side
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	Fee       Fee
}
