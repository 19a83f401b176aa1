package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValid checks if the Side value is valid.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCanceled
}

// Order exchange order as seen by its owner.
type Order struct {
	// ID exchange-assigned identifier.
	ID string
	// Side buy or sell.
	Side Side
	// Type limit or market.
	Type OrderType
	// Price limit price, or execution price for market orders.
	Price decimal.Decimal
	// Amount requested quantity of the base currency.
	Amount decimal.Decimal
	// Filled executed quantity.
	Filled decimal.Decimal
	// Remaining quantity still resting on the book.
	Remaining decimal.Decimal
	// Status lifecycle state.
	Status OrderStatus
	// Timestamp creation time, or fill time once closed.
	Timestamp time.Time
}

// Cost returns price * amount.
func (o Order) Cost() decimal.Decimal {
	return o.Price.Mul(o.Amount)
}
