// Package exchange defines the contract shared by the simulated and the real exchanges,
// and the resilient wrapper that real connectors run behind.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// DefaultTimeframe candle interval used when a query does not set one.
const DefaultTimeframe = "1m"

// KlinesQuery selects a window of candles. Zero From means "the most recent candles";
// non-positive Limit means "no limit" where the exchange allows it.
type KlinesQuery struct {
	From      time.Time
	Timeframe string
	Limit     int
}

// TimeframeOrDefault returns the query timeframe or DefaultTimeframe.
func (q KlinesQuery) TimeframeOrDefault() string {
	if q.Timeframe == "" {
		return DefaultTimeframe
	}
	return q.Timeframe
}

// Exchange is the operation set strategies and the harness rely on.
type Exchange interface {
	Name() string
	LoadMarkets(ctx context.Context) error
	FetchTicker(ctx context.Context) (domain.Ticker, error)
	GetKlines(ctx context.Context, q KlinesQuery) ([]domain.Candle, error)
	FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error)
	FetchPortfolio(ctx context.Context) (domain.Portfolio, error)
	CreateLimitOrder(ctx context.Context, side domain.Side, amount, price decimal.Decimal) (domain.Order, error)
	CreateMarketOrder(ctx context.Context, side domain.Side, amount decimal.Decimal) (domain.Order, error)
	CancelOrder(ctx context.Context, id string) (domain.Order, error)
	FetchOrder(ctx context.Context, id string) (domain.Order, error)
	GetMarketLimits() domain.MarketLimits
	// OnNewCandle registers cb for every new closed candle. The returned func unsubscribes.
	OnNewCandle(cb func(domain.Candle)) (func(), error)
}

// OrderRequest order as handed to a connector, after validation.
type OrderRequest struct {
	// ClientID idempotency key generated once per logical order.
	ClientID string
	Side     domain.Side
	Type     domain.OrderType
	Amount   decimal.Decimal
	// Price zero for market orders.
	Price decimal.Decimal
}

// Connector is the thin per-exchange adapter. Implementations translate library errors
// into *TransportError so the retry policy can tell transient failures apart.
type Connector interface {
	Name() string
	LoadMarkets(ctx context.Context) (domain.MarketLimits, error)
	FetchTicker(ctx context.Context) (domain.Ticker, error)
	GetKlines(ctx context.Context, q KlinesQuery) ([]domain.Candle, error)
	FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error)
	FetchPortfolio(ctx context.Context) (domain.Portfolio, error)
	CreateOrder(ctx context.Context, req OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, id string) (domain.Order, error)
	FetchOrder(ctx context.Context, id string) (domain.Order, error)
	SubscribeCandles(cb func(domain.Candle)) (func(), error)
}
