// Package simulated implements an in-memory matching engine for backtests and paper trading.
//
// All state lives behind one FIFO mutex. Time only moves when a candle is ingested,
// so a replay of the same candles and calls produces the same orders and balances.
package simulated

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/events"
	"github.com/youtix/gekko2-sub000/internal/exchange"
	"github.com/youtix/gekko2-sub000/pkg/mutex"
)

// Name identifies the engine in logs and metrics.
const Name = "simulated"

var (
	// ErrCandleOutOfOrder a candle started before the last ingested one.
	ErrCandleOutOfOrder = errors.New("candle starts before the last ingested candle")
	// ErrUnsupportedTimeframe only one-minute candles are stored.
	ErrUnsupportedTimeframe = errors.New("only 1m candles are available")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Recorder observes engine activity. *metrics.Metrics satisfies it.
type Recorder interface {
	OrderCreated(side domain.Side, typ domain.OrderType)
	OrderFilled(side domain.Side)
	OrderCanceled(side domain.Side)
	OrderRejected(reason string)
	CandleProcessed()
}

type nopRecorder struct{}

func (nopRecorder) OrderCreated(domain.Side, domain.OrderType) {}
func (nopRecorder) OrderFilled(domain.Side)                    {}
func (nopRecorder) OrderCanceled(domain.Side)                  {}
func (nopRecorder) OrderRejected(string)                       {}
func (nopRecorder) CandleProcessed()                           {}

// Config everything the engine needs at construction.
type Config struct {
	Pair       domain.Pair
	MarketData domain.MarketLimits
	Portfolio  domain.Portfolio
	// StartTime backtest start. The clock stays here until the first candle arrives.
	StartTime time.Time
}

// Engine is the simulated exchange.
type Engine struct {
	mu       *mutex.Mutex
	pair     domain.Pair
	market   domain.MarketLimits
	logger   *zap.Logger
	recorder Recorder
	feed     *events.CandleBroadcaster

	orders    map[string]*domain.Order
	orderLog  []string
	openIDs   []string
	candles   []domain.Candle
	portfolio domain.Portfolio
	ticker    domain.Ticker
	hasTicker bool
	clock     time.Time
	sequence  uint64
}

var _ exchange.Exchange = (*Engine)(nil)

// Option configures the engine.
type Option func(*Engine)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithCandleFeed shares a broadcaster for ingested candles.
func WithCandleFeed(b *events.CandleBroadcaster) Option {
	return func(e *Engine) {
		if b != nil {
			e.feed = b
		}
	}
}

// New creates an engine. A zero StartTime is a configuration error.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.StartTime.IsZero() {
		return nil, domain.ErrMissingStartTime
	}
	if !cfg.Portfolio.Consistent() {
		return nil, errors.New("initial portfolio must satisfy total = free + used with no negative part")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		mu:        mutex.New(),
		pair:      cfg.Pair,
		market:    cfg.MarketData,
		logger:    logger.With(zap.String("exchange", Name), zap.String("pair", cfg.Pair.String())),
		recorder:  nopRecorder{},
		feed:      events.NewCandleBroadcaster(),
		orders:    make(map[string]*domain.Order),
		portfolio: cfg.Portfolio,
		clock:     cfg.StartTime,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger.Info("simulated exchange init",
		zap.Time("start", cfg.StartTime),
		zap.String("asset", cfg.Portfolio.Asset.Total.String()),
		zap.String("currency", cfg.Portfolio.Currency.Total.String()),
		zap.String("maker_fee", cfg.MarketData.Fee.Maker.String()),
		zap.String("taker_fee", cfg.MarketData.Fee.Taker.String()))

	return e, nil
}

func (e *Engine) Name() string {
	return Name
}

// LoadMarkets is a no-op: market data is fixed at construction.
func (e *Engine) LoadMarkets(ctx context.Context) error {
	return e.mu.Do(ctx, func() error { return nil })
}

// GetMarketLimits returns the configured market data.
func (e *Engine) GetMarketLimits() domain.MarketLimits {
	return e.market
}

func (e *Engine) FetchTicker(ctx context.Context) (domain.Ticker, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Ticker, error) {
		return e.ticker, nil
	})
}

// Now returns the simulated clock.
func (e *Engine) Now(ctx context.Context) (time.Time, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (time.Time, error) {
		return e.clock, nil
	})
}

// GetKlines returns stored candles. Without From it returns the last Limit candles,
// otherwise up to Limit candles starting at the first one with Start >= From.
func (e *Engine) GetKlines(ctx context.Context, q exchange.KlinesQuery) ([]domain.Candle, error) {
	if q.TimeframeOrDefault() != exchange.DefaultTimeframe {
		return nil, ErrUnsupportedTimeframe
	}
	return mutex.RunExclusive(ctx, e.mu, func() ([]domain.Candle, error) {
		return e.ohlcv(q.From, q.Limit), nil
	})
}

// FetchOHLCV is GetKlines for one-minute candles.
func (e *Engine) FetchOHLCV(ctx context.Context, from time.Time, limit int) ([]domain.Candle, error) {
	return e.GetKlines(ctx, exchange.KlinesQuery{From: from, Limit: limit})
}

func (e *Engine) ohlcv(from time.Time, limit int) []domain.Candle {
	var window []domain.Candle
	if from.IsZero() {
		window = e.candles
		if limit > 0 && len(window) > limit {
			window = window[len(window)-limit:]
		}
	} else {
		i := sort.Search(len(e.candles), func(i int) bool {
			return !e.candles[i].Start.Before(from)
		})
		window = e.candles[i:]
		if limit > 0 && len(window) > limit {
			window = window[:limit]
		}
	}

	out := make([]domain.Candle, len(window))
	copy(out, window)
	return out
}

// FetchMyTrades projects filled orders with Timestamp >= from into trades, in creation order.
func (e *Engine) FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error) {
	return mutex.RunExclusive(ctx, e.mu, func() ([]domain.Trade, error) {
		trades := make([]domain.Trade, 0)
		for _, id := range e.orderLog {
			o := e.orders[id]
			if !from.IsZero() && o.Timestamp.Before(from) {
				continue
			}
			if !o.Filled.IsPositive() {
				continue
			}
			trades = append(trades, e.toTrade(*o))
		}
		return trades, nil
	})
}

func (e *Engine) toTrade(o domain.Order) domain.Trade {
	rate := e.market.Fee.Maker
	if o.Type == domain.OrderTypeMarket {
		rate = e.market.Fee.Taker
	}
	return domain.Trade{
		ID:        o.ID,
		OrderID:   o.ID,
		Side:      o.Side,
		Amount:    o.Filled,
		Price:     o.Price,
		Timestamp: o.Timestamp,
		Fee:       domain.Fee{Rate: rate.Mul(hundred)},
	}
}

func (e *Engine) FetchPortfolio(ctx context.Context) (domain.Portfolio, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Portfolio, error) {
		return e.portfolio, nil
	})
}

// FetchBalance is FetchPortfolio.
func (e *Engine) FetchBalance(ctx context.Context) (domain.Portfolio, error) {
	return e.FetchPortfolio(ctx)
}

// FetchOpenOrders returns resting orders in creation order.
func (e *Engine) FetchOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return mutex.RunExclusive(ctx, e.mu, func() ([]domain.Order, error) {
		out := make([]domain.Order, 0, len(e.openIDs))
		for _, id := range e.openIDs {
			out = append(out, *e.orders[id])
		}
		return out, nil
	})
}

func (e *Engine) FetchOrder(ctx context.Context, id string) (domain.Order, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Order, error) {
		o, ok := e.orders[id]
		if !ok {
			return domain.Order{}, &domain.OrderNotFoundError{ID: id}
		}
		return *o, nil
	})
}

// OnNewCandle registers cb for every ingested candle.
func (e *Engine) OnNewCandle(cb func(domain.Candle)) (func(), error) {
	if cb == nil {
		return nil, errors.New("candle callback is required")
	}
	return e.feed.Subscribe(cb), nil
}
