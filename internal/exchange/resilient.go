package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/limits"
	"github.com/youtix/gekko2-sub000/pkg/retrier"
)

// CallRecorder observes remote calls. *metrics.Metrics satisfies it.
type CallRecorder interface {
	ExchangeAttempt(exchange, op string)
	ExchangeRetry(exchange, op string)
	ExchangeFailure(exchange, op string)
}

type nopCallRecorder struct{}

func (nopCallRecorder) ExchangeAttempt(string, string) {}
func (nopCallRecorder) ExchangeRetry(string, string)   {}
func (nopCallRecorder) ExchangeFailure(string, string) {}

// Resilient wraps a Connector with bounded retries, a request budget and
// pre-flight order validation against the cached market limits.
type Resilient struct {
	conn     Connector
	logger   *zap.Logger
	retrier  *retrier.Retrier
	retryOps []retrier.Option
	limiter  *rate.Limiter
	recorder CallRecorder
	newID    func() string

	mu     sync.RWMutex
	limits domain.MarketLimits
}

var _ Exchange = (*Resilient)(nil)

// Option configures a Resilient exchange.
type Option func(*Resilient)

// WithLogger sets the logger for failed calls and retries.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resilient) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetryOptions tunes the retry policy. Default is 3 attempts, transient errors only.
func WithRetryOptions(opts ...retrier.Option) Option {
	return func(r *Resilient) {
		r.retryOps = append(r.retryOps, opts...)
	}
}

// WithRateLimiter makes every attempt wait for a token from l.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(r *Resilient) {
		r.limiter = l
	}
}

// WithRecorder sets the call metrics sink.
func WithRecorder(rec CallRecorder) Option {
	return func(r *Resilient) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithIDGenerator overrides client order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Resilient) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewResilient wraps conn.
func NewResilient(conn Connector, opts ...Option) *Resilient {
	r := &Resilient{
		conn:     conn,
		logger:   zap.NewNop(),
		recorder: nopCallRecorder{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("exchange", conn.Name()))

	retryOpts := append([]retrier.Option{retrier.WithLogger(r.logger)}, r.retryOps...)
	r.retrier = retrier.New(retryOpts...)

	return r
}

func (r *Resilient) Name() string {
	return r.conn.Name()
}

// call runs fn under the retry policy. The final error is returned as the connector produced it.
func call[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	name := r.conn.Name()
	attempt := 0

	res, err := retrier.DoWithData(r.retrier, ctx, func(ctx context.Context) (T, error) {
		attempt++
		if attempt > 1 {
			r.recorder.ExchangeRetry(name, op)
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		r.recorder.ExchangeAttempt(name, op)
		return fn(ctx)
	})
	if err != nil {
		r.recorder.ExchangeFailure(name, op)
		r.logger.Error("exchange call failed",
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	return res, err
}

// LoadMarkets fetches and caches the market limits used by order validation.
func (r *Resilient) LoadMarkets(ctx context.Context) error {
	ml, err := call(ctx, r, "loadMarkets", r.conn.LoadMarkets)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.limits = ml
	r.mu.Unlock()

	r.logger.Info("markets loaded",
		zap.String("min_amount", boundLog(ml.Amount.Min)),
		zap.String("min_cost", boundLog(ml.Cost.Min)))
	return nil
}

// GetMarketLimits returns the cached limits. They are empty until LoadMarkets succeeds.
func (r *Resilient) GetMarketLimits() domain.MarketLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limits
}

func (r *Resilient) FetchTicker(ctx context.Context) (domain.Ticker, error) {
	return call(ctx, r, "fetchTicker", r.conn.FetchTicker)
}

func (r *Resilient) GetKlines(ctx context.Context, q KlinesQuery) ([]domain.Candle, error) {
	return call(ctx, r, "getKlines", func(ctx context.Context) ([]domain.Candle, error) {
		return r.conn.GetKlines(ctx, q)
	})
}

func (r *Resilient) FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error) {
	return call(ctx, r, "fetchMyTrades", func(ctx context.Context) ([]domain.Trade, error) {
		return r.conn.FetchMyTrades(ctx, from)
	})
}

func (r *Resilient) FetchPortfolio(ctx context.Context) (domain.Portfolio, error) {
	return call(ctx, r, "fetchPortfolio", r.conn.FetchPortfolio)
}

// CheckOrderPrice validates price against the cached price range.
func (r *Resilient) CheckOrderPrice(price decimal.Decimal) error {
	_, err := limits.CheckPrice(price, r.GetMarketLimits().Price)
	return err
}

// CheckOrderAmount validates amount. A market without a minimum amount is rejected.
func (r *Resilient) CheckOrderAmount(amount decimal.Decimal) error {
	_, err := limits.CheckAmountStrict(amount, r.GetMarketLimits().Amount)
	return err
}

// CheckOrderCost validates amount*price. A market without a minimum cost is rejected.
func (r *Resilient) CheckOrderCost(amount, price decimal.Decimal) error {
	return limits.CheckCostStrict(amount, price, r.GetMarketLimits().Cost)
}

// CreateLimitOrder validates the order locally and places it. The client order id is
// generated once so retried submissions stay idempotent.
func (r *Resilient) CreateLimitOrder(ctx context.Context, side domain.Side, amount, price decimal.Decimal) (domain.Order, error) {
	if err := validateShape(side, amount); err != nil {
		return domain.Order{}, err
	}
	if err := r.CheckOrderPrice(price); err != nil {
		return domain.Order{}, err
	}
	if err := r.CheckOrderAmount(amount); err != nil {
		return domain.Order{}, err
	}
	if err := r.CheckOrderCost(amount, price); err != nil {
		return domain.Order{}, err
	}

	req := OrderRequest{ClientID: r.newID(), Side: side, Type: domain.OrderTypeLimit, Amount: amount, Price: price}
	return call(ctx, r, "createLimitOrder", func(ctx context.Context) (domain.Order, error) {
		return r.conn.CreateOrder(ctx, req)
	})
}

// CreateMarketOrder validates the amount and places a market order.
func (r *Resilient) CreateMarketOrder(ctx context.Context, side domain.Side, amount decimal.Decimal) (domain.Order, error) {
	if err := validateShape(side, amount); err != nil {
		return domain.Order{}, err
	}
	if err := r.CheckOrderAmount(amount); err != nil {
		return domain.Order{}, err
	}

	req := OrderRequest{ClientID: r.newID(), Side: side, Type: domain.OrderTypeMarket, Amount: amount}
	return call(ctx, r, "createMarketOrder", func(ctx context.Context) (domain.Order, error) {
		return r.conn.CreateOrder(ctx, req)
	})
}

func (r *Resilient) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	return call(ctx, r, "cancelOrder", func(ctx context.Context) (domain.Order, error) {
		return r.conn.CancelOrder(ctx, id)
	})
}

func (r *Resilient) FetchOrder(ctx context.Context, id string) (domain.Order, error) {
	return call(ctx, r, "fetchOrder", func(ctx context.Context) (domain.Order, error) {
		return r.conn.FetchOrder(ctx, id)
	})
}

// OnNewCandle subscribes through the connector. Subscription setup is retried like any call.
func (r *Resilient) OnNewCandle(cb func(domain.Candle)) (func(), error) {
	return call(context.Background(), r, "onNewCandle", func(context.Context) (func(), error) {
		return r.conn.SubscribeCandles(cb)
	})
}

func validateShape(side domain.Side, amount decimal.Decimal) error {
	if !side.IsValid() {
		return &domain.InvalidOrderError{Reason: "unknown side " + string(side)}
	}
	if !amount.IsPositive() {
		return &domain.InvalidOrderError{Reason: "amount must be positive"}
	}
	return nil
}

func boundLog(v decimal.NullDecimal) string {
	if !v.Valid {
		return "unset"
	}
	return v.Decimal.String()
}
