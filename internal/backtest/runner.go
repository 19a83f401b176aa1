package backtest

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/events"
	"github.com/youtix/gekko2-sub000/internal/exchange"
	"github.com/youtix/gekko2-sub000/internal/exchange/simulated"
	"github.com/youtix/gekko2-sub000/internal/storage/simstate"
)

// Strategy reacts to every ingested candle. It trades through the exchange it is handed.
type Strategy interface {
	OnCandle(ctx context.Context, ex exchange.Exchange, candle domain.Candle) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, ex exchange.Exchange, candle domain.Candle) error

func (f StrategyFunc) OnCandle(ctx context.Context, ex exchange.Exchange, candle domain.Candle) error {
	return f(ctx, ex, candle)
}

// SnapshotSink persists portfolio snapshots. *balancesnapshots.WALStore satisfies it.
type SnapshotSink interface {
	Save(snapshot domain.BalanceSnapshot) (uint64, error)
}

// PortfolioObserver exports portfolio gauges. *metrics.Metrics satisfies it.
type PortfolioObserver interface {
	ObservePortfolio(pair domain.Pair, p domain.Portfolio, price float64)
}

// Report summary of a finished run.
type Report struct {
	Candles        int
	Skipped        int
	Orders         int
	Trades         int
	FirstCandle    time.Time
	LastCandle     time.Time
	StartPortfolio domain.Portfolio
	EndPortfolio   domain.Portfolio
	StartPrice     decimal.Decimal
	EndPrice       decimal.Decimal
}

// StartEquity portfolio value at the first candle close, in the quote currency.
func (r Report) StartEquity() decimal.Decimal {
	return r.StartPortfolio.Equity(r.StartPrice)
}

// EndEquity portfolio value at the last candle close, in the quote currency.
func (r Report) EndEquity() decimal.Decimal {
	return r.EndPortfolio.Equity(r.EndPrice)
}

// Runner feeds a candle source into the simulated exchange.
type Runner struct {
	engine    *simulated.Engine
	pair      domain.Pair
	source    CandleSource
	start     time.Time
	strategy  Strategy
	snapshots SnapshotSink
	balances  *events.BalanceBroadcaster
	observer  PortfolioObserver
	state     *simstate.Store
	logger    *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStrategy sets the strategy called after every candle.
func WithStrategy(s Strategy) Option {
	return func(r *Runner) { r.strategy = s }
}

// WithSnapshotSink records a portfolio snapshot after every candle.
func WithSnapshotSink(s SnapshotSink) Option {
	return func(r *Runner) { r.snapshots = s }
}

// WithBalanceBroadcaster publishes every snapshot to live subscribers.
func WithBalanceBroadcaster(b *events.BalanceBroadcaster) Option {
	return func(r *Runner) { r.balances = b }
}

// WithObserver exports portfolio gauges after every candle.
func WithObserver(o PortfolioObserver) Option {
	return func(r *Runner) { r.observer = o }
}

// WithStateStore saves the engine state when the run ends.
func WithStateStore(s *simstate.Store) Option {
	return func(r *Runner) { r.state = s }
}

// WithStart drops candles that start before t.
func WithStart(t time.Time) Option {
	return func(r *Runner) { r.start = t }
}

// NewRunner creates a runner for engine trading pair.
func NewRunner(engine *simulated.Engine, pair domain.Pair, source CandleSource, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		engine: engine,
		pair:   pair,
		source: source,
		logger: logger.With(zap.String("pair", pair.String())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays the source until it is exhausted or ctx is canceled. Candles older than
// the last ingested one are skipped. The engine state is saved even when the run fails.
func (r *Runner) Run(ctx context.Context) (rep Report, err error) {
	defer func() {
		if closeErr := r.source.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "close candle source")
		}
	}()

	if rep.StartPortfolio, err = r.engine.FetchPortfolio(ctx); err != nil {
		return rep, err
	}
	defer func() {
		if saveErr := r.saveState(); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	var last time.Time
	for {
		candle, err := r.source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return rep, errors.Wrap(err, "next candle")
		}

		if candle.Start.Before(r.start) || candle.Start.Before(last) {
			rep.Skipped++
			continue
		}
		if err := r.step(ctx, candle); err != nil {
			return rep, err
		}

		if rep.Candles == 0 {
			rep.FirstCandle = candle.Start
			rep.StartPrice = candle.Close
		}
		rep.Candles++
		rep.LastCandle = candle.Start
		rep.EndPrice = candle.Close
		last = candle.Start
	}

	if rep.EndPortfolio, err = r.engine.FetchPortfolio(ctx); err != nil {
		return rep, err
	}
	open, err := r.engine.FetchOpenOrders(ctx)
	if err != nil {
		return rep, err
	}
	trades, err := r.engine.FetchMyTrades(ctx, time.Time{})
	if err != nil {
		return rep, err
	}
	state, err := r.engine.Snapshot(ctx)
	if err != nil {
		return rep, err
	}
	rep.Orders = len(state.Orders)
	rep.Trades = len(trades)

	r.logger.Info("backtest finished",
		zap.Int("candles", rep.Candles),
		zap.Int("skipped", rep.Skipped),
		zap.Int("orders", rep.Orders),
		zap.Int("open_orders", len(open)),
		zap.Int("trades", rep.Trades),
		zap.String("start_equity", rep.StartEquity().String()),
		zap.String("end_equity", rep.EndEquity().String()))
	return rep, nil
}

func (r *Runner) step(ctx context.Context, candle domain.Candle) error {
	if err := r.engine.ProcessOneMinuteCandle(ctx, candle); err != nil {
		return errors.Wrapf(err, "process candle %s", candle.Start.Format(time.RFC3339))
	}

	if r.strategy != nil {
		if err := r.strategy.OnCandle(ctx, r.engine, candle); err != nil {
			// order rejections do not stop the run
			if !isDomainError(err) {
				return errors.Wrapf(err, "strategy at %s", candle.Start.Format(time.RFC3339))
			}
			r.logger.Debug("strategy order rejected", zap.Time("candle", candle.Start), zap.Error(err))
		}
	}

	return r.record(ctx, candle)
}

func (r *Runner) record(ctx context.Context, candle domain.Candle) error {
	if r.snapshots == nil && r.balances == nil && r.observer == nil {
		return nil
	}

	p, err := r.engine.FetchPortfolio(ctx)
	if err != nil {
		return err
	}
	ticker, err := r.engine.FetchTicker(ctx)
	if err != nil {
		return err
	}

	snapshot := domain.NewBalanceSnapshot(candle.CloseTime(), r.pair, p, ticker)
	if r.snapshots != nil {
		if _, err := r.snapshots.Save(snapshot); err != nil {
			return errors.Wrap(err, "save balance snapshot")
		}
	}
	if r.balances != nil {
		r.balances.Publish(snapshot)
	}
	if r.observer != nil {
		price, _ := ticker.Bid.Float64()
		r.observer.ObservePortfolio(r.pair, p, price)
	}
	return nil
}

func (r *Runner) saveState() error {
	if r.state == nil {
		return nil
	}
	// saved even when the run context is canceled
	state, err := r.engine.Snapshot(context.Background())
	if err != nil {
		return err
	}
	if err := r.state.Save(state); err != nil {
		return errors.Wrap(err, "save engine state")
	}
	r.logger.Info("engine state saved", zap.String("path", r.state.Path()))
	return nil
}

func isDomainError(err error) bool {
	var (
		invalid   *domain.InvalidOrderError
		outRange  *domain.OrderOutOfRangeError
		undefined *domain.UndefinedLimitsError
		notFound  *domain.OrderNotFoundError
	)
	return errors.As(err, &invalid) || errors.As(err, &outRange) ||
		errors.As(err, &undefined) || errors.As(err, &notFound)
}
