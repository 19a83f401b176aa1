package main

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/youtix/gekko2-sub000/config"
	"github.com/youtix/gekko2-sub000/internal/backtest"
	"github.com/youtix/gekko2-sub000/internal/clients"
	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/events"
	"github.com/youtix/gekko2-sub000/internal/exchange"
	"github.com/youtix/gekko2-sub000/internal/exchange/binance"
	"github.com/youtix/gekko2-sub000/internal/exchange/bybit"
	"github.com/youtix/gekko2-sub000/internal/exchange/hyperliquid"
	"github.com/youtix/gekko2-sub000/internal/exchange/simulated"
	"github.com/youtix/gekko2-sub000/internal/metrics"
	"github.com/youtix/gekko2-sub000/internal/storage/balancesnapshots"
	"github.com/youtix/gekko2-sub000/internal/storage/simstate"
	"github.com/youtix/gekko2-sub000/internal/web"
	"github.com/youtix/gekko2-sub000/pkg/retrier"
)

const snapshotBuffer = 64

// instance one configured pair with its own storage, metrics and web endpoint.
type instance struct {
	cfg         config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	snapshots   *balancesnapshots.WALStore
	broadcaster *events.BalanceBroadcaster
	server      *web.Server
}

func newInstance(cfg config.Config, reg *prometheus.Registry, logger *zap.Logger) (*instance, error) {
	l := logger.With(zap.String("instance", cfg.Name), zap.String("mode", cfg.Mode))

	store, err := balancesnapshots.NewWALStore(filepath.Join(cfg.WALDir, cfg.Name))
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot wal for %s", cfg.Name)
	}

	label := cfg.Platform
	if cfg.Mode == config.ModeBacktest {
		label = simulated.Name
	}
	inst := &instance{
		cfg:         cfg,
		logger:      l,
		metrics:     metrics.New(prometheus.WrapRegistererWith(prometheus.Labels{"instance": cfg.Name}, reg), label, cfg.Pair),
		snapshots:   store,
		broadcaster: events.NewBalanceBroadcaster(snapshotBuffer),
	}
	if cfg.WebAddr != "" {
		inst.server = web.NewServer(cfg.WebAddr, store,
			web.WithBalanceBroadcaster(inst.broadcaster),
			web.WithGatherer(reg),
			web.WithLogger(l))
	}
	return inst, nil
}

// run drives the instance mode. A finished backtest keeps its web endpoint up until ctx is done.
func (i *instance) run(ctx context.Context) error {
	defer func() {
		if err := i.snapshots.Close(); err != nil {
			i.logger.Warn("failed to close snapshot wal", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if i.server != nil {
		g.Go(func() error {
			return i.server.Start(ctx)
		})
	}
	g.Go(func() error {
		if i.cfg.Mode == config.ModeLive {
			return i.runLive(ctx)
		}
		if err := i.runBacktest(ctx); err != nil {
			return err
		}
		if i.server != nil {
			i.logger.Info("serving backtest results until interrupted", zap.String("addr", i.cfg.WebAddr))
		}
		return nil
	})
	return g.Wait()
}

func (i *instance) runBacktest(ctx context.Context) error {
	cfg := i.cfg
	engine, err := simulated.New(simulated.Config{
		Pair:       cfg.Pair,
		MarketData: cfg.Market,
		Portfolio:  cfg.Portfolio,
		StartTime:  cfg.Backtest.Start,
	}, i.logger, simulated.WithRecorder(i.metrics))
	if err != nil {
		return errors.Wrap(err, "create simulated exchange")
	}

	state, err := simstate.NewStore(cfg.StateDir, cfg.Pair, cfg.Name)
	if err != nil {
		return err
	}
	start := cfg.Backtest.Start
	if cfg.Backtest.Resume {
		if start, err = i.resume(ctx, engine, state); err != nil {
			return err
		}
	}

	source, err := i.candleSource()
	if err != nil {
		return err
	}

	runner := backtest.NewRunner(engine, cfg.Pair, source, i.logger,
		backtest.WithSnapshotSink(i.snapshots),
		backtest.WithBalanceBroadcaster(i.broadcaster),
		backtest.WithObserver(i.metrics),
		backtest.WithStateStore(state),
		backtest.WithStart(start))

	if _, err := runner.Run(ctx); err != nil {
		return errors.Wrapf(err, "backtest %s", cfg.Name)
	}
	return nil
}

// resume restores the saved engine state, if any, and returns where the replay picks up.
func (i *instance) resume(ctx context.Context, engine *simulated.Engine, store *simstate.Store) (time.Time, error) {
	start := i.cfg.Backtest.Start
	saved, err := store.Load()
	if err != nil {
		return start, errors.Wrap(err, "load engine state")
	}
	if saved == nil {
		i.logger.Info("no saved engine state, starting fresh", zap.String("path", store.Path()))
		return start, nil
	}
	if err := engine.Restore(ctx, *saved); err != nil {
		return start, errors.Wrapf(err, "restore engine state from %s", store.Path())
	}

	clock, err := engine.Now(ctx)
	if err != nil {
		return start, err
	}
	if clock.After(start) {
		start = clock
	}
	i.logger.Info("resuming backtest", zap.Time("from", start), zap.Int("orders", len(saved.Orders)))
	return start, nil
}

// candleSource reads the configured csv or, without one, pages the platform's history.
func (i *instance) candleSource() (backtest.CandleSource, error) {
	cfg := i.cfg
	if cfg.Backtest.Candles != "" {
		return backtest.NewCSVSource(cfg.Backtest.Candles)
	}

	conn, err := i.connector()
	if err != nil {
		return nil, err
	}
	i.logger.Info("backtesting on exchange history", zap.String("source", conn.Name()))
	return backtest.NewHistorySource(i.resilient(conn), cfg.Backtest.Start, cfg.Backtest.End, cfg.Backtest.PageSize), nil
}

func (i *instance) runLive(ctx context.Context) error {
	conn, err := i.connector()
	if err != nil {
		return err
	}
	ex := i.resilient(conn)

	if err := ex.LoadMarkets(ctx); err != nil {
		return errors.Wrap(err, "load markets")
	}
	limits := ex.GetMarketLimits()
	i.logger.Info("market loaded",
		zap.String("maker_fee", limits.Fee.Maker.String()),
		zap.String("taker_fee", limits.Fee.Taker.String()),
		zap.Int32("price_precision", limits.Precision.Price),
		zap.Int32("amount_precision", limits.Precision.Amount))

	if err := i.recordSnapshot(ctx, ex, time.Now().UTC()); err != nil {
		return err
	}

	candles := make(chan domain.Candle, snapshotBuffer)
	unsubscribe, err := ex.OnNewCandle(func(c domain.Candle) {
		select {
		case candles <- c:
		default:
			i.logger.Warn("candle dropped, snapshot recorder is behind", zap.Time("start", c.Start))
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to candles")
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-candles:
			i.metrics.CandleProcessed()
			i.logger.Debug("candle",
				zap.Time("start", c.Start),
				zap.String("close", c.Close.String()),
				zap.String("volume", c.Volume.String()))
			if err := i.recordSnapshot(ctx, ex, c.CloseTime()); err != nil {
				i.logger.Warn("failed to record portfolio snapshot", zap.Error(err))
			}
		}
	}
}

func (i *instance) recordSnapshot(ctx context.Context, ex exchange.Exchange, at time.Time) error {
	ticker, err := ex.FetchTicker(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch ticker")
	}
	portfolio, err := ex.FetchPortfolio(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch portfolio")
	}

	snapshot := domain.NewBalanceSnapshot(at, i.cfg.Pair, portfolio, ticker)
	if _, err := i.snapshots.Save(snapshot); err != nil {
		return errors.Wrap(err, "save portfolio snapshot")
	}
	i.broadcaster.Publish(snapshot)
	i.metrics.ObservePortfolio(i.cfg.Pair, portfolio, ticker.Bid.InexactFloat64())

	i.logger.Info("portfolio",
		zap.String("bid", ticker.Bid.String()),
		zap.String("ask", ticker.Ask.String()),
		zap.String("asset", portfolio.Asset.Total.String()),
		zap.String("currency", portfolio.Currency.Total.String()),
		zap.String("equity", snapshot.Equity))
	return nil
}

func (i *instance) resilient(conn exchange.Connector) *exchange.Resilient {
	opts := []exchange.Option{
		exchange.WithLogger(i.logger),
		exchange.WithRecorder(i.metrics),
		exchange.WithRetryOptions(
			retrier.WithMaxAttempts(i.cfg.Retry.MaxAttempts),
			retrier.WithInitialInterval(i.cfg.Retry.InitialInterval),
			retrier.WithLogger(i.logger),
		),
	}
	if i.cfg.RateLimit.PerSecond > 0 {
		opts = append(opts, exchange.WithRateLimiter(rate.NewLimiter(rate.Limit(i.cfg.RateLimit.PerSecond), i.cfg.RateLimit.Burst)))
	}
	return exchange.NewResilient(conn, opts...)
}

func (i *instance) connector() (exchange.Connector, error) {
	cfg := i.cfg
	creds := cfg.Credentials

	switch cfg.Platform {
	case config.PlatformBinance:
		return binance.New(clients.NewBinanceClient(creds.APIKey, creds.APISecret, cfg.Testnet), cfg.Pair, i.logger), nil
	case config.PlatformBybit:
		return bybit.New(clients.NewBybitClient(creds.APIKey, creds.APISecret, creds.BaseURL), bybit.Config{
			Pair:         cfg.Pair,
			Fees:         cfg.Market.Fee,
			PollInterval: cfg.PollInterval,
		}, i.logger), nil
	case config.PlatformHyperliquid:
		key := creds.PrivateKey
		if key == "" {
			// market data needs no account, any key signs the unused requests
			k, err := crypto.GenerateKey()
			if err != nil {
				return nil, errors.Wrap(err, "generate throwaway hyperliquid key")
			}
			key = hex.EncodeToString(crypto.FromECDSA(k))
		}
		client, err := clients.NewHyperliquidClient(key, creds.BaseURL)
		if err != nil {
			return nil, err
		}
		return hyperliquid.New(client.Exchange(), client.AccountAddress(), hyperliquid.Config{
			Pair:           cfg.Pair,
			Fees:           cfg.Market.Fee,
			MinAmount:      cfg.Market.Amount.Min.Decimal,
			AmountDecimals: cfg.Market.Precision.Amount,
			PollInterval:   cfg.PollInterval,
		}, i.logger)
	default:
		return nil, errors.Errorf("platform %s has no connector", cfg.Platform)
	}
}
