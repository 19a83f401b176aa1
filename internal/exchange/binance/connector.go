// Package binance connects the exchange contract to Binance spot through go-binance.
package binance

import (
	"context"
	"sync"
	"time"

	bn "github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// Name exchange name reported in logs and metrics.
const Name = "binance"

// maxKlines page size accepted by the klines endpoint.
const maxKlines = 1000

// Connector Binance spot adapter. Orders are addressed by their client order id.
type Connector struct {
	client *bn.Client
	pair   domain.Pair
	logger *zap.Logger

	mu   sync.RWMutex
	fees domain.Fees
}

var _ exchange.Connector = (*Connector)(nil)

// New creates a connector for pair.
func New(client *bn.Client, pair domain.Pair, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		client: client,
		pair:   pair,
		logger: logger.With(zap.String("exchange", Name), zap.String("pair", pair.String())),
	}
}

func (c *Connector) Name() string { return Name }

func (c *Connector) LoadMarkets(ctx context.Context) (domain.MarketLimits, error) {
	info, err := c.client.NewExchangeInfoService().Symbol(c.pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.MarketLimits{}, classify("loadMarkets", "", err)
	}
	if len(info.Symbols) == 0 {
		return domain.MarketLimits{}, errors.Errorf("binance does not list %s", c.pair.Symbol())
	}
	rules := rulesFromSymbol(info.Symbols[0])

	fees, err := c.client.NewTradeFeeService().Symbol(c.pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.MarketLimits{}, classify("loadMarkets", "", err)
	}
	if len(fees) > 0 {
		rules.makerCommission = fees[0].MakerCommission
		rules.takerCommission = fees[0].TakerCommission
	}

	ml, err := rules.limits()
	if err != nil {
		return domain.MarketLimits{}, err
	}

	c.mu.Lock()
	c.fees = ml.Fee
	c.mu.Unlock()
	return ml, nil
}

func (c *Connector) FetchTicker(ctx context.Context) (domain.Ticker, error) {
	tickers, err := c.client.NewListBookTickersService().Symbol(c.pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.Ticker{}, classify("fetchTicker", "", err)
	}
	if len(tickers) == 0 {
		return domain.Ticker{}, exchange.Wrap(Name, "fetchTicker", errors.New("empty book ticker"), true)
	}

	bid, err := exchange.ParseDecimal("bidPrice", tickers[0].BidPrice)
	if err != nil {
		return domain.Ticker{}, err
	}
	ask, err := exchange.ParseDecimal("askPrice", tickers[0].AskPrice)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{Bid: bid, Ask: ask}, nil
}

func (c *Connector) GetKlines(ctx context.Context, q exchange.KlinesQuery) ([]domain.Candle, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxKlines {
		limit = maxKlines
	}

	svc := c.client.NewKlinesService().
		Symbol(c.pair.Symbol()).
		Interval(q.TimeframeOrDefault()).
		Limit(limit)
	if !q.From.IsZero() {
		svc = svc.StartTime(q.From.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("getKlines", "", err)
	}

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := toCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *Connector) FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error) {
	svc := c.client.NewListTradesService().Symbol(c.pair.Symbol())
	if !from.IsZero() {
		svc = svc.StartTime(from.UnixMilli())
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("fetchMyTrades", "", err)
	}

	c.mu.RLock()
	fees := c.fees
	c.mu.RUnlock()

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		fee := fees.Taker
		if t.IsMaker {
			fee = fees.Maker
		}
		trade, err := toTrade(t, fee)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func (c *Connector) FetchPortfolio(ctx context.Context) (domain.Portfolio, error) {
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return domain.Portfolio{}, classify("fetchPortfolio", "", err)
	}

	var p domain.Portfolio
	for _, b := range account.Balances {
		var dst *domain.BalanceDetail
		switch b.Asset {
		case c.pair.From:
			dst = &p.Asset
		case c.pair.To:
			dst = &p.Currency
		default:
			continue
		}

		free, err := exchange.ParseDecimal("free", b.Free)
		if err != nil {
			return domain.Portfolio{}, err
		}
		locked, err := exchange.ParseDecimal("locked", b.Locked)
		if err != nil {
			return domain.Portfolio{}, err
		}
		*dst = domain.BalanceDetail{Free: free, Used: locked, Total: free.Add(locked)}
	}
	return p, nil
}

func (c *Connector) CreateOrder(ctx context.Context, req exchange.OrderRequest) (domain.Order, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(c.pair.Symbol()).
		Side(bn.SideType(req.Side)).
		Quantity(req.Amount.String()).
		NewClientOrderID(req.ClientID)

	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(bn.OrderTypeMarket)
	default:
		svc = svc.Type(bn.OrderTypeLimit).
			TimeInForce(bn.TimeInForceTypeGTC).
			Price(req.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.Order{}, classify("createOrder", "", err)
	}

	order, err := fromCreateResponse(resp).toDomain()
	if err != nil {
		return domain.Order{}, err
	}
	c.logger.Info("order placed",
		zap.String("id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("amount", order.Amount.String()),
		zap.String("price", order.Price.String()))
	return order, nil
}

// CancelOrder cancels the order and returns its resulting state. An order that already
// reached a terminal state is returned as is.
func (c *Connector) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	_, err := c.client.NewCancelOrderService().
		Symbol(c.pair.Symbol()).
		OrigClientOrderID(id).
		Do(ctx)
	if err != nil {
		// -2011 also covers orders that were filled before the cancel arrived
		var notFound *domain.OrderNotFoundError
		if err = classify("cancelOrder", id, err); !errors.As(err, &notFound) {
			return domain.Order{}, err
		}
	}
	return c.FetchOrder(ctx, id)
}

func (c *Connector) FetchOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := c.client.NewGetOrderService().
		Symbol(c.pair.Symbol()).
		OrigClientOrderID(id).
		Do(ctx)
	if err != nil {
		return domain.Order{}, classify("fetchOrder", id, err)
	}
	return fromOrder(o).toDomain()
}

// SubscribeCandles streams closed one-minute klines over the websocket.
func (c *Connector) SubscribeCandles(cb func(domain.Candle)) (func(), error) {
	handler := func(ev *bn.WsKlineEvent) {
		k := ev.Kline
		if !k.IsFinal {
			return
		}
		candle, err := toCandle(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			c.logger.Warn("skip malformed kline", zap.Error(err))
			return
		}
		cb(candle)
	}
	errHandler := func(err error) {
		c.logger.Warn("kline stream error", zap.Error(err))
	}

	doneC, stopC, err := bn.WsKlineServe(c.pair.Symbol(), exchange.DefaultTimeframe, handler, errHandler)
	if err != nil {
		return nil, exchange.Wrap(Name, "subscribeCandles", err, true)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopC)
			<-doneC
		})
	}, nil
}

