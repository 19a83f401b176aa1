// Package bybit connects the exchange contract to Bybit spot through the V5 API.
package bybit

import (
	"context"
	"sort"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// Name exchange name reported in logs and metrics.
const Name = "bybit"

const (
	maxKlines     = 1000
	maxExecutions = 100
)

// Config connector settings.
type Config struct {
	Pair domain.Pair
	// Fees account fee tier. Bybit spot instrument info does not carry fees.
	Fees domain.Fees
	// PollInterval how often candles are polled. Zero uses the poller default.
	PollInterval time.Duration
}

// Connector Bybit spot adapter. Orders are addressed by their order link id.
type Connector struct {
	client *bybit.Client
	cfg    Config
	symbol bybit.SymbolV5
	logger *zap.Logger
}

var _ exchange.Connector = (*Connector)(nil)

// New creates a connector.
func New(client *bybit.Client, cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		client: client,
		cfg:    cfg,
		symbol: bybit.SymbolV5(cfg.Pair.Symbol()),
		logger: logger.With(zap.String("exchange", Name), zap.String("pair", cfg.Pair.String())),
	}
}

func (c *Connector) Name() string { return Name }

func (c *Connector) LoadMarkets(ctx context.Context) (domain.MarketLimits, error) {
	resp, err := c.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &c.symbol,
	})
	if err != nil {
		return domain.MarketLimits{}, classify("loadMarkets", "", err)
	}
	if resp.Result.Spot == nil || len(resp.Result.Spot.List) == 0 {
		return domain.MarketLimits{}, errors.Errorf("bybit does not list %s", c.symbol)
	}

	item := resp.Result.Spot.List[0]
	rules := instrumentRules{
		tickSize:      item.PriceFilter.TickSize,
		basePrecision: item.LotSizeFilter.BasePrecision,
		minOrderQty:   item.LotSizeFilter.MinOrderQty,
		maxOrderQty:   item.LotSizeFilter.MaxOrderQty,
		minOrderAmt:   item.LotSizeFilter.MinOrderAmt,
		maxOrderAmt:   item.LotSizeFilter.MaxOrderAmt,
	}
	return rules.limits(c.cfg.Fees)
}

func (c *Connector) FetchTicker(ctx context.Context) (domain.Ticker, error) {
	resp, err := c.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &c.symbol,
	})
	if err != nil {
		return domain.Ticker{}, classify("fetchTicker", "", err)
	}
	if resp.Result.Spot == nil || len(resp.Result.Spot.List) == 0 {
		return domain.Ticker{}, exchange.Wrap(Name, "fetchTicker", errors.New("empty ticker list"), true)
	}

	t := resp.Result.Spot.List[0]
	bid, err := exchange.ParseDecimal("bid1Price", t.Bid1Price)
	if err != nil {
		return domain.Ticker{}, err
	}
	ask, err := exchange.ParseDecimal("ask1Price", t.Ask1Price)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{Bid: bid, Ask: ask}, nil
}

func (c *Connector) GetKlines(ctx context.Context, q exchange.KlinesQuery) ([]domain.Candle, error) {
	iv, err := interval(q.TimeframeOrDefault())
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > maxKlines {
		limit = maxKlines
	}

	param := bybit.V5GetKlineParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   c.symbol,
		Interval: bybit.Interval(iv),
		Limit:    &limit,
	}
	if !q.From.IsZero() {
		start := q.From.UnixMilli()
		param.Start = &start
	}

	resp, err := c.client.V5().Market().GetKline(param)
	if err != nil {
		return nil, classify("getKlines", "", err)
	}

	candles := make([]domain.Candle, 0, len(resp.Result.List))
	for _, k := range resp.Result.List {
		candle, err := toCandle(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	// bybit lists newest first
	sort.Slice(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })
	return candles, nil
}

func (c *Connector) FetchMyTrades(ctx context.Context, from time.Time) ([]domain.Trade, error) {
	limit := maxExecutions
	param := bybit.V5GetExecutionParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &c.symbol,
		Limit:    &limit,
	}
	if !from.IsZero() {
		start := int(from.UnixMilli())
		param.StartTime = &start
	}

	resp, err := c.client.V5().Execution().GetExecutionList(param)
	if err != nil {
		return nil, classify("fetchMyTrades", "", err)
	}

	trades := make([]domain.Trade, 0, len(resp.Result.List))
	for _, e := range resp.Result.List {
		trade, err := rawExecution{
			execID:   e.ExecID,
			orderID:  e.OrderLinkID,
			side:     string(e.Side),
			price:    e.ExecPrice,
			qty:      e.ExecQty,
			feeRate:  e.FeeRate,
			execTime: e.ExecTime,
		}.toDomain()
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })
	return trades, nil
}

func (c *Connector) FetchPortfolio(ctx context.Context) (domain.Portfolio, error) {
	resp, err := c.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5UNIFIED, nil)
	if err != nil {
		return domain.Portfolio{}, classify("fetchPortfolio", "", err)
	}

	var p domain.Portfolio
	for _, account := range resp.Result.List {
		for _, coin := range account.Coin {
			var dst *domain.BalanceDetail
			switch string(coin.Coin) {
			case c.cfg.Pair.From:
				dst = &p.Asset
			case c.cfg.Pair.To:
				dst = &p.Currency
			default:
				continue
			}

			total, err := exchange.ParseDecimal("walletBalance", coin.WalletBalance)
			if err != nil {
				return domain.Portfolio{}, err
			}
			locked, err := exchange.ParseDecimal("locked", coin.Locked)
			if err != nil {
				return domain.Portfolio{}, err
			}
			*dst = domain.BalanceDetail{Free: total.Sub(locked), Used: locked, Total: total}
		}
	}
	return p, nil
}

func (c *Connector) CreateOrder(ctx context.Context, req exchange.OrderRequest) (domain.Order, error) {
	linkID := req.ClientID
	param := bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      c.symbol,
		Side:        bybit.SideSell,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         req.Amount.String(),
		OrderLinkID: &linkID,
	}
	if req.Side == domain.SideBuy {
		param.Side = bybit.SideBuy
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		param.OrderType = bybit.OrderTypeMarket
		if req.Side == domain.SideBuy {
			// spot market buys are sized in the quote currency
			qty, err := c.quoteQty(ctx, req.Amount)
			if err != nil {
				return domain.Order{}, err
			}
			param.Qty = qty.String()
		}
	default:
		price := req.Price.String()
		param.Price = &price
	}

	if _, err := c.client.V5().Order().CreateOrder(param); err != nil {
		return domain.Order{}, classify("createOrder", "", err)
	}
	c.logger.Info("order placed",
		zap.String("id", linkID),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("amount", req.Amount.String()),
		zap.String("price", req.Price.String()))

	return c.FetchOrder(ctx, linkID)
}

func (c *Connector) quoteQty(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	t, err := c.FetchTicker(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(t.Ask), nil
}

// CancelOrder cancels the order and returns its resulting state. An order that already
// reached a terminal state is returned as is.
func (c *Connector) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	linkID := id
	_, err := c.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      c.symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		// a filled order can no longer be canceled and reports as missing
		var notFound *domain.OrderNotFoundError
		if err = classify("cancelOrder", id, err); !errors.As(err, &notFound) {
			return domain.Order{}, err
		}
	}
	return c.FetchOrder(ctx, id)
}

// FetchOrder looks the order up among open orders first, then in the order history.
func (c *Connector) FetchOrder(ctx context.Context, id string) (domain.Order, error) {
	linkID := id
	open, err := c.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &c.symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.Order{}, classify("fetchOrder", id, err)
	}
	if len(open.Result.List) > 0 {
		o := open.Result.List[0]
		return rawOrder{
			linkID:    o.OrderLinkID,
			side:      string(o.Side),
			typ:       string(o.OrderType),
			price:     o.Price,
			avgPrice:  o.AvgPrice,
			qty:       o.Qty,
			cumExec:   o.CumExecQty,
			status:    string(o.OrderStatus),
			createdAt: o.CreatedTime,
		}.toDomain()
	}

	history, err := c.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &c.symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.Order{}, classify("fetchOrder", id, err)
	}
	if len(history.Result.List) > 0 {
		o := history.Result.List[0]
		return rawOrder{
			linkID:    o.OrderLinkID,
			side:      string(o.Side),
			typ:       string(o.OrderType),
			price:     o.Price,
			avgPrice:  o.AvgPrice,
			qty:       o.Qty,
			cumExec:   o.CumExecQty,
			status:    string(o.OrderStatus),
			createdAt: o.CreatedTime,
		}.toDomain()
	}
	return domain.Order{}, &domain.OrderNotFoundError{ID: id}
}

// SubscribeCandles polls closed one-minute candles.
func (c *Connector) SubscribeCandles(cb func(domain.Candle)) (func(), error) {
	poller := exchange.NewCandlePoller(func(ctx context.Context, from time.Time) ([]domain.Candle, error) {
		return c.GetKlines(ctx, exchange.KlinesQuery{From: from})
	}, c.cfg.PollInterval, c.logger)
	return poller.Start(cb), nil
}
