// Package hyperliquid connects the exchange contract to Hyperliquid spot through go-hyperliquid.
package hyperliquid

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hl "github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// Name exchange name reported in logs and metrics.
const Name = "hyperliquid"

const (
	maxKlines = 5000
	// marketSlippage price band used to emulate market orders with IOC limits.
	marketSlippage = 0.005
)

// MinOrderCost hyperliquid rejects orders below 10 USDC notional.
var MinOrderCost = decimal.NewFromInt(10)

// Config connector settings.
type Config struct {
	Pair domain.Pair
	// Fees account fee tier.
	Fees domain.Fees
	// MinAmount smallest order size in the base coin.
	MinAmount decimal.Decimal
	// AmountDecimals size decimals of the coin.
	AmountDecimals int32
	// PollInterval how often candles are polled. Zero uses the poller default.
	PollInterval time.Duration
}

// Connector Hyperliquid spot adapter. Orders are addressed by the caller's client id,
// hashed into a cloid on the wire.
type Connector struct {
	ex     *hl.Exchange
	info   *hl.Info
	addr   string
	cfg    Config
	coin   string
	logger *zap.Logger
	now    func() time.Time
}

var _ exchange.Connector = (*Connector)(nil)

// New creates a connector trading from account addr.
func New(ex *hl.Exchange, addr string, cfg Config, logger *zap.Logger) (*Connector, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		ex:     ex,
		info:   ex.Info(),
		addr:   addr,
		cfg:    cfg,
		coin:   strings.ToUpper(cfg.Pair.From),
		logger: logger.With(zap.String("exchange", Name), zap.String("pair", cfg.Pair.String())),
		now:    time.Now,
	}, nil
}

func (c *Connector) Name() string { return Name }

// LoadMarkets returns the static trading rules of the configured coin.
func (c *Connector) LoadMarkets(context.Context) (domain.MarketLimits, error) {
	ml := domain.MarketLimits{
		Cost:      domain.AtLeast(MinOrderCost),
		Precision: domain.Precision{Amount: c.cfg.AmountDecimals, Price: 5},
		Fee:       c.cfg.Fees,
	}
	if c.cfg.MinAmount.IsPositive() {
		ml.Amount = domain.AtLeast(c.cfg.MinAmount)
	}
	return ml, nil
}

// FetchTicker hyperliquid exposes mids only, bid and ask are both the mid.
func (c *Connector) FetchTicker(ctx context.Context) (domain.Ticker, error) {
	mids, err := c.info.AllMids(ctx)
	if err != nil {
		return domain.Ticker{}, classify("fetchTicker", err)
	}
	mid, ok := mids[c.coin]
	if !ok || mid == "" {
		return domain.Ticker{}, errors.Errorf("hyperliquid returned no mid price for %s", c.coin)
	}
	px, err := exchange.ParseDecimal("mid", mid)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{Bid: px, Ask: px}, nil
}

func (c *Connector) GetKlines(ctx context.Context, q exchange.KlinesQuery) ([]domain.Candle, error) {
	tf := q.TimeframeOrDefault()
	dur, err := timeframeDuration(tf)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > maxKlines {
		limit = maxKlines
	}

	startMs, endMs := window(q, dur, limit, c.now())
	raw, err := c.info.CandlesSnapshot(ctx, c.coin, tf, startMs, endMs)
	if err != nil {
		return nil, classify("getKlines", err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		candle, err := toCandle(k.TimeOpen, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// FetchMyTrades is not offered for hyperliquid spot accounts.
func (c *Connector) FetchMyTrades(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, domain.ErrNotSupported
}

func (c *Connector) FetchPortfolio(ctx context.Context) (domain.Portfolio, error) {
	st, err := c.info.SpotUserState(ctx, c.addr)
	if err != nil {
		return domain.Portfolio{}, classify("fetchPortfolio", err)
	}

	var p domain.Portfolio
	for _, b := range st.Balances {
		var dst *domain.BalanceDetail
		switch {
		case strings.EqualFold(b.Coin, c.cfg.Pair.From):
			dst = &p.Asset
		case strings.EqualFold(b.Coin, c.cfg.Pair.To):
			dst = &p.Currency
		default:
			continue
		}

		total, err := exchange.ParseDecimal("total", b.Total)
		if err != nil {
			return domain.Portfolio{}, err
		}
		hold, err := exchange.ParseDecimal("hold", b.Hold)
		if err != nil {
			return domain.Portfolio{}, err
		}
		*dst = domain.BalanceDetail{Free: total.Sub(hold), Used: hold, Total: total}
	}
	return p, nil
}

func (c *Connector) CreateOrder(ctx context.Context, req exchange.OrderRequest) (domain.Order, error) {
	isBuy := req.Side == domain.SideBuy
	size, _ := req.Amount.Round(8).Float64()
	id := cloid(req.ClientID)

	order := hl.CreateOrderRequest{
		Coin:          c.coin,
		IsBuy:         isBuy,
		Size:          size,
		ClientOrderID: &id,
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		px, err := c.ex.SlippagePrice(ctx, c.coin, isBuy, marketSlippage, nil)
		if err != nil {
			return domain.Order{}, classify("createOrder", err)
		}
		order.Price = px
		order.OrderType = hl.OrderType{Limit: &hl.LimitOrderType{Tif: hl.TifIoc}}
	default:
		order.Price, _ = req.Price.Float64()
		order.OrderType = hl.OrderType{Limit: &hl.LimitOrderType{Tif: hl.TifGtc}}
	}

	if _, err := c.ex.Order(ctx, order, nil); err != nil {
		return domain.Order{}, classify("createOrder", err)
	}
	c.logger.Info("order placed",
		zap.String("id", req.ClientID),
		zap.String("cloid", id),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("amount", req.Amount.String()))

	return c.FetchOrder(ctx, req.ClientID)
}

// CancelOrder cancels the order and returns its resulting state. An order that already
// reached a terminal state is returned as is.
func (c *Connector) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	order, oid, err := c.fetch(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	if _, err := c.ex.BulkCancel(ctx, []hl.CancelOrderRequest{{Coin: c.coin, OrderID: oid}}); err != nil {
		return domain.Order{}, classify("cancelOrder", err)
	}
	return c.FetchOrder(ctx, id)
}

func (c *Connector) FetchOrder(ctx context.Context, id string) (domain.Order, error) {
	order, _, err := c.fetch(ctx, id)
	return order, err
}

func (c *Connector) fetch(ctx context.Context, id string) (domain.Order, int64, error) {
	res, err := c.info.QueryOrderByCloid(ctx, c.addr, cloid(id))
	if err != nil {
		return domain.Order{}, 0, classify("fetchOrder", err)
	}
	if res == nil || res.Status != hl.OrderQueryStatusSuccess {
		return domain.Order{}, 0, &domain.OrderNotFoundError{ID: id}
	}

	q := res.Order.Order
	raw := rawOrder{
		id:        id,
		side:      string(q.Side),
		limitPx:   q.LimitPx,
		origSz:    q.OrigSz,
		sz:        q.Sz,
		status:    string(res.Order.Status),
		timestamp: q.Timestamp,
	}
	raw.tif = string(q.Tif)
	order, err := raw.toDomain()
	return order, q.Oid, err
}

// SubscribeCandles polls closed one-minute candles.
func (c *Connector) SubscribeCandles(cb func(domain.Candle)) (func(), error) {
	poller := exchange.NewCandlePoller(func(ctx context.Context, from time.Time) ([]domain.Candle, error) {
		return c.GetKlines(ctx, exchange.KlinesQuery{From: from})
	}, c.cfg.PollInterval, c.logger)
	return poller.Start(cb), nil
}
