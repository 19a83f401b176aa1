package binance

import (
	"strconv"
	"time"

	bn "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// symbolRules the exchange filters relevant to order validation, as raw strings.
type symbolRules struct {
	minPrice        string
	maxPrice        string
	tickSize        string
	minQty          string
	maxQty          string
	stepSize        string
	minNotional     string
	maxNotional     string
	makerCommission string
	takerCommission string
}

func rulesFromSymbol(s bn.Symbol) symbolRules {
	var r symbolRules
	if f := s.PriceFilter(); f != nil {
		r.minPrice, r.maxPrice, r.tickSize = f.MinPrice, f.MaxPrice, f.TickSize
	}
	if f := s.LotSizeFilter(); f != nil {
		r.minQty, r.maxQty, r.stepSize = f.MinQuantity, f.MaxQuantity, f.StepSize
	}
	if f := s.NotionalFilter(); f != nil {
		r.minNotional, r.maxNotional = f.MinNotional, f.MaxNotional
	}
	return r
}

func (r symbolRules) limits() (domain.MarketLimits, error) {
	var (
		ml  domain.MarketLimits
		err error
	)
	bounds := []struct {
		field string
		raw   string
		dst   *decimal.NullDecimal
	}{
		{"minPrice", r.minPrice, &ml.Price.Min},
		{"maxPrice", r.maxPrice, &ml.Price.Max},
		{"minQty", r.minQty, &ml.Amount.Min},
		{"maxQty", r.maxQty, &ml.Amount.Max},
		{"minNotional", r.minNotional, &ml.Cost.Min},
		{"maxNotional", r.maxNotional, &ml.Cost.Max},
	}
	for _, b := range bounds {
		if *b.dst, err = exchange.OptionalBound(b.field, b.raw); err != nil {
			return domain.MarketLimits{}, err
		}
	}

	ml.Precision = domain.Precision{
		Price:  exchange.StepPrecision(r.tickSize),
		Amount: exchange.StepPrecision(r.stepSize),
	}
	if ml.Fee.Maker, err = exchange.ParseDecimal("makerCommission", r.makerCommission); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Fee.Taker, err = exchange.ParseDecimal("takerCommission", r.takerCommission); err != nil {
		return domain.MarketLimits{}, err
	}
	return ml, nil
}

func orderStatus(s string) domain.OrderStatus {
	switch bn.OrderStatusType(s) {
	case bn.OrderStatusTypeFilled:
		return domain.OrderStatusClosed
	case bn.OrderStatusTypeCanceled, bn.OrderStatusTypeRejected, bn.OrderStatusTypeExpired:
		return domain.OrderStatusCanceled
	case "EXPIRED_IN_MATCH":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusOpen
	}
}

// rawOrder the fields shared by order create and query responses.
type rawOrder struct {
	clientID  string
	side      string
	typ       string
	price     string
	quoteQty  string
	origQty   string
	execQty   string
	status    string
	timestamp int64
}

func (o rawOrder) toDomain() (domain.Order, error) {
	price, err := exchange.ParseDecimal("price", o.price)
	if err != nil {
		return domain.Order{}, err
	}
	amount, err := exchange.ParseDecimal("origQty", o.origQty)
	if err != nil {
		return domain.Order{}, err
	}
	filled, err := exchange.ParseDecimal("executedQty", o.execQty)
	if err != nil {
		return domain.Order{}, err
	}
	quote, err := exchange.ParseDecimal("cummulativeQuoteQty", o.quoteQty)
	if err != nil {
		return domain.Order{}, err
	}

	// market orders carry no price, report the average fill price instead
	if price.IsZero() && filled.IsPositive() {
		price = quote.Div(filled)
	}

	typ := domain.OrderTypeLimit
	if bn.OrderType(o.typ) == bn.OrderTypeMarket {
		typ = domain.OrderTypeMarket
	}

	status := orderStatus(o.status)
	remaining := amount.Sub(filled)
	if status.IsTerminal() || remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return domain.Order{
		ID:        o.clientID,
		Side:      domain.Side(o.side),
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Filled:    filled,
		Remaining: remaining,
		Status:    status,
		Timestamp: time.UnixMilli(o.timestamp).UTC(),
	}, nil
}

func fromCreateResponse(r *bn.CreateOrderResponse) rawOrder {
	return rawOrder{
		clientID:  r.ClientOrderID,
		side:      string(r.Side),
		typ:       string(r.Type),
		price:     r.Price,
		quoteQty:  r.CummulativeQuoteQuantity,
		origQty:   r.OrigQuantity,
		execQty:   r.ExecutedQuantity,
		status:    string(r.Status),
		timestamp: r.TransactTime,
	}
}

func fromOrder(o *bn.Order) rawOrder {
	return rawOrder{
		clientID:  o.ClientOrderID,
		side:      string(o.Side),
		typ:       string(o.Type),
		price:     o.Price,
		quoteQty:  o.CummulativeQuoteQuantity,
		origQty:   o.OrigQuantity,
		execQty:   o.ExecutedQuantity,
		status:    string(o.Status),
		timestamp: o.Time,
	}
}

func toCandle(openTime int64, open, high, low, closePrice, volume string) (domain.Candle, error) {
	c := domain.Candle{Start: time.UnixMilli(openTime).UTC()}
	var err error
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", open, &c.Open},
		{"high", high, &c.High},
		{"low", low, &c.Low},
		{"close", closePrice, &c.Close},
		{"volume", volume, &c.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = exchange.ParseDecimal(f.name, f.raw); err != nil {
			return domain.Candle{}, err
		}
	}
	return c, nil
}

func toTrade(t *bn.TradeV3, fee decimal.Decimal) (domain.Trade, error) {
	price, err := exchange.ParseDecimal("price", t.Price)
	if err != nil {
		return domain.Trade{}, err
	}
	qty, err := exchange.ParseDecimal("qty", t.Quantity)
	if err != nil {
		return domain.Trade{}, err
	}
	side := domain.SideSell
	if t.IsBuyer {
		side = domain.SideBuy
	}
	return domain.Trade{
		ID:        strconv.FormatInt(t.ID, 10),
		OrderID:   strconv.FormatInt(t.OrderID, 10),
		Side:      side,
		Amount:    qty,
		Price:     price,
		Timestamp: time.UnixMilli(t.Time).UTC(),
		Fee:       domain.Fee{Rate: fee.Mul(decimal.NewFromInt(100))},
	}, nil
}
