package bybit

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

var intervals = map[string]string{
	"1m":  "1",
	"3m":  "3",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"6h":  "360",
	"12h": "720",
	"1d":  "D",
	"1w":  "W",
}

func interval(timeframe string) (string, error) {
	iv, ok := intervals[timeframe]
	if !ok {
		return "", errors.Errorf("bybit does not support timeframe %q", timeframe)
	}
	return iv, nil
}

func parseMillis(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse %s %q", field, s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func toCandle(start, open, high, low, closePrice, volume string) (domain.Candle, error) {
	ts, err := parseMillis("startTime", start)
	if err != nil {
		return domain.Candle{}, err
	}
	c := domain.Candle{Start: ts}
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

// instrumentRules spot instrument filters as raw strings.
type instrumentRules struct {
	tickSize      string
	basePrecision string
	minOrderQty   string
	maxOrderQty   string
	minOrderAmt   string
	maxOrderAmt   string
}

func (r instrumentRules) limits(fees domain.Fees) (domain.MarketLimits, error) {
	var (
		ml  domain.MarketLimits
		err error
	)
	if ml.Amount.Min, err = exchange.OptionalBound("minOrderQty", r.minOrderQty); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Amount.Max, err = exchange.OptionalBound("maxOrderQty", r.maxOrderQty); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Cost.Min, err = exchange.OptionalBound("minOrderAmt", r.minOrderAmt); err != nil {
		return domain.MarketLimits{}, err
	}
	if ml.Cost.Max, err = exchange.OptionalBound("maxOrderAmt", r.maxOrderAmt); err != nil {
		return domain.MarketLimits{}, err
	}
	// bybit publishes no price band for spot, the tick is the smallest valid price
	if ml.Price.Min, err = exchange.OptionalBound("tickSize", r.tickSize); err != nil {
		return domain.MarketLimits{}, err
	}
	ml.Precision = domain.Precision{
		Price:  exchange.StepPrecision(r.tickSize),
		Amount: exchange.StepPrecision(r.basePrecision),
	}
	ml.Fee = fees
	return ml, nil
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "Filled":
		return domain.OrderStatusClosed
	case "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusOpen
	}
}

func side(s string) domain.Side {
	if s == "Buy" {
		return domain.SideBuy
	}
	return domain.SideSell
}

// rawOrder fields shared by the open and history order listings.
type rawOrder struct {
	linkID    string
	side      string
	typ       string
	price     string
	avgPrice  string
	qty       string
	cumExec   string
	status    string
	createdAt string
}

func (o rawOrder) toDomain() (domain.Order, error) {
	price, err := exchange.ParseDecimal("price", o.price)
	if err != nil {
		return domain.Order{}, err
	}
	avg, err := exchange.ParseDecimal("avgPrice", o.avgPrice)
	if err != nil {
		return domain.Order{}, err
	}
	amount, err := exchange.ParseDecimal("qty", o.qty)
	if err != nil {
		return domain.Order{}, err
	}
	filled, err := exchange.ParseDecimal("cumExecQty", o.cumExec)
	if err != nil {
		return domain.Order{}, err
	}
	ts, err := parseMillis("createdTime", o.createdAt)
	if err != nil {
		return domain.Order{}, err
	}

	typ := domain.OrderTypeLimit
	if o.typ == "Market" {
		typ = domain.OrderTypeMarket
		if avg.IsPositive() {
			price = avg
		}
	}

	status := orderStatus(o.status)
	remaining := amount.Sub(filled)
	if status.IsTerminal() || remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return domain.Order{
		ID:        o.linkID,
		Side:      side(o.side),
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Filled:    filled,
		Remaining: remaining,
		Status:    status,
		Timestamp: ts,
	}, nil
}

// rawExecution one fill from the execution list.
type rawExecution struct {
	execID   string
	orderID  string
	side     string
	price    string
	qty      string
	feeRate  string
	execTime string
}

func (e rawExecution) toDomain() (domain.Trade, error) {
	price, err := exchange.ParseDecimal("execPrice", e.price)
	if err != nil {
		return domain.Trade{}, err
	}
	qty, err := exchange.ParseDecimal("execQty", e.qty)
	if err != nil {
		return domain.Trade{}, err
	}
	rate, err := exchange.ParseDecimal("feeRate", e.feeRate)
	if err != nil {
		return domain.Trade{}, err
	}
	ts, err := parseMillis("execTime", e.execTime)
	if err != nil {
		return domain.Trade{}, err
	}
	return domain.Trade{
		ID:        e.execID,
		OrderID:   e.orderID,
		Side:      side(e.side),
		Amount:    qty,
		Price:     price,
		Timestamp: ts,
		Fee:       domain.Fee{Rate: rate.Abs().Mul(decimal.NewFromInt(100))},
	}, nil
}
