package simulated

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// ProcessOneMinuteCandle advances the clock to the candle close, records the candle,
// moves the ticker to its close and settles resting orders in id order.
// A BUY fills when Low <= price, a SELL when High >= price. Subscribers are
// notified after the engine is unlocked.
func (e *Engine) ProcessOneMinuteCandle(ctx context.Context, candle domain.Candle) error {
	filled, err := e.ingest(ctx, candle)
	if err != nil {
		return err
	}

	e.recorder.CandleProcessed()
	for _, side := range filled {
		e.recorder.OrderFilled(side)
	}
	e.feed.Publish(candle)

	return nil
}

func (e *Engine) ingest(ctx context.Context, candle domain.Candle) ([]domain.Side, error) {
	release, err := e.mu.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if candle.Start.IsZero() {
		return nil, errors.New("candle start time is required")
	}
	if n := len(e.candles); n > 0 && candle.Start.Before(e.candles[n-1].Start) {
		return nil, errors.Wrapf(ErrCandleOutOfOrder, "got %s after %s",
			candle.Start.Format(time.RFC3339), e.candles[n-1].Start.Format(time.RFC3339))
	}

	e.clock = candle.CloseTime()
	e.candles = append(e.candles, candle)
	e.ticker = domain.Ticker{Bid: candle.Close, Ask: candle.Close}
	e.hasTicker = true

	var (
		filled []domain.Side
		open   = e.openIDs[:0]
	)
	for _, id := range e.openIDs {
		o := e.orders[id]
		if !crosses(o, candle) {
			open = append(open, id)
			continue
		}
		e.fill(o)
		filled = append(filled, o.Side)
	}
	e.openIDs = open

	return filled, nil
}

func crosses(o *domain.Order, c domain.Candle) bool {
	if o.Side == domain.SideBuy {
		return c.Low.LessThanOrEqual(o.Price)
	}
	return c.High.GreaterThanOrEqual(o.Price)
}

// fill settles a resting order at its limit price, paying the maker fee.
func (e *Engine) fill(o *domain.Order) {
	maker := e.market.Fee.Maker
	cost := o.Price.Mul(o.Amount)
	asset, currency := &e.portfolio.Asset, &e.portfolio.Currency

	if o.Side == domain.SideBuy {
		held := cost.Mul(one.Add(maker))
		currency.Used = currency.Used.Sub(held)
		currency.Total = currency.Total.Sub(held)
		asset.Free = asset.Free.Add(o.Amount)
		asset.Total = asset.Total.Add(o.Amount)
	} else {
		gain := cost.Mul(one.Sub(maker))
		asset.Used = asset.Used.Sub(o.Amount)
		asset.Total = asset.Total.Sub(o.Amount)
		currency.Free = currency.Free.Add(gain)
		currency.Total = currency.Total.Add(gain)
	}

	o.Status = domain.OrderStatusClosed
	o.Filled = o.Amount
	o.Remaining = decimal.Zero
	o.Timestamp = e.clock

	e.logger.Debug("limit order filled",
		zap.String("id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("price", o.Price.String()),
		zap.Time("at", e.clock))
}
