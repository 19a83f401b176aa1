package simulated

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/limits"
	"github.com/youtix/gekko2-sub000/pkg/mutex"
)

const (
	rejectOutOfRange   = "out_of_range"
	rejectInsufficient = "insufficient_balance"
	rejectInvalid      = "invalid"
)

// CreateLimitOrder validates the order, reserves balance for it and leaves it resting.
// BUY reserves price*amount*(1+maker) currency, SELL reserves amount asset.
func (e *Engine) CreateLimitOrder(ctx context.Context, side domain.Side, amount, price decimal.Decimal) (domain.Order, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Order, error) {
		if err := e.validateLimit(side, amount, price); err != nil {
			e.reject(err)
			return domain.Order{}, err
		}
		if err := e.reserve(side, amount, price); err != nil {
			e.reject(err)
			return domain.Order{}, err
		}

		o := &domain.Order{
			ID:        e.nextID(),
			Side:      side,
			Type:      domain.OrderTypeLimit,
			Price:     price,
			Amount:    amount,
			Filled:    decimal.Zero,
			Remaining: amount,
			Status:    domain.OrderStatusOpen,
			Timestamp: e.clock,
		}
		e.register(o)
		e.openIDs = append(e.openIDs, o.ID)
		e.recorder.OrderCreated(side, o.Type)

		e.logger.Debug("limit order created",
			zap.String("id", o.ID),
			zap.String("side", string(side)),
			zap.String("amount", amount.String()),
			zap.String("price", price.String()))

		return *o, nil
	})
}

// CreateMarketOrder fills immediately at the ask (BUY) or bid (SELL), paying the taker fee.
func (e *Engine) CreateMarketOrder(ctx context.Context, side domain.Side, amount decimal.Decimal) (domain.Order, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Order, error) {
		price, err := e.validateMarket(side, amount)
		if err != nil {
			e.reject(err)
			return domain.Order{}, err
		}

		taker := e.market.Fee.Taker
		cost := amount.Mul(price)
		asset, currency := &e.portfolio.Asset, &e.portfolio.Currency

		switch side {
		case domain.SideBuy:
			total := cost.Mul(one.Add(taker))
			if currency.Free.LessThan(total) {
				err := domain.NewInsufficientBalanceError(e.pair.To, currency.Free, total)
				e.reject(err)
				return domain.Order{}, err
			}
			currency.Free = currency.Free.Sub(total)
			currency.Total = currency.Total.Sub(total)
			asset.Free = asset.Free.Add(amount)
			asset.Total = asset.Total.Add(amount)
		case domain.SideSell:
			if asset.Free.LessThan(amount) {
				err := domain.NewInsufficientBalanceError(e.pair.From, asset.Free, amount)
				e.reject(err)
				return domain.Order{}, err
			}
			gain := cost.Mul(one.Sub(taker))
			asset.Free = asset.Free.Sub(amount)
			asset.Total = asset.Total.Sub(amount)
			currency.Free = currency.Free.Add(gain)
			currency.Total = currency.Total.Add(gain)
		}

		o := &domain.Order{
			ID:        e.nextID(),
			Side:      side,
			Type:      domain.OrderTypeMarket,
			Price:     price,
			Amount:    amount,
			Filled:    amount,
			Remaining: decimal.Zero,
			Status:    domain.OrderStatusClosed,
			Timestamp: e.clock,
		}
		e.register(o)
		e.recorder.OrderCreated(side, o.Type)
		e.recorder.OrderFilled(side)

		e.logger.Debug("market order filled",
			zap.String("id", o.ID),
			zap.String("side", string(side)),
			zap.String("amount", amount.String()),
			zap.String("price", price.String()))

		return *o, nil
	})
}

// CancelOrder releases the reservation of an open order. Canceling a terminal order
// returns it unchanged.
func (e *Engine) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (domain.Order, error) {
		o, ok := e.orders[id]
		if !ok {
			return domain.Order{}, &domain.OrderNotFoundError{ID: id}
		}
		if o.Status.IsTerminal() {
			return *o, nil
		}

		e.release(o.Side, o.Remaining, o.Price)
		o.Status = domain.OrderStatusCanceled
		e.removeOpen(id)
		e.recorder.OrderCanceled(o.Side)

		e.logger.Debug("order canceled", zap.String("id", id))

		return *o, nil
	})
}

func (e *Engine) validateLimit(side domain.Side, amount, price decimal.Decimal) error {
	if err := validateShape(side, amount); err != nil {
		return err
	}
	if !price.IsPositive() {
		return &domain.InvalidOrderError{Reason: "price must be positive"}
	}
	if _, err := limits.CheckPrice(price, e.market.Price); err != nil {
		return err
	}
	if _, err := limits.CheckAmount(amount, e.market.Amount); err != nil {
		return err
	}
	return limits.CheckCost(amount, price, e.market.Cost)
}

func (e *Engine) validateMarket(side domain.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validateShape(side, amount); err != nil {
		return decimal.Zero, err
	}
	if !e.hasTicker {
		return decimal.Zero, &domain.InvalidOrderError{Reason: "no ticker yet, ingest a candle first"}
	}
	price := e.ticker.Ask
	if side == domain.SideSell {
		price = e.ticker.Bid
	}
	if _, err := limits.CheckAmount(amount, e.market.Amount); err != nil {
		return decimal.Zero, err
	}
	if err := limits.CheckCost(amount, price, e.market.Cost); err != nil {
		return decimal.Zero, err
	}
	return price, nil
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

// reservation is the balance locked by a resting order of the given size.
func (e *Engine) reservation(side domain.Side, amount, price decimal.Decimal) decimal.Decimal {
	if side == domain.SideBuy {
		return price.Mul(amount).Mul(one.Add(e.market.Fee.Maker))
	}
	return amount
}

func (e *Engine) reserve(side domain.Side, amount, price decimal.Decimal) error {
	need := e.reservation(side, amount, price)
	b, currency := e.balanceFor(side)
	if b.Free.LessThan(need) {
		return domain.NewInsufficientBalanceError(currency, b.Free, need)
	}
	b.Free = b.Free.Sub(need)
	b.Used = b.Used.Add(need)
	return nil
}

func (e *Engine) release(side domain.Side, amount, price decimal.Decimal) {
	held := e.reservation(side, amount, price)
	b, _ := e.balanceFor(side)
	b.Used = b.Used.Sub(held)
	b.Free = b.Free.Add(held)
}

// balanceFor returns the balance a resting order of side draws on.
func (e *Engine) balanceFor(side domain.Side) (*domain.BalanceDetail, string) {
	if side == domain.SideBuy {
		return &e.portfolio.Currency, e.pair.To
	}
	return &e.portfolio.Asset, e.pair.From
}

func (e *Engine) nextID() string {
	e.sequence++
	return strconv.FormatUint(e.sequence, 10)
}

func (e *Engine) register(o *domain.Order) {
	e.orders[o.ID] = o
	e.orderLog = append(e.orderLog, o.ID)
}

func (e *Engine) removeOpen(id string) {
	for i, openID := range e.openIDs {
		if openID == id {
			e.openIDs = append(e.openIDs[:i], e.openIDs[i+1:]...)
			return
		}
	}
}

func (e *Engine) reject(err error) {
	var (
		outOfRange *domain.OrderOutOfRangeError
		reason     = rejectInvalid
	)
	switch {
	case errors.As(err, &outOfRange):
		reason = rejectOutOfRange
	case errors.Is(err, domain.ErrInsufficientBalance):
		reason = rejectInsufficient
	}
	e.recorder.OrderRejected(reason)
	e.logger.Debug("order rejected", zap.String("reason", reason), zap.Error(err))
}
