package simulated

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/storage/simstate"
	"github.com/youtix/gekko2-sub000/pkg/mutex"
)

// Snapshot captures balances, orders and the clock. Candle history is not included.
func (e *Engine) Snapshot(ctx context.Context) (simstate.State, error) {
	return mutex.RunExclusive(ctx, e.mu, func() (simstate.State, error) {
		orders := make([]domain.Order, 0, len(e.orderLog))
		for _, id := range e.orderLog {
			orders = append(orders, *e.orders[id])
		}
		return simstate.NewState(e.pair, e.clock, e.sequence, e.portfolio, orders), nil
	})
}

// Restore replaces balances, orders and the clock with a saved state of the same pair.
func (e *Engine) Restore(ctx context.Context, state simstate.State) error {
	if state.Pair != e.pair.String() {
		return errors.Errorf("state belongs to %s, engine trades %s", state.Pair, e.pair.String())
	}
	portfolio, err := state.Portfolio()
	if err != nil {
		return err
	}
	if !portfolio.Consistent() {
		return errors.New("stored portfolio is inconsistent")
	}
	orders, err := state.DomainOrders()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(orders))
	sequence := state.Sequence
	for _, o := range orders {
		if _, dup := seen[o.ID]; dup {
			return errors.Errorf("duplicate order id %s in stored state", o.ID)
		}
		seen[o.ID] = struct{}{}
		if n, err := strconv.ParseUint(o.ID, 10, 64); err == nil && n > sequence {
			sequence = n
		}
	}
	if err := e.checkReservations(portfolio, orders); err != nil {
		return err
	}

	return e.mu.Do(ctx, func() error {
		e.orders = make(map[string]*domain.Order, len(orders))
		e.orderLog = e.orderLog[:0]
		e.openIDs = e.openIDs[:0]
		for i := range orders {
			o := orders[i]
			e.register(&o)
			if o.Status == domain.OrderStatusOpen {
				e.openIDs = append(e.openIDs, o.ID)
			}
		}
		e.portfolio = portfolio
		e.sequence = sequence
		if state.Clock.After(e.clock) {
			e.clock = state.Clock
		}

		e.logger.Info("simulated state restored",
			zap.Int("orders", len(orders)),
			zap.Int("open", len(e.openIDs)),
			zap.Time("clock", e.clock))
		return nil
	})
}

// checkReservations verifies that the used balances equal what the open orders hold.
func (e *Engine) checkReservations(portfolio domain.Portfolio, orders []domain.Order) error {
	heldAsset, heldCurrency := decimal.Zero, decimal.Zero
	for _, o := range orders {
		if o.Status != domain.OrderStatusOpen {
			continue
		}
		held := e.reservation(o.Side, o.Amount, o.Price)
		if o.Side == domain.SideBuy {
			heldCurrency = heldCurrency.Add(held)
		} else {
			heldAsset = heldAsset.Add(held)
		}
	}
	if !portfolio.Asset.Used.Equal(heldAsset) {
		return errors.Errorf("stored %s used %s does not match open orders holding %s",
			e.pair.From, portfolio.Asset.Used, heldAsset)
	}
	if !portfolio.Currency.Used.Equal(heldCurrency) {
		return errors.Errorf("stored %s used %s does not match open orders holding %s",
			e.pair.To, portfolio.Currency.Used, heldCurrency)
	}
	return nil
}
