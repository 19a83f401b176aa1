package simulated

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
	"github.com/youtix/gekko2-sub000/internal/storage/simstate"
)

var (
	testPair  = domain.Pair{From: "BTC", To: "USDT"}
	testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testMarket() domain.MarketLimits {
	return domain.MarketLimits{
		Price:     domain.Between(d("1"), d("1000000")),
		Amount:    domain.Between(d("0.001"), d("1000")),
		Cost:      domain.AtLeast(d("10")),
		Precision: domain.Precision{Price: 2, Amount: 3},
		Fee:       domain.Fees{Maker: d("0.001"), Taker: d("0.002")},
	}
}

func portfolio(asset, currency string) domain.Portfolio {
	return domain.Portfolio{
		Asset:    domain.NewBalanceDetail(d(asset)),
		Currency: domain.NewBalanceDetail(d(currency)),
	}
}

func newEngine(t *testing.T, market domain.MarketLimits, p domain.Portfolio) *Engine {
	t.Helper()
	e, err := New(Config{Pair: testPair, MarketData: market, Portfolio: p, StartTime: testStart}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func candleAt(minute int, open, high, low, close string) domain.Candle {
	return domain.Candle{
		Start:  testStart.Add(time.Duration(minute) * time.Minute),
		Open:   d(open),
		High:   d(high),
		Low:    d(low),
		Close:  d(close),
		Volume: d("1"),
	}
}

func mustPortfolio(t *testing.T, e *Engine) domain.Portfolio {
	t.Helper()
	p, err := e.FetchPortfolio(context.Background())
	require.NoError(t, err)
	require.True(t, p.Consistent(), "portfolio must stay consistent: %+v", p)
	return p
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(expected).Equal(actual), append([]interface{}{"expected %s, got %s", expected, actual.String()}, msgAndArgs...)...)
}

func assertSamePortfolio(t *testing.T, expected, actual domain.Portfolio) {
	t.Helper()
	pairs := [][2]decimal.Decimal{
		{expected.Asset.Free, actual.Asset.Free},
		{expected.Asset.Used, actual.Asset.Used},
		{expected.Asset.Total, actual.Asset.Total},
		{expected.Currency.Free, actual.Currency.Free},
		{expected.Currency.Used, actual.Currency.Used},
		{expected.Currency.Total, actual.Currency.Total},
	}
	for _, p := range pairs {
		assert.True(t, p[0].Equal(p[1]), "expected %s, got %s", p[0].String(), p[1].String())
	}
}

func TestNew(t *testing.T) {
	t.Run("start time is required", func(t *testing.T) {
		_, err := New(Config{Pair: testPair, MarketData: testMarket(), Portfolio: portfolio("0", "1000")}, zap.NewNop())
		assert.ErrorIs(t, err, domain.ErrMissingStartTime)
	})

	t.Run("inconsistent portfolio is rejected", func(t *testing.T) {
		p := portfolio("0", "1000")
		p.Currency.Used = d("5")
		_, err := New(Config{Pair: testPair, MarketData: testMarket(), Portfolio: p, StartTime: testStart}, nil)
		assert.Error(t, err)
	})

	t.Run("clock starts at start time", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		now, err := e.Now(context.Background())
		require.NoError(t, err)
		assert.True(t, now.Equal(testStart))
		assert.NoError(t, e.LoadMarkets(context.Background()))
		assert.Equal(t, Name, e.Name())
	})

	t.Run("balance is a copy of the portfolio", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("1", "1000"))
		b, err := e.FetchBalance(context.Background())
		require.NoError(t, err)
		assertSamePortfolio(t, portfolio("1", "1000"), b)

		b.Currency.Free = d("0")
		assertSamePortfolio(t, portfolio("1", "1000"), mustPortfolio(t, e))
	})
}

func TestCreateLimitOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through fetch order", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))

		created, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("2"), d("100"))
		require.NoError(t, err)

		got, err := e.FetchOrder(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusOpen, got.Status)
		assert.Equal(t, domain.OrderTypeLimit, got.Type)
		assert.True(t, got.Filled.IsZero())
		assertDecimal(t, "2", got.Remaining)
		assert.True(t, got.Timestamp.Equal(testStart))
	})

	t.Run("buy reserves cost plus maker fee", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))

		_, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("2"), d("100"))
		require.NoError(t, err)

		p := mustPortfolio(t, e)
		assertDecimal(t, "799.8", p.Currency.Free)
		assertDecimal(t, "200.2", p.Currency.Used)
		assertDecimal(t, "1000", p.Currency.Total)
	})

	t.Run("sell reserves asset", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("1", "0"))

		_, err := e.CreateLimitOrder(ctx, domain.SideSell, d("0.5"), d("100"))
		require.NoError(t, err)

		p := mustPortfolio(t, e)
		assertDecimal(t, "0.5", p.Asset.Free)
		assertDecimal(t, "0.5", p.Asset.Used)
	})

	t.Run("insufficient balance leaves balances untouched", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))

		_, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("10"), d("100"))

		var invalid *domain.InvalidOrderError
		require.ErrorAs(t, err, &invalid)
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		p := mustPortfolio(t, e)
		assertDecimal(t, "1000", p.Currency.Free)
		assert.True(t, p.Currency.Used.IsZero())
	})

	t.Run("limits are enforced", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("10", "100000"))

		tests := []struct {
			name     string
			amount   string
			price    string
			property string
		}{
			{"price too low", "1", "0.5", "price"},
			{"amount too small", "0.0001", "50000", "amount"},
			{"amount too large", "1001", "10", "amount"},
			{"cost too small", "0.001", "100", "cost"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := e.CreateLimitOrder(ctx, domain.SideBuy, d(tt.amount), d(tt.price))
				var outOfRange *domain.OrderOutOfRangeError
				require.ErrorAs(t, err, &outOfRange)
				assert.Equal(t, tt.property, outOfRange.Property)
			})
		}
	})

	t.Run("unset limits impose nothing", func(t *testing.T) {
		e := newEngine(t, domain.MarketLimits{}, portfolio("0", "1"))

		_, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("0.00001"), d("0.5"))
		assert.NoError(t, err)
	})

	t.Run("shape errors", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		var invalid *domain.InvalidOrderError

		_, err := e.CreateLimitOrder(ctx, domain.Side("HOLD"), d("1"), d("100"))
		assert.ErrorAs(t, err, &invalid)
		_, err = e.CreateLimitOrder(ctx, domain.SideBuy, d("-1"), d("100"))
		assert.ErrorAs(t, err, &invalid)
		_, err = e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("0"))
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestCreateMarketOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("buy pays taker fee at ask", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "102", "99", "101")))

		o, err := e.CreateMarketOrder(ctx, domain.SideBuy, d("2"))
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusClosed, o.Status)
		assertDecimal(t, "2", o.Filled)
		assert.True(t, o.Remaining.IsZero())
		assertDecimal(t, "101", o.Price)

		p := mustPortfolio(t, e)
		assertDecimal(t, "797.596", p.Currency.Total)
		assertDecimal(t, "797.596", p.Currency.Free)
		assertDecimal(t, "1000", p.Currency.Free.Add(d("202.404")))
		assertDecimal(t, "2", p.Asset.Total)
	})

	t.Run("sell receives proceeds minus taker fee at bid", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("1", "0"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "102", "99", "101")))

		_, err := e.CreateMarketOrder(ctx, domain.SideSell, d("1"))
		require.NoError(t, err)

		p := mustPortfolio(t, e)
		assertDecimal(t, "100.798", p.Currency.Free)
		assert.True(t, p.Asset.Total.IsZero())
	})

	t.Run("requires a ticker", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))

		_, err := e.CreateMarketOrder(ctx, domain.SideBuy, d("1"))
		var invalid *domain.InvalidOrderError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "100"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "102", "99", "101")))

		_, err := e.CreateMarketOrder(ctx, domain.SideBuy, d("1"))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		p := mustPortfolio(t, e)
		assertDecimal(t, "100", p.Currency.Free)
	})
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("restores balances exactly", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("3", "1000"))
		before := mustPortfolio(t, e)

		buy, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("0.123"), d("333.33"))
		require.NoError(t, err)
		sell, err := e.CreateLimitOrder(ctx, domain.SideSell, d("1.7"), d("400"))
		require.NoError(t, err)

		canceled, err := e.CancelOrder(ctx, buy.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCanceled, canceled.Status)
		_, err = e.CancelOrder(ctx, sell.ID)
		require.NoError(t, err)

		assertSamePortfolio(t, before, mustPortfolio(t, e))

		open, err := e.FetchOpenOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("unknown order", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))

		_, err := e.CancelOrder(ctx, "404")
		var notFound *domain.OrderNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "404", notFound.ID)

		_, err = e.FetchOrder(ctx, "404")
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("terminal orders are returned unchanged", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		o, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("2"), d("100"))
		require.NoError(t, err)
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "101", "101", "99", "100")))

		filled, err := e.FetchOrder(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusClosed, filled.Status)
		balances := mustPortfolio(t, e)

		again, err := e.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, filled, again)
		assertSamePortfolio(t, balances, mustPortfolio(t, e))

		canceled, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("50"))
		require.NoError(t, err)
		first, err := e.CancelOrder(ctx, canceled.ID)
		require.NoError(t, err)
		second, err := e.CancelOrder(ctx, canceled.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestProcessOneMinuteCandle(t *testing.T) {
	ctx := context.Background()

	t.Run("buy fill boundary is inclusive", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		o, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("2"), d("100"))
		require.NoError(t, err)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "101", "102", "100.01", "101")))
		got, err := e.FetchOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusOpen, got.Status)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(1, "101", "102", "100", "101")))
		got, err = e.FetchOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusClosed, got.Status)
		assertDecimal(t, "2", got.Filled)
		assert.True(t, got.Remaining.IsZero())
		assert.True(t, got.Timestamp.Equal(testStart.Add(2*time.Minute)))

		p := mustPortfolio(t, e)
		assert.True(t, p.Currency.Used.IsZero())
		assertDecimal(t, "799.8", p.Currency.Total)
		assertDecimal(t, "2", p.Asset.Free)
	})

	t.Run("sell fills when high reaches price", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("1", "0"))
		o, err := e.CreateLimitOrder(ctx, domain.SideSell, d("1"), d("200"))
		require.NoError(t, err)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "190", "199.99", "180", "195")))
		got, _ := e.FetchOrder(ctx, o.ID)
		assert.Equal(t, domain.OrderStatusOpen, got.Status)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(1, "195", "200", "190", "198")))
		got, _ = e.FetchOrder(ctx, o.ID)
		assert.Equal(t, domain.OrderStatusClosed, got.Status)

		p := mustPortfolio(t, e)
		assert.True(t, p.Asset.Total.IsZero())
		assertDecimal(t, "199.8", p.Currency.Free)
	})

	t.Run("ticker and clock follow the candle", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(5, "1", "3", "1", "2.5")))

		ticker, err := e.FetchTicker(ctx)
		require.NoError(t, err)
		assertDecimal(t, "2.5", ticker.Bid)
		assertDecimal(t, "2.5", ticker.Ask)

		now, err := e.Now(ctx)
		require.NoError(t, err)
		assert.True(t, now.Equal(testStart.Add(6*time.Minute)))
	})

	t.Run("orders placed after a candle carry its close time", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "100", "100", "100")))

		o, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("50"))
		require.NoError(t, err)
		assert.True(t, o.Timestamp.Equal(testStart.Add(time.Minute)))
	})

	t.Run("out of order candle is rejected", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(3, "1", "1", "1", "1")))

		err := e.ProcessOneMinuteCandle(ctx, candleAt(2, "1", "1", "1", "1"))
		assert.ErrorIs(t, err, ErrCandleOutOfOrder)
		assert.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(3, "1", "1", "1", "1")))
	})

	t.Run("closed orders never change", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		o, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("100"))
		require.NoError(t, err)
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "100", "90", "95")))
		closed, err := e.FetchOrder(ctx, o.ID)
		require.NoError(t, err)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(1, "95", "95", "10", "20")))
		again, err := e.FetchOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, closed, again)
	})

	t.Run("subscribers may call back into the engine", func(t *testing.T) {
		e := newEngine(t, testMarket(), portfolio("0", "1000"))
		var seen []decimal.Decimal
		unsubscribe, err := e.OnNewCandle(func(c domain.Candle) {
			ticker, err := e.FetchTicker(ctx)
			require.NoError(t, err)
			seen = append(seen, ticker.Bid)
		})
		require.NoError(t, err)

		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "1", "1", "1", "7")))
		unsubscribe()
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(1, "1", "1", "1", "8")))

		require.Len(t, seen, 1)
		assertDecimal(t, "7", seen[0])
	})
}

func TestGetKlines(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testMarket(), portfolio("0", "1000"))
	for i := 0; i < 10; i++ {
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(i, "1", "1", "1", "1")))
	}

	starts := func(candles []domain.Candle) []int {
		out := make([]int, 0, len(candles))
		for _, c := range candles {
			out = append(out, int(c.Start.Sub(testStart)/time.Minute))
		}
		return out
	}

	tests := []struct {
		name  string
		query exchange.KlinesQuery
		want  []int
	}{
		{"last candles without from", exchange.KlinesQuery{Limit: 3}, []int{7, 8, 9}},
		{"everything without limit", exchange.KlinesQuery{}, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"exact start", exchange.KlinesQuery{From: testStart.Add(4 * time.Minute), Limit: 2}, []int{4, 5}},
		{"between candles", exchange.KlinesQuery{From: testStart.Add(4*time.Minute + 30*time.Second), Limit: 2}, []int{5, 6}},
		{"from before history", exchange.KlinesQuery{From: testStart.Add(-time.Hour), Limit: 1}, []int{0}},
		{"from after history", exchange.KlinesQuery{From: testStart.Add(time.Hour), Limit: 5}, []int{}},
		{"tail without limit", exchange.KlinesQuery{From: testStart.Add(8 * time.Minute), Timeframe: "1m"}, []int{8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.GetKlines(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, starts(got))
		})
	}

	t.Run("returned candles are copies", func(t *testing.T) {
		got, err := e.FetchOHLCV(ctx, time.Time{}, 1)
		require.NoError(t, err)
		got[0].Close = d("999")

		again, err := e.FetchOHLCV(ctx, time.Time{}, 1)
		require.NoError(t, err)
		assertDecimal(t, "1", again[0].Close)
	})

	t.Run("other timeframes are unsupported", func(t *testing.T) {
		_, err := e.GetKlines(ctx, exchange.KlinesQuery{Timeframe: "5m"})
		assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
	})
}

func TestFetchMyTrades(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testMarket(), portfolio("0", "1000"))

	limit, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)
	canceled, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("50"))
	require.NoError(t, err)
	_, err = e.CancelOrder(ctx, canceled.ID)
	require.NoError(t, err)
	_, err = e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("60"))
	require.NoError(t, err)

	require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "101", "99", "100")))
	require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(1, "100", "101", "99", "100")))
	market, err := e.CreateMarketOrder(ctx, domain.SideSell, d("0.5"))
	require.NoError(t, err)

	trades, err := e.FetchMyTrades(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, limit.ID, trades[0].OrderID)
	assertDecimal(t, "0.1", trades[0].Fee.Rate)
	assertDecimal(t, "1", trades[0].Amount)
	assert.True(t, trades[0].Timestamp.Equal(testStart.Add(time.Minute)))

	assert.Equal(t, market.ID, trades[1].OrderID)
	assertDecimal(t, "0.2", trades[1].Fee.Rate)
	assertDecimal(t, "0.5", trades[1].Amount)

	later, err := e.FetchMyTrades(ctx, testStart.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, market.ID, later[0].OrderID)
}

func TestConcurrentReservations(t *testing.T) {
	market := domain.MarketLimits{Fee: domain.Fees{Maker: decimal.Zero, Taker: decimal.Zero}}

	tests := []struct {
		name      string
		orders    int
		succeeded int
	}{
		{"all orders fit the budget", 5, 5},
		{"one order too many", 6, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, market, portfolio("0", "1000"))

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				ok       int
				rejected int
			)
			for i := 0; i < tt.orders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.CreateLimitOrder(context.Background(), domain.SideBuy, d("2"), d("100"))
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
						rejected++
						return
					}
					ok++
				}()
			}
			wg.Wait()

			assert.Equal(t, tt.succeeded, ok)
			assert.Equal(t, tt.orders-tt.succeeded, rejected)
			p := mustPortfolio(t, e)
			assert.True(t, p.Currency.Free.IsZero())
			assertDecimal(t, "1000", p.Currency.Used)
		})
	}
}

func TestBalanceConservation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	e := newEngine(t, testMarket(), portfolio("5", "5000"))

	price := d("100")
	var ids []string
	for minute := 0; minute < 200; minute++ {
		switch rng.Intn(4) {
		case 0:
			o, err := e.CreateLimitOrder(ctx, domain.SideBuy, decimal.NewFromInt(int64(rng.Intn(3)+1)), price.Sub(decimal.NewFromInt(int64(rng.Intn(5)))))
			if err == nil {
				ids = append(ids, o.ID)
			}
		case 1:
			o, err := e.CreateLimitOrder(ctx, domain.SideSell, decimal.NewFromInt(int64(rng.Intn(3)+1)), price.Add(decimal.NewFromInt(int64(rng.Intn(5)))))
			if err == nil {
				ids = append(ids, o.ID)
			}
		case 2:
			if len(ids) > 0 {
				_, err := e.CancelOrder(ctx, ids[rng.Intn(len(ids))])
				require.NoError(t, err)
			}
		case 3:
			side := domain.SideBuy
			if rng.Intn(2) == 0 {
				side = domain.SideSell
			}
			_, _ = e.CreateMarketOrder(ctx, side, d("0.5"))
		}
		mustPortfolio(t, e)

		move := decimal.NewFromInt(int64(rng.Intn(7) - 3))
		price = price.Add(move)
		c := domain.Candle{
			Start: testStart.Add(time.Duration(minute) * time.Minute),
			Open:  price,
			High:  price.Add(d("2")),
			Low:   price.Sub(d("2")),
			Close: price,
		}
		require.NoError(t, e.ProcessOneMinuteCandle(ctx, c))

		p := mustPortfolio(t, e)
		assert.False(t, p.Asset.Free.IsNegative())
		assert.False(t, p.Currency.Free.IsNegative())
	}

	open, err := e.FetchOpenOrders(ctx)
	require.NoError(t, err)
	for _, o := range open {
		_, err := e.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
	}
	final := mustPortfolio(t, e)
	assert.True(t, final.Asset.Used.IsZero())
	assert.True(t, final.Currency.Used.IsZero())
	assert.True(t, final.Equity(price).IsPositive())
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, testMarket(), portfolio("1", "1000"))

	filled, err := e.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("100"))
	require.NoError(t, err)
	resting, err := e.CreateLimitOrder(ctx, domain.SideSell, d("1"), d("500"))
	require.NoError(t, err)
	require.NoError(t, e.ProcessOneMinuteCandle(ctx, candleAt(0, "100", "100", "99", "100")))

	state, err := e.Snapshot(ctx)
	require.NoError(t, err)

	restored := newEngine(t, testMarket(), portfolio("0", "0"))
	require.NoError(t, restored.Restore(ctx, state))

	assertSamePortfolio(t, mustPortfolio(t, e), mustPortfolio(t, restored))
	open, err := restored.FetchOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, resting.ID, open[0].ID)

	got, err := restored.FetchOrder(ctx, filled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, got.Status)

	next, err := restored.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("50"))
	require.NoError(t, err)
	assert.Equal(t, "3", next.ID)

	now, err := restored.Now(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(testStart.Add(time.Minute)))

	t.Run("other pair is rejected", func(t *testing.T) {
		other := state
		other.Pair = "ETH_USDT"
		assert.Error(t, restored.Restore(ctx, other))
	})

	t.Run("stale sequence never reissues a stored id", func(t *testing.T) {
		stale := state
		stale.Sequence = 0
		fresh := newEngine(t, testMarket(), portfolio("0", "0"))
		require.NoError(t, fresh.Restore(ctx, stale))

		next, err := fresh.CreateLimitOrder(ctx, domain.SideBuy, d("1"), d("50"))
		require.NoError(t, err)
		assert.Equal(t, "3", next.ID)

		kept, err := fresh.FetchOrder(ctx, resting.ID)
		require.NoError(t, err)
		assert.True(t, kept.Price.Equal(d("500")))
		assert.Equal(t, domain.SideSell, kept.Side)

		open, err := fresh.FetchOpenOrders(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 2)
	})

	t.Run("used balance must match open orders", func(t *testing.T) {
		broken := state
		broken.Asset = simstate.StoredBalance{Free: "2", Used: "0", Total: "2"}
		fresh := newEngine(t, testMarket(), portfolio("0", "0"))
		assert.ErrorContains(t, fresh.Restore(ctx, broken), "does not match open orders")
	})
}
