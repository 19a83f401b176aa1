//go:build integration

package binance

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/clients"
	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// Calls the real Binance API. Run with: go test -tags=integration ./internal/exchange/...
func TestConnector_PublicData_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"), false)
	conn := New(client, domain.Pair{From: "BTC", To: "USDT"}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("ticker", func(t *testing.T) {
		ticker, err := conn.FetchTicker(ctx)
		require.NoError(t, err)
		assert.True(t, ticker.Bid.IsPositive())
		assert.True(t, ticker.Ask.GreaterThanOrEqual(ticker.Bid))
	})

	t.Run("klines", func(t *testing.T) {
		from := time.Now().Add(-10 * time.Minute).Truncate(time.Minute)
		candles, err := conn.GetKlines(ctx, exchange.KlinesQuery{From: from, Limit: 5})
		require.NoError(t, err)
		require.NotEmpty(t, candles)
		assert.False(t, candles[0].Start.Before(from))
		for _, c := range candles {
			assert.True(t, c.Low.LessThanOrEqual(c.High))
		}
	})

	t.Run("unknown symbol", func(t *testing.T) {
		bad := New(client, domain.Pair{From: "INVALID", To: "PAIR"}, zap.NewNop())
		_, err := bad.FetchTicker(ctx)
		assert.Error(t, err)
	})

	if os.Getenv("BINANCE_API_KEY") == "" {
		t.Log("BINANCE_API_KEY not set, skipping market rules")
		return
	}
	t.Run("markets", func(t *testing.T) {
		limits, err := conn.LoadMarkets(ctx)
		require.NoError(t, err)
		assert.True(t, limits.Amount.Min.Valid)
		assert.Positive(t, limits.Precision.Price)
	})
}
