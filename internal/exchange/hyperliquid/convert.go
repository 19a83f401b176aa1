package hyperliquid

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// cloid derives the 16 byte client order id hyperliquid accepts from a free-form id.
func cloid(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return "0x" + hex.EncodeToString(sum[:16])
}

// timeframeDuration parses "1m", "15m", "4h", "1d" style intervals.
func timeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, errors.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("unsupported timeframe unit in %q", tf)
	}
}

// window start and end in ms for a klines query.
func window(q exchange.KlinesQuery, dur time.Duration, limit int, now time.Time) (int64, int64) {
	span := time.Duration(limit) * dur
	if q.From.IsZero() {
		return now.Add(-span).UnixMilli(), now.UnixMilli()
	}
	end := q.From.Add(span)
	if end.After(now) {
		end = now
	}
	return q.From.UnixMilli(), end.UnixMilli()
}

func toCandle(openMs int64, open, high, low, closePrice, volume string) (domain.Candle, error) {
	c := domain.Candle{Start: time.UnixMilli(openMs).UTC()}
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

func orderStatus(s string) domain.OrderStatus {
	switch {
	case s == "filled":
		return domain.OrderStatusClosed
	case s == "open", s == "triggered":
		return domain.OrderStatusOpen
	case strings.Contains(strings.ToLower(s), "cancel"), strings.Contains(strings.ToLower(s), "reject"):
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusOpen
	}
}

// rawOrder queried order fields. side is "B" for bids and "A" for asks.
type rawOrder struct {
	id        string
	side      string
	tif       string
	limitPx   string
	origSz    string
	sz        string
	status    string
	timestamp int64
}

func (o rawOrder) toDomain() (domain.Order, error) {
	price, err := exchange.ParseDecimal("limitPx", o.limitPx)
	if err != nil {
		return domain.Order{}, err
	}
	amount, err := exchange.ParseDecimal("origSz", o.origSz)
	if err != nil {
		return domain.Order{}, err
	}
	resting, err := exchange.ParseDecimal("sz", o.sz)
	if err != nil {
		return domain.Order{}, err
	}

	status := orderStatus(o.status)
	filled := amount.Sub(resting)
	remaining := resting
	if status == domain.OrderStatusClosed {
		filled, remaining = amount, decimal.Zero
	} else if status == domain.OrderStatusCanceled {
		remaining = decimal.Zero
	}

	side := domain.SideSell
	if o.side == "B" {
		side = domain.SideBuy
	}
	// market orders are sent as immediate-or-cancel limits
	typ := domain.OrderTypeLimit
	if strings.EqualFold(o.tif, "Ioc") {
		typ = domain.OrderTypeMarket
	}

	return domain.Order{
		ID:        o.id,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Filled:    filled,
		Remaining: remaining,
		Status:    status,
		Timestamp: time.UnixMilli(o.timestamp).UTC(),
	}, nil
}
