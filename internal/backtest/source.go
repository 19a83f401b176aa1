// Package backtest replays historical candles through the simulated exchange.
package backtest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// CandleSource yields one-minute candles oldest first. Next returns io.EOF when exhausted.
type CandleSource interface {
	Next(ctx context.Context) (domain.Candle, error)
	Close() error
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// parseTime accepts unix seconds, unix milliseconds or one of timeLayouts.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty time")
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse time %q", raw)
		}
		return parseTimeNumber(v), nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized time %q", raw)
}

func parseTimeNumber(v int64) time.Time {
	if v >= 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
