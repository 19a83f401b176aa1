package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

// DefaultPollInterval how often polling subscriptions ask for new candles.
const DefaultPollInterval = 10 * time.Second

// FetchCandlesFunc returns candles starting at from, oldest first.
type FetchCandlesFunc func(ctx context.Context, from time.Time) ([]domain.Candle, error)

// CandlePoller turns a kline endpoint into a candle subscription for exchanges
// without a usable stream. Only closed candles are delivered, each exactly once.
type CandlePoller struct {
	fetch    FetchCandlesFunc
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewCandlePoller creates a poller. Non-positive interval uses DefaultPollInterval.
func NewCandlePoller(fetch FetchCandlesFunc, interval time.Duration, logger *zap.Logger) *CandlePoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandlePoller{fetch: fetch, interval: interval, now: time.Now, logger: logger}
}

// Start polls in a goroutine until the returned stop func is called.
func (p *CandlePoller) Start(cb func(domain.Candle)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.run(ctx, cb)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (p *CandlePoller) run(ctx context.Context, cb func(domain.Candle)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := p.now().Truncate(domain.CandleDuration).Add(-domain.CandleDuration)
	for {
		last = p.poll(ctx, last, cb)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll delivers closed candles newer than last and returns the newest start delivered.
func (p *CandlePoller) poll(ctx context.Context, last time.Time, cb func(domain.Candle)) time.Time {
	candles, err := p.fetch(ctx, last.Add(domain.CandleDuration))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("candle poll failed", zap.Error(err))
		}
		return last
	}

	now := p.now()
	for _, c := range candles {
		if !c.Start.After(last) || c.CloseTime().After(now) {
			continue
		}
		cb(c)
		last = c.Start
	}
	return last
}
