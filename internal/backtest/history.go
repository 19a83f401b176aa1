package backtest

import (
	"context"
	"io"
	"time"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/exchange"
)

// defaultPageSize candles requested per GetKlines call.
const defaultPageSize = 500

// HistorySource pages one-minute candles out of an exchange, from From up to End.
// Zero End means up to the last closed candle at the time of each page request.
type HistorySource struct {
	ex       exchange.Exchange
	next     time.Time
	end      time.Time
	pageSize int
	now      func() time.Time

	buf  []domain.Candle
	done bool
}

var _ CandleSource = (*HistorySource)(nil)

// NewHistorySource creates a source reading ex history. Non-positive pageSize uses the default.
func NewHistorySource(ex exchange.Exchange, from, end time.Time, pageSize int) *HistorySource {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &HistorySource{
		ex:       ex,
		next:     from.Truncate(domain.CandleDuration),
		end:      end,
		pageSize: pageSize,
		now:      time.Now,
	}
}

func (s *HistorySource) Next(ctx context.Context) (domain.Candle, error) {
	for len(s.buf) == 0 {
		if s.done {
			return domain.Candle{}, io.EOF
		}
		if err := s.fill(ctx); err != nil {
			return domain.Candle{}, err
		}
	}

	c := s.buf[0]
	s.buf = s.buf[1:]
	return c, nil
}

func (s *HistorySource) fill(ctx context.Context) error {
	page, err := s.ex.GetKlines(ctx, exchange.KlinesQuery{
		From:      s.next,
		Timeframe: exchange.DefaultTimeframe,
		Limit:     s.pageSize,
	})
	if err != nil {
		return err
	}

	now := s.now()
	for _, c := range page {
		if c.Start.Before(s.next) {
			continue
		}
		if !s.end.IsZero() && !c.Start.Before(s.end) {
			s.done = true
			break
		}
		// the running minute is not history yet
		if c.CloseTime().After(now) {
			s.done = true
			break
		}
		s.buf = append(s.buf, c)
		s.next = c.Start.Add(domain.CandleDuration)
	}
	if len(page) == 0 || len(s.buf) == 0 {
		s.done = true
	}
	return nil
}

func (s *HistorySource) Close() error { return nil }
