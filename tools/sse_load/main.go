// Command sse_load opens many concurrent subscriptions to the portfolio stream and
// reports how many snapshot events they received.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	badEvents   atomic.Int64
}

func (s *stats) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("connect_errs", s.connectErrs.Load()),
		zap.Int64("stream_errs", s.streamErrs.Load()),
		zap.Int64("events", s.events.Load()),
		zap.Int64("bad_events", s.badEvents.Load()),
	}
}

func main() {
	var (
		targetURL   string
		connections int
		duration    time.Duration
		rampUp      time.Duration
	)
	flag.StringVar(&targetURL, "url", "http://localhost:8000/portfolio/stream", "portfolio stream URL")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent subscriptions")
	flag.DurationVar(&duration, "dur", time.Minute, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread subscription starts across this window")
	flag.Parse()

	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if rampUp == 0 && connections > 100 {
		// 1 second per 500 connections
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
		logger.Info("using default ramp-up", zap.Duration("ramp", rampUp))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Info("starting portfolio stream load",
		zap.String("url", targetURL),
		zap.Int("conns", connections),
		zap.Duration("dur", duration),
		zap.Duration("ramp", rampUp))

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	var st stats
	start := time.Now()
	go report(ctx, logger, &st)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if rampUp > 0 {
		limiter = rate.NewLimiter(rate.Every(rampUp/time.Duration(connections)), 1)
	}

	var wg sync.WaitGroup
	for i := 0; i < connections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe(ctx, client, targetURL, &st)
		}()
	}
	wg.Wait()

	elapsed := max(time.Since(start), time.Millisecond)
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d events=%d bad_events=%d elapsed=%s events/s=%.2f\n",
		st.connected.Load(),
		st.connectErrs.Load(),
		st.streamErrs.Load(),
		st.events.Load(),
		st.badEvents.Load(),
		elapsed.Truncate(time.Millisecond),
		float64(st.events.Load())/elapsed.Seconds())
}

func report(ctx context.Context, logger *zap.Logger, st *stats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status", st.fields()...)
		}
	}
}

func subscribe(ctx context.Context, client *http.Client, url string, st *stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.connectErrs.Add(1)
		return
	}
	st.connected.Add(1)

	err = readEvents(resp.Body, func(ev event) {
		if ev.name != "portfolio" {
			return
		}
		var snapshot domain.BalanceSnapshot
		if err := json.Unmarshal([]byte(ev.data), &snapshot); err != nil || snapshot.Pair == "" {
			st.badEvents.Add(1)
			return
		}
		st.events.Add(1)
	})
	if err != nil && ctx.Err() == nil {
		st.streamErrs.Add(1)
	}
}

type event struct {
	id   string
	name string
	data string
}

// readEvents calls fn for every complete frame until r ends. Comment lines are ignored.
func readEvents(r io.Reader, fn func(event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cur  event
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 || cur.name != "" {
				cur.data = strings.Join(data, "\n")
				fn(cur)
			}
			cur, data = event{}, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				cur.id = value
			case "event":
				cur.name = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
