package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/events"
)

const (
	snapshotPollInterval = 2 * time.Second
	heartbeatInterval    = 30 * time.Second
)

type balanceSnapshotReader interface {
	SnapshotsAfter(index uint64, pair string) ([]domain.BalanceSnapshotRecord, error)
	Latest(pair string) (domain.BalanceSnapshotRecord, bool, error)
}

// Server exposes portfolio snapshots over SSE and the prometheus registry.
type Server struct {
	addr     string
	store    balanceSnapshotReader
	balances *events.BalanceBroadcaster
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	poll     time.Duration
}

// Option configures the server.
type Option func(*Server)

// WithBalanceBroadcaster pushes new snapshots to streams as soon as they are published
// instead of waiting for the next poll.
func WithBalanceBroadcaster(b *events.BalanceBroadcaster) Option {
	return func(s *Server) { s.balances = b }
}

// WithGatherer serves g on /metrics. Default is prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new web server instance.
func NewServer(addr string, store balanceSnapshotReader, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		store:    store,
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
		poll:     snapshotPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/portfolio/latest", s.handleLatest)
	mux.HandleFunc("/portfolio/stream", s.handlePortfolioStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "snapshot store not available", http.StatusServiceUnavailable)
		return
	}

	record, ok, err := s.store.Latest(r.URL.Query().Get("pair"))
	if err != nil {
		s.logger.Error("load latest snapshot", zap.Error(err))
		http.Error(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

// handlePortfolioStream replays snapshots after ?after= (default 0) for ?pair= (default all),
// then follows the store.
func (s *Server) handlePortfolioStream(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "snapshot store not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastIndex uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a snapshot index", http.StatusBadRequest)
			return
		}
		lastIndex = v
	}
	pair := r.URL.Query().Get("pair")

	// subscribe before the initial load so nothing published in between is missed
	var notify <-chan domain.BalanceSnapshot
	if s.balances != nil {
		var unsubscribe func()
		notify, unsubscribe = s.balances.Subscribe()
		defer unsubscribe()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendSnapshots := func() error {
		records, err := s.store.SnapshotsAfter(lastIndex, pair)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Snapshot)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: portfolio\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendSnapshots(); err != nil {
		s.logger.Error("portfolio stream initial load", zap.Error(err))
		http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	pollTicker := time.NewTicker(s.poll)
	defer pollTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-notify:
			if err := sendSnapshots(); err != nil {
				s.logger.Warn("portfolio stream push", zap.Error(err))
			}
		case <-pollTicker.C:
			if err := sendSnapshots(); err != nil {
				s.logger.Warn("portfolio stream poll", zap.Error(err))
			}
		}
	}
}

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>portfolio</title>
<style>
body{font-family:monospace;background:#111;color:#ddd;margin:2em}
table{border-collapse:collapse}
td,th{padding:4px 12px;border-bottom:1px solid #333;text-align:right}
</style>
</head>
<body>
<h1>portfolio</h1>
<table>
<thead><tr><th>time</th><th>pair</th><th>asset</th><th>currency</th><th>price</th><th>equity</th></tr></thead>
<tbody id="rows"></tbody>
</table>
<script>
const rows = document.getElementById('rows');
const es = new EventSource('/portfolio/stream');
es.addEventListener('portfolio', (ev) => {
  const s = JSON.parse(ev.data);
  const tr = document.createElement('tr');
  for (const v of [s.ts, s.pair, s.asset_total, s.currency_total, s.price || '', s.equity || '']) {
    const td = document.createElement('td');
    td.textContent = v;
    tr.appendChild(td);
  }
  rows.prepend(tr);
  while (rows.children.length > 200) rows.removeChild(rows.lastChild);
});
</script>
</body>
</html>
`
