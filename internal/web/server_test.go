package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youtix/gekko2-sub000/internal/domain"
	"github.com/youtix/gekko2-sub000/internal/events"
)

type memoryStore struct {
	mu      sync.Mutex
	records []domain.BalanceSnapshotRecord
}

func (m *memoryStore) add(s domain.BalanceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, domain.BalanceSnapshotRecord{Index: uint64(len(m.records) + 1), Snapshot: s})
}

func (m *memoryStore) SnapshotsAfter(index uint64, pair string) ([]domain.BalanceSnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BalanceSnapshotRecord
	for _, r := range m.records {
		if r.Index > index && (pair == "" || r.Snapshot.Pair == pair) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) Latest(pair string) (domain.BalanceSnapshotRecord, bool, error) {
	records, _ := m.SnapshotsAfter(0, pair)
	if len(records) == 0 {
		return domain.BalanceSnapshotRecord{}, false, nil
	}
	return records[len(records)-1], true, nil
}

func snapshot(pair, equity string) domain.BalanceSnapshot {
	return domain.BalanceSnapshot{Timestamp: time.Unix(0, 0).UTC(), Pair: pair, Equity: equity}
}

func TestServer_Latest(t *testing.T) {
	store := &memoryStore{}
	srv := httptest.NewServer(NewServer("", store).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/portfolio/latest?pair=BTC_USDT")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	store.add(snapshot("BTC_USDT", "1000"))
	store.add(snapshot("ETH_USDT", "50"))
	store.add(snapshot("BTC_USDT", "1010"))

	resp, err = http.Get(srv.URL + "/portfolio/latest?pair=BTC_USDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var record domain.BalanceSnapshotRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, uint64(3), record.Index)
	assert.Equal(t, "1010", record.Snapshot.Equity)
}

func TestServer_PortfolioStream(t *testing.T) {
	store := &memoryStore{}
	store.add(snapshot("BTC_USDT", "1000"))
	store.add(snapshot("ETH_USDT", "50"))

	balances := events.NewBalanceBroadcaster(4)
	s := NewServer("", store, WithBalanceBroadcaster(balances))
	s.poll = time.Hour
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/portfolio/stream?pair=BTC_USDT", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	nextData := func() string {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				return data
			}
		}
		return ""
	}

	var got domain.BalanceSnapshot
	require.NoError(t, json.Unmarshal([]byte(nextData()), &got))
	assert.Equal(t, "1000", got.Equity)

	// a published snapshot wakes the stream without waiting for the poll
	next := snapshot("BTC_USDT", "1020")
	store.add(next)
	balances.Publish(next)

	require.NoError(t, json.Unmarshal([]byte(nextData()), &got))
	assert.Equal(t, "1020", got.Equity)
}

func TestServer_PortfolioStreamBadAfter(t *testing.T) {
	srv := httptest.NewServer(NewServer("", &memoryStore{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/portfolio/stream?after=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_NoStore(t *testing.T) {
	srv := httptest.NewServer(NewServer("", nil).Handler())
	defer srv.Close()

	for _, path := range []string{"/portfolio/latest", "/portfolio/stream"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gekko_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(NewServer("", nil, WithGatherer(reg)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gekko_test_total 1")
}

func TestServer_Index(t *testing.T) {
	srv := httptest.NewServer(NewServer("", nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
