package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/youtix/gekko2-sub000/config"
	"github.com/youtix/gekko2-sub000/internal/exchange/binance"
	"github.com/youtix/gekko2-sub000/internal/exchange/bybit"
	"github.com/youtix/gekko2-sub000/internal/exchange/hyperliquid"
)

func parseOne(t *testing.T, doc string, vars map[string]string) config.Config {
	t.Helper()
	configs, err := config.Parse([]byte(doc), func(k string) string { return vars[k] })
	require.NoError(t, err)
	require.Len(t, configs, 1)
	return configs[0]
}

func TestInstance_RunBacktestFromCSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "btc.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(
		"start,open,high,low,close,volume\n"+
			"1704164580,99,101,98,100,3\n"+
			"1704164640,100,102,99,101,5\n"+
			"1704164700,101,103,100,102,4\n"+
			"1704164760,102,104,101,103,2\n"), 0o644))

	cfg := parseOne(t, fmt.Sprintf(`
- name: csv-run
  platform: simulated
  pair: BTC_USDT
  backtest:
    start: 2024-01-02T03:04:00Z
    candles: %s
  portfolio:
    currency: "1000"
  wal_dir: %s
  state_dir: %s
`, csvPath, filepath.Join(dir, "wal"), filepath.Join(dir, "state")), nil)

	reg := prometheus.NewRegistry()
	inst, err := newInstance(cfg, reg, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, inst.server)

	require.NoError(t, inst.run(context.Background()))

	_, err = os.Stat(filepath.Join(dir, "state", "csv_run.json"))
	assert.NoError(t, err)

	assert.Equal(t, float64(3), candlesProcessed(t, reg, "csv-run"))
}

func candlesProcessed(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var candles float64
	for _, f := range families {
		if f.GetName() != "gekko_candles_processed_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "instance" {
					assert.Equal(t, name, l.GetValue())
				}
			}
			candles += m.GetCounter().GetValue()
		}
	}
	return candles
}

func TestInstance_ResumeBacktest(t *testing.T) {
	dir := t.TempDir()
	writeCSV := func(name string, starts ...int64) string {
		path := filepath.Join(dir, name)
		var rows string
		for _, s := range starts {
			rows += fmt.Sprintf("%d,100,102,99,101,5\n", s)
		}
		require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
		return path
	}
	first := writeCSV("first.csv", 1704164640, 1704164700)
	full := writeCSV("full.csv", 1704164640, 1704164700, 1704164760, 1704164820)

	runWith := func(csvPath, walDir string) float64 {
		cfg := parseOne(t, fmt.Sprintf(`
- name: resumed
  platform: simulated
  pair: BTC_USDT
  backtest:
    start: 2024-01-02T03:04:00Z
    candles: %s
    resume: true
  portfolio:
    currency: "1000"
  wal_dir: %s
  state_dir: %s
`, csvPath, filepath.Join(dir, walDir), filepath.Join(dir, "state")), nil)
		require.True(t, cfg.Backtest.Resume)

		reg := prometheus.NewRegistry()
		inst, err := newInstance(cfg, reg, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, inst.run(context.Background()))
		return candlesProcessed(t, reg, "resumed")
	}

	// nothing saved yet, the whole file is replayed
	assert.Equal(t, float64(2), runWith(first, "wal-first"))
	// the saved clock sits at 03:06, so only the last two candles are new
	assert.Equal(t, float64(2), runWith(full, "wal-second"))

	t.Run("corrupt state aborts the run", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "state", "resumed.json"), []byte("{"), 0o644))
		cfg := parseOne(t, fmt.Sprintf(`
- name: resumed
  platform: simulated
  pair: BTC_USDT
  backtest:
    start: 2024-01-02T03:04:00Z
    candles: %s
    resume: true
  wal_dir: %s
  state_dir: %s
`, full, filepath.Join(dir, "wal-third"), filepath.Join(dir, "state")), nil)
		inst, err := newInstance(cfg, prometheus.NewRegistry(), zap.NewNop())
		require.NoError(t, err)
		assert.ErrorContains(t, inst.run(context.Background()), "load engine state")
	})
}

func TestInstance_RunBacktestCanceled(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "btc.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("1704164640,100,102,99,101,5\n"), 0o644))

	cfg := parseOne(t, fmt.Sprintf(`
- platform: simulated
  pair: BTC_USDT
  backtest:
    start: 2024-01-02T03:04:00Z
    candles: %s
  wal_dir: %s
  state_dir: %s
`, csvPath, filepath.Join(dir, "wal"), filepath.Join(dir, "state")), nil)

	inst, err := newInstance(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, inst.run(ctx), context.Canceled)
}

func TestInstance_Connector(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		platform string
		vars     map[string]string
		wantName string
	}{
		{platform: "binance", wantName: binance.Name},
		{platform: "bybit", wantName: bybit.Name},
		{platform: "hyperliquid", wantName: hyperliquid.Name},
		{
			platform: "hyperliquid",
			vars:     map[string]string{"HYPERLIQUID_PRIVATE_KEY": "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"},
			wantName: hyperliquid.Name,
		},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			cfg := parseOne(t, fmt.Sprintf(`
- platform: %s
  pair: BTC_USDC
  backtest:
    start: 2024-01-01T00:00:00Z
  wal_dir: %s
`, tt.platform, filepath.Join(dir, tt.platform, fmt.Sprint(len(tt.vars)))), tt.vars)

			inst, err := newInstance(cfg, prometheus.NewRegistry(), zap.NewNop())
			require.NoError(t, err)
			defer inst.snapshots.Close()

			conn, err := inst.connector()
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, conn.Name())
			assert.Equal(t, tt.wantName, inst.resilient(conn).Name())
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger([]config.Config{{}, {Debug: true}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = newLogger([]config.Config{{}})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
