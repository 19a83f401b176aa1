// Command gekko replays candles through the simulated exchange or watches a live
// exchange account, recording portfolio snapshots for the web stream.
//
// Usage:
//
//	gekko --config config.yaml
//
// Environment variables for live trading:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET, optional BYBIT_BASE_URL
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY, optional HYPERLIQUID_BASE_URL
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/youtix/gekko2-sub000/config"
)

func main() {
	configs, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(configs)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configs, logger); err != nil {
		logger.Fatal("stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func newLogger(configs []config.Config) (*zap.Logger, error) {
	for _, c := range configs {
		if c.Debug {
			return zap.NewDevelopment()
		}
	}
	return zap.NewProduction()
}

// run starts every instance and returns when all of them are done or one fails.
func run(ctx context.Context, configs []config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		inst, err := newInstance(cfg, reg, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return inst.run(ctx)
		})
	}
	return g.Wait()
}
