// Package metrics exposes engine and connector activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const namespace = "gekko"

// Metrics holds the collectors of one exchange instance. Exchange and symbol labels
// are fixed at construction.
type Metrics struct {
	exchange string
	symbol   string

	ordersCreated  *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	candles        *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	failures       *prometheus.CounterVec
	balance        *prometheus.GaugeVec
	equity         *prometheus.GaugeVec
}

// New registers the collectors on reg. Passing prometheus.NewRegistry() keeps tests isolated.
func New(reg prometheus.Registerer, exchange string, pair domain.Pair) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		exchange: exchange,
		symbol:   pair.String(),

		ordersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Total number of accepted orders",
		}, []string{"exchange", "symbol", "side", "type"}),
		ordersFilled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Total number of filled orders",
		}, []string{"exchange", "symbol", "side"}),
		ordersCanceled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_canceled_total",
			Help:      "Total number of canceled orders",
		}, []string{"exchange", "symbol", "side"}),
		ordersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of rejected orders",
		}, []string{"exchange", "symbol", "reason"}),
		candles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_processed_total",
			Help:      "Total number of ingested candles",
		}, []string{"exchange", "symbol"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_attempts_total",
			Help:      "Total number of remote call attempts",
		}, []string{"exchange", "op"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_retries_total",
			Help:      "Total number of remote call retries",
		}, []string{"exchange", "op"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_failures_total",
			Help:      "Total number of remote calls that failed after all attempts",
		}, []string{"exchange", "op"}),
		balance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance",
			Help:      "Current balance per currency and part",
		}, []string{"exchange", "currency", "part"}),
		equity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Portfolio value in quote currency",
		}, []string{"exchange", "symbol"}),
	}
	return m
}

func (m *Metrics) OrderCreated(side domain.Side, typ domain.OrderType) {
	m.ordersCreated.WithLabelValues(m.exchange, m.symbol, string(side), string(typ)).Inc()
}

func (m *Metrics) OrderFilled(side domain.Side) {
	m.ordersFilled.WithLabelValues(m.exchange, m.symbol, string(side)).Inc()
}

func (m *Metrics) OrderCanceled(side domain.Side) {
	m.ordersCanceled.WithLabelValues(m.exchange, m.symbol, string(side)).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(m.exchange, m.symbol, reason).Inc()
}

func (m *Metrics) CandleProcessed() {
	m.candles.WithLabelValues(m.exchange, m.symbol).Inc()
}

func (m *Metrics) ExchangeAttempt(exchange, op string) {
	m.attempts.WithLabelValues(exchange, op).Inc()
}

func (m *Metrics) ExchangeRetry(exchange, op string) {
	m.retries.WithLabelValues(exchange, op).Inc()
}

func (m *Metrics) ExchangeFailure(exchange, op string) {
	m.failures.WithLabelValues(exchange, op).Inc()
}

// ObservePortfolio publishes balances and, when price is positive, equity.
func (m *Metrics) ObservePortfolio(pair domain.Pair, p domain.Portfolio, price float64) {
	set := func(currency string, b domain.BalanceDetail) {
		m.balance.WithLabelValues(m.exchange, currency, "free").Set(b.Free.InexactFloat64())
		m.balance.WithLabelValues(m.exchange, currency, "used").Set(b.Used.InexactFloat64())
		m.balance.WithLabelValues(m.exchange, currency, "total").Set(b.Total.InexactFloat64())
	}
	set(pair.From, p.Asset)
	set(pair.To, p.Currency)
	if price > 0 {
		m.equity.WithLabelValues(m.exchange, m.symbol).Set(p.Currency.Total.InexactFloat64() + p.Asset.Total.InexactFloat64()*price)
	}
}
