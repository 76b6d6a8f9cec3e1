// Package metrics provides Prometheus instrumentation for the clearing engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionChangesTotal counts position mutations, partitioned by kind
	// (open, close, liquidate).
	PositionChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_position_changes_total",
		Help: "Total number of position changes executed",
	}, []string{"kind"})

	// TradeLatency is a histogram of position-change execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clearing_trade_latency_seconds",
		Help:    "Position change execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearing_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearing_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clearing_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// CapRejections counts trades rejected by holding or open-interest caps.
	CapRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearing_cap_rejections_total",
		Help: "Trades rejected by position or open-interest caps",
	})

	// LiquidationsTotal counts liquidations, partitioned by outcome
	// (partial, full, bad_debt).
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_liquidations_total",
		Help: "Total number of liquidations executed",
	}, []string{"outcome"})

	// FundingSettlementsTotal counts settled funding windows per market.
	FundingSettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_funding_settlements_total",
		Help: "Total number of settled funding windows",
	}, []string{"market"})

	// MarketVolume tracks cumulative traded notional per market and side.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearing_market_volume_total",
		Help: "Cumulative traded notional in quote units",
	}, []string{"market", "side"})

	// BadDebtTotal tracks cumulative bad debt realized against the waterfall.
	BadDebtTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearing_bad_debt_total",
		Help: "Cumulative bad debt realized in quote units",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
