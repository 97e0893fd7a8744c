// Package metrics provides Prometheus instrumentation for the trading core.
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
	// OrdersTotal counts order placements, partitioned by side, type, and
	// final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_orders_total",
		Help: "Total number of orders placed",
	}, []string{"side", "type", "status"})

	// TradesTotal counts matched trades, partitioned by taker side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_trades_total",
		Help: "Total number of trades matched",
	}, []string{"side"})

	// OrderLatency tracks placement latency end to end, including retries.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predyx_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SettlementsTotal counts market settlements by kind (resolve/void).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_settlements_total",
		Help: "Total number of market settlements",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predyx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predyx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative matched volume (cash) per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predyx_market_volume_total",
		Help: "Cumulative matched volume in dollars",
	}, []string{"market_id"})
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
