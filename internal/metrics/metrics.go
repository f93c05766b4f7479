// Package metrics provides Prometheus instrumentation for the arena engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by type and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_trades_total",
		Help: "Total number of committed trades",
	}, []string{"type", "side"})

	// TradeLatency covers the whole settlement path including upstream calls.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_trade_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// TradeRejections counts operations aborted before or during commit.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_trade_rejections_total",
		Help: "Settlement operations rejected, by operation and error kind",
	}, []string{"operation", "kind"})

	// RedemptionsTotal counts redemption rows written.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_redemptions_total",
		Help: "Total number of redeemed positions",
	}, []string{"result"})

	// MarketVolume tracks cumulative contract volume per market series.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_market_volume_contracts_total",
		Help: "Cumulative traded contracts per market series",
	}, []string{"series", "side"})

	// FeesCollected tracks cumulative fees in contract units.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_fees_contracts_total",
		Help: "Cumulative fees charged, in contract units",
	})

	// GatewayRetries counts upstream retries by operation.
	GatewayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_gateway_retries_total",
		Help: "Upstream market gateway retries",
	}, []string{"op"})

	// GatewayLatency tracks upstream call duration including retries.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_gateway_latency_seconds",
		Help:    "Upstream market gateway latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"op", "status"})

	// MarketCacheResults counts leaderboard market cache lookups.
	MarketCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_market_cache_results_total",
		Help: "Market cache lookups by result",
	}, []string{"backend", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern, keeping label cardinality
// bounded for parameterized routes.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
