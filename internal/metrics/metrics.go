// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesTotal counts simulated trades, partitioned by action and strategy.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_trades_total",
		Help: "Total number of simulated trades",
	}, []string{"action", "strategy"})

	// RecoveredErrors counts errors that were logged and absorbed.
	RecoveredErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_recovered_errors_total",
		Help: "Errors recovered from without aborting the tick",
	}, []string{"kind"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polypulse_tick_duration_seconds",
		Help:    "Duration of one fetch-analyze-decide tick",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polypulse_active_markets",
		Help: "Markets analyzed in the last tick",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polypulse_open_positions",
		Help: "Open simulated positions",
	})

	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polypulse_balance",
		Help: "Simulated cash balance",
	})

	NetWorth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polypulse_net_worth",
		Help: "Balance plus unrealized P&L",
	})

	// WebSocketClients tracks connected WebSocket clients per channel kind.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polypulse_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"channel"})

	// EventsDropped counts events dropped from full subscriber buffers.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_stream_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	}, []string{"channel"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_stream_events_published_total",
		Help: "Events published to the hub",
	}, []string{"channel"})

	// PriceUpdatesSuppressed counts price updates removed by the dedup window.
	PriceUpdatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polypulse_price_updates_suppressed_total",
		Help: "Price updates suppressed by the dedup window",
	})

	InsightLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polypulse_insight_latency_seconds",
		Help:    "Latency of insight service calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_decisions_total",
		Help: "Decisions produced, by action and engine",
	}, []string{"action", "engine"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polypulse_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polypulse_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recovered counts an absorbed error of the given kind.
func Recovered(kind string) {
	RecoveredErrors.WithLabelValues(kind).Inc()
}

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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
