// Package metrics exposes Prometheus collectors for coinledger.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coinledger",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinledger",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinledger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinledger",
			Name:      "trades_total",
			Help:      "Trade operations by side and outcome code.",
		},
		[]string{"side", "result"},
	)

	tradeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinledger",
			Name:      "trade_duration_seconds",
			Help:      "Time from validation to commit of a trade, including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"side"},
	)

	priceRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinledger",
			Subsystem: "pricefeed",
			Name:      "refresh_total",
			Help:      "Upstream price feed refresh attempts.",
		},
		[]string{"kind", "result"},
	)

	priceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinledger",
			Subsystem: "pricefeed",
			Name:      "fallback_total",
			Help:      "Times a cached or hard-coded value was served instead of a fresh one.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		tradesTotal,
		tradeDuration,
		priceRefreshes,
		priceFallbacks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordTrade records the outcome of one trade. result is "ok" or an error code.
func RecordTrade(side, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	tradesTotal.WithLabelValues(side, result).Inc()
	tradeDuration.WithLabelValues(side).Observe(duration.Seconds())
}

// RecordPriceRefresh records one upstream fetch. kind is "spot" or "fx".
func RecordPriceRefresh(kind string, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	priceRefreshes.WithLabelValues(kind, result).Inc()
}

// RecordPriceFallback records a cached or hard-coded value being served.
func RecordPriceFallback(kind string) {
	priceFallbacks.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

var knownPaths = map[string]bool{
	"/api/portfolio":       true,
	"/api/portfolio/chart": true,
	"/api/trades/buy":      true,
	"/api/trades/sell":     true,
	"/api/holdings":        true,
	"/api/transactions":    true,
	"/api/prices":          true,
	"/api/health":          true,
	"/api/version":         true,
}

// canonicalPath keeps the path label bounded to registered routes.
func canonicalPath(raw string) string {
	p := "/" + strings.Trim(raw, "/")
	if knownPaths[p] {
		return p
	}
	if p == "/" {
		return "/"
	}
	return "other"
}
