// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureRequestsTotal       *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	captureFetchAttemptsTotal  *prometheus.CounterVec
	captureAssetsTotal         *prometheus.CounterVec
	captureBlockingIndicators  *prometheus.CounterVec
	assetRateLimitDelay        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_requests_total",
				Help: "Total number of captures, labeled by method used and status.",
			},
			[]string{"method", "status"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_duration_seconds",
				Help:    "Histogram of end-to-end capture latencies, labeled by status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180},
			},
			[]string{"status"},
		)

		captureFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_fetch_attempts_total",
				Help: "Total fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		captureAssetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_assets_total",
				Help: "Total assets processed by the rewriter, labeled by result.",
			},
			[]string{"result"},
		)

		captureBlockingIndicators = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_blocking_indicators_total",
				Help: "Blocking indicator phrases seen in browser captures.",
			},
			[]string{"indicator"},
		)

		assetRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_asset_rate_limit_delay_seconds",
				Help:    "Time asset downloads spent waiting on the per-host rate limiter.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"site"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCapture records one finished capture.
func ObserveCapture(method, status string, duration time.Duration) {
	Init()
	captureRequestsTotal.WithLabelValues(method, status).Inc()
	captureDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveFetchAttempt counts one direct attempt or browser navigation strategy.
func ObserveFetchAttempt(strategy, outcome string) {
	Init()
	captureFetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveAsset counts one asset download/upload result.
func ObserveAsset(result string) {
	Init()
	captureAssetsTotal.WithLabelValues(result).Inc()
}

// ObserveBlockingIndicator counts a blocking phrase found in captured markup.
func ObserveBlockingIndicator(indicator string) {
	Init()
	captureBlockingIndicators.WithLabelValues(indicator).Inc()
}

// ObserveRateLimitDelay records how long an asset download waited for its host.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	assetRateLimitDelay.WithLabelValues(site).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
