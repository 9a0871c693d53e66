package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memoproxy/memoproxy/internal/logging"
)

var (
	// CacheHitCounter counts requests answered from the cache.
	CacheHitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoproxy_cache_hits_total",
		Help: "Number of requests served from the cache",
	}, []string{"target"})

	// CacheMissCounter counts requests forwarded to the upstream.
	CacheMissCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoproxy_cache_misses_total",
		Help: "Number of requests that missed the cache",
	}, []string{"target"})

	// UpstreamReqDuration observes the latency of upstream calls.
	UpstreamReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "memoproxy_upstream_request_duration_seconds",
		Help: "Duration of requests forwarded to the upstream",
	}, []string{"target", "method"})

	// UpstreamErrorCounter counts network-level upstream failures.
	UpstreamErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoproxy_upstream_errors_total",
		Help: "Number of upstream calls that failed to complete",
	}, []string{"target"})

	// TransformFailureCounter counts skipped transform rules.
	TransformFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoproxy_transform_failures_total",
		Help: "Number of transform rules skipped because of render errors",
	}, []string{"stage"})
)

// InitializeHTTP starts the metrics scrape listener on bind.
func InitializeHTTP(bind string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logging.L.Info("Starting metrics server", zap.String("address", bind))
	if err := http.ListenAndServe(bind, mux); err != nil {
		logging.L.Error("Metrics server stopped", zap.Error(err))
	}
}
