package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokensIssued counts successful token issuances by scope.
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pressgate_tokens_issued_total",
			Help: "Access tokens issued via the client_credentials grant.",
		},
		[]string{"scope"},
	)

	// TokensRefreshed counts successful refresh-token rotations.
	TokensRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressgate_tokens_refreshed_total",
		Help: "Access tokens issued via the refresh_token grant.",
	})

	// GrantRejected counts failed grant attempts by reason.
	GrantRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pressgate_grant_rejected_total",
			Help: "Rejected token grant attempts.",
		},
		[]string{"reason"},
	)

	// RefreshReuse counts replayed (already-rotated) refresh tokens.
	RefreshReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressgate_refresh_reuse_total",
		Help: "Refresh tokens presented after they were already consumed.",
	})

	// ValidateRejected counts bearer validation failures by reason.
	ValidateRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pressgate_validate_rejected_total",
			Help: "Bearer token validation failures.",
		},
		[]string{"reason"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pressgate_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pressgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pressgate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all collectors with the default registry. Call once at
// process start.
func Init() {
	prometheus.MustRegister(
		TokensIssued,
		TokensRefreshed,
		GrantRejected,
		RefreshReuse,
		ValidateRejected,
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an HTTP handler with request count, latency, and
// in-flight gauges. The route template should be used as path where
// available to keep cardinality bounded.
func Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
