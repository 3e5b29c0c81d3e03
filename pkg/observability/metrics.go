package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequestsTotal      *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	UpstreamErrorsTotal     *prometheus.CounterVec
	PromptTokensTotal       *prometheus.CounterVec
	CompletionTokensTotal   *prometheus.CounterVec
	SpendTotal              *prometheus.CounterVec

	// Auth metrics
	AuthFailuresTotal *prometheus.CounterVec
	KeyCacheHitsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	VirtualKeysActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ProxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_proxy_requests_total",
				Help: "Total number of proxied inference requests",
			},
			[]string{"model", "provider", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_upstream_request_duration_seconds",
				Help:    "Upstream provider request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model", "provider"},
		),
		UpstreamErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_upstream_errors_total",
				Help: "Total number of upstream provider errors",
			},
			[]string{"provider", "code"},
		),
		PromptTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_prompt_tokens_total",
				Help: "Total prompt tokens proxied",
			},
			[]string{"model", "provider"},
		),
		CompletionTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_completion_tokens_total",
				Help: "Total completion tokens proxied",
			},
			[]string{"model", "provider"},
		),
		SpendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_spend_usd_total",
				Help: "Total spend in USD attributed to proxied requests",
			},
			[]string{"model", "provider"},
		),

		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_auth_failures_total",
				Help: "Total number of authentication failures",
			},
			[]string{"reason"},
		),
		KeyCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_key_cache_total",
				Help: "Virtual key cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		VirtualKeysActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_virtual_keys_active",
				Help: "Number of active (non-revoked, non-expired) virtual keys",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProxyRequestsTotal,
		m.UpstreamRequestDuration,
		m.UpstreamErrorsTotal,
		m.PromptTokensTotal,
		m.CompletionTokensTotal,
		m.SpendTotal,
		m.AuthFailuresTotal,
		m.KeyCacheHitsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.VirtualKeysActive,
	)

	return m
}

// Handler returns the Prometheus metrics HTTP handler for a registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and duration for each request
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
