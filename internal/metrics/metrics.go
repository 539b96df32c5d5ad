// Package metrics exposes Prometheus instrumentation for the credential
// broker. Recorder is implemented by Metrics and by a no-op variant used when
// metrics are disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the union of the recorder ports consumed by the application
// services, the Dexcom adapter and the HTTP adapter.
type Recorder interface {
	// Quota
	RecordQuota(granted bool, remaining int)

	// Credential lifecycle
	RecordAuthorization(result string)
	RecordRefresh(result string, duration time.Duration)
	RecordRevocation(reason string)

	// Vendor calls
	RecordUpstreamCall(operation, outcome string, duration time.Duration)

	// Inbound HTTP
	RecordHTTPRequest(method, route string, status int, duration time.Duration)

	// Handler serves the scrape endpoint.
	Handler() http.Handler
}

// Ensure Metrics implements Recorder at compile time.
var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus collectors for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Quota
	QuotaDecisionsTotal *prometheus.CounterVec
	QuotaRemaining      prometheus.Gauge

	// Credential lifecycle
	AuthorizationsTotal *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	RefreshDuration     prometheus.Histogram
	RevocationsTotal    *prometheus.CounterVec

	// Vendor calls
	UpstreamCallsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec

	// Inbound HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Init returns a Prometheus-backed Recorder when enabled, otherwise a no-op.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	return New(prometheus.NewRegistry())
}

// New registers all collectors on reg. Each call needs its own registry.
func New(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		QuotaDecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_quota_decisions_total",
				Help: "Vendor quota permit decisions",
			},
			[]string{"result"}, // granted, denied
		),
		QuotaRemaining: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "cgmlink_quota_remaining",
				Help: "Permits left in the current vendor quota window",
			},
		),

		AuthorizationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_authorizations_total",
				Help: "Completed authorization attempts",
			},
			[]string{"result"}, // success, invalid_code, state_mismatch, error
		),
		RefreshesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_token_refreshes_total",
				Help: "Token refresh attempts",
			},
			[]string{"result"},
		),
		RefreshDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cgmlink_token_refresh_duration_seconds",
				Help:    "Time spent in vendor refresh calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		RevocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_revocations_total",
				Help: "Credentials marked revoked",
			},
			[]string{"reason"}, // user, refresh_failed
		),

		UpstreamCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_upstream_calls_total",
				Help: "Calls to the Dexcom API",
			},
			[]string{"operation", "outcome"},
		),
		UpstreamCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cgmlink_upstream_call_duration_seconds",
				Help:    "Dexcom API call latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgmlink_http_requests_total",
				Help: "Inbound HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cgmlink_http_request_duration_seconds",
				Help:    "Inbound HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) RecordQuota(granted bool, remaining int) {
	result := "granted"
	if !granted {
		result = "denied"
	}
	m.QuotaDecisionsTotal.WithLabelValues(result).Inc()
	m.QuotaRemaining.Set(float64(remaining))
}

func (m *Metrics) RecordAuthorization(result string) {
	m.AuthorizationsTotal.WithLabelValues(result).Inc()
}

// RecordRefresh counts every outcome but only times calls that reached the vendor.
func (m *Metrics) RecordRefresh(result string, duration time.Duration) {
	m.RefreshesTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		m.RefreshDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordRevocation(reason string) {
	m.RevocationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordUpstreamCall(operation, outcome string, duration time.Duration) {
	m.UpstreamCallsTotal.WithLabelValues(operation, outcome).Inc()
	if duration > 0 {
		m.UpstreamCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
