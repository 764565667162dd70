// Package metrics holds the Prometheus collectors exported at /metrics and
// the job that keeps the key inventory gauges current.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flux_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "flux_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HTTPErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flux_http_errors_total",
		Help: "Total number of failed HTTP requests (4xx/5xx)",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "flux_http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var LicenseOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flux_license_outcomes_total",
		Help: "Outcomes of validate, activate and deactivate calls",
	},
	[]string{"operation", "outcome"},
)

var LicenseKeys = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "flux_license_keys",
		Help: "Number of live license keys by state",
	},
	[]string{"state"},
)

var LicenseActivations = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "flux_license_activations",
		Help: "Number of recorded activations",
	},
)

// Registry holds every Flux collector plus the Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPErrorsTotal,
		HTTPRateLimitRejectionsTotal,
		LicenseOutcomesTotal,
		LicenseKeys,
		LicenseActivations,
	)
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// OutcomeRecorder counts license protocol outcomes. It satisfies
// licensing.Recorder.
type OutcomeRecorder struct{}

// RecordOutcome increments the outcome counter for operation
func (OutcomeRecorder) RecordOutcome(operation, outcome string) {
	LicenseOutcomesTotal.WithLabelValues(operation, outcome).Inc()
}
