// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// upstream FHIR store and the dose engine.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nmcds"

// Metrics owns a private registry so tests can create as many instances as
// they like without colliding on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	httpDuration    *prometheus.HistogramVec
	httpInFlight    prometheus.Gauge
	upstreamLatency *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	weightOutcomes  *prometheus.CounterVec
	clamps          *prometheus.CounterVec
}

// New registers every collector on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fhir_request_duration_seconds",
			Help:      "Latency of calls to the upstream FHIR store.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "resource_type"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fhir_request_errors_total",
			Help:      "Failed calls to the upstream FHIR store; status 0 is a transport failure.",
		}, []string{"method", "resource_type", "status"}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Dose recommendations by terminal status.",
		}, []string{"status", "study_key"}),
		weightOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weight_resolutions_total",
			Help:      "Weight resolutions by outcome (found, from_hint, fallback, none).",
		}, []string{"outcome"}),
		clamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dose_clamps_total",
			Help:      "Computed doses by clamp reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpDuration,
		m.httpInFlight,
		m.upstreamLatency,
		m.upstreamErrors,
		m.recommendations,
		m.weightOutcomes,
		m.clamps,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveFHIRRequest records one upstream call.
func (m *Metrics) ObserveFHIRRequest(method, resourceType string, status int, elapsed time.Duration) {
	m.upstreamLatency.WithLabelValues(method, resourceType).Observe(elapsed.Seconds())
	if status == 0 || status >= 400 {
		m.upstreamErrors.WithLabelValues(method, resourceType, strconv.Itoa(status)).Inc()
	}
}

// ObserveRecommendation counts one workflow outcome.
func (m *Metrics) ObserveRecommendation(status, studyKey string) {
	m.recommendations.WithLabelValues(status, studyKey).Inc()
}

// ObserveWeightResolution counts one weight resolution.
func (m *Metrics) ObserveWeightResolution(outcome string) {
	m.weightOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveClamp counts one dose computation by clamp reason.
func (m *Metrics) ObserveClamp(reason string) {
	m.clamps.WithLabelValues(reason).Inc()
}

// Middleware records latency and in-flight requests for every route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}
