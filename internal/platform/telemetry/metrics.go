package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/ehr/fhirindex/internal/search"
)

// defaultDurationBuckets are latency buckets in seconds.
var defaultDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics holds the service's Prometheus collectors on a private registry.
// It observes searches, index operations and breaker transitions.
type Metrics struct {
	registry *prometheus.Registry

	Searches        *prometheus.CounterVec
	SearchDuration  *prometheus.HistogramVec
	SearchIssues    *prometheus.CounterVec
	IndexOperations *prometheus.CounterVec
	BreakerStates   *prometheus.GaugeVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirindex_searches_total",
			Help: "Searches run, by resource type and outcome.",
		}, []string{"resource", "outcome"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirindex_search_duration_seconds",
			Help:    "Search latency.",
			Buckets: defaultDurationBuckets,
		}, []string{"resource"}),
		SearchIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirindex_search_issues_total",
			Help: "Criteria dropped or rejected, by error kind.",
		}, []string{"kind"}),
		IndexOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirindex_index_operations_total",
			Help: "Index writes, by operation and outcome.",
		}, []string{"op", "outcome"}),
		BreakerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhirindex_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
	}
	m.registry.MustRegister(
		m.Searches,
		m.SearchDuration,
		m.SearchIssues,
		m.IndexOperations,
		m.BreakerStates,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SearchCompleted implements search.Observer.
func (m *Metrics) SearchCompleted(resourceType string, elapsed time.Duration, err error) {
	m.Searches.WithLabelValues(resourceType, outcome(err)).Inc()
	m.SearchDuration.WithLabelValues(resourceType).Observe(elapsed.Seconds())
}

// IssueRecorded implements search.Observer.
func (m *Metrics) IssueRecorded(kind search.ErrorKind) {
	m.SearchIssues.WithLabelValues(kind.String()).Inc()
}

// IndexOperation implements harvest.Observer.
func (m *Metrics) IndexOperation(op string, err error) {
	m.IndexOperations.WithLabelValues(op, outcome(err)).Inc()
}

// BreakerState implements breaker.StateReporter. gobreaker numbers its
// states closed, half-open, open.
func (m *Metrics) BreakerState(name string, state gobreaker.State) {
	m.BreakerStates.WithLabelValues(name).Set(float64(state))
}

// MetricsMiddleware records request latency by route pattern.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.HTTPDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
