// Package metrics exposes Prometheus instrumentation for the build
// pipeline and the query API.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/ehr/consolidation/internal/materialize"
)

// Metrics holds every collector the service registers.
type Metrics struct {
	registry *prometheus.Registry

	buildDuration *prometheus.HistogramVec
	buildFailures *prometheus.CounterVec
	rowsProduced  *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		buildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consolidation",
			Name:      "node_build_duration_seconds",
			Help:      "Wall time of one node build.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"node"}),
		buildFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consolidation",
			Name:      "node_build_failures_total",
			Help:      "Node builds that ended in BUILD_FAILED.",
		}, []string{"node"}),
		rowsProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consolidation",
			Name:      "node_rows_produced_total",
			Help:      "Rows published by successful node builds.",
		}, []string{"node"}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consolidation",
			Name:      "api_requests_total",
			Help:      "Query API requests by path and status.",
		}, []string{"path", "status"}),
	}
}

// NodeBuilt implements materialize.Observer.
func (m *Metrics) NodeBuilt(node string, status materialize.Status, rows int, duration time.Duration) {
	m.buildDuration.WithLabelValues(node).Observe(duration.Seconds())
	switch status {
	case materialize.StatusFailed:
		m.buildFailures.WithLabelValues(node).Inc()
	case materialize.StatusReady:
		m.rowsProduced.WithLabelValues(node).Add(float64(rows))
	}
}

// RequestMiddleware counts query API requests.
func (m *Metrics) RequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if httpErr, ok := err.(*echo.HTTPError); ok {
				status = httpErr.Code
			}
			m.apiRequests.WithLabelValues(c.Path(), strconv.Itoa(status)).Inc()
			return err
		}
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
