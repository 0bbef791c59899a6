// Package metrics exports TCA counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

const namespace = "tca"

// Metrics holds every collector the engine exports. It implements the
// monitor's Observer.
type Metrics struct {
	registry *prometheus.Registry

	alerts           *prometheus.CounterVec
	activeOrders     prometheus.Gauge
	sweeps           prometheus.Counter
	analyses         *prometheus.CounterVec
	analysisFailures *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by the real-time monitor.",
		}, []string{"type", "severity"}),
		activeOrders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_orders",
			Help:      "Orders currently tracked by the monitor.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_sweeps_total",
			Help:      "Completed monitor sweeps.",
		}),
		analyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Analyses completed, by kind.",
		}, []string{"kind"}),
		analysisFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Analyses rejected or failed, by kind.",
		}, []string{"kind"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

// AlertRaised counts an alert.
func (m *Metrics) AlertRaised(a domain.TCAAlert) {
	m.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

// ActiveOrders sets the live order gauge.
func (m *Metrics) ActiveOrders(n int) { m.activeOrders.Set(float64(n)) }

// SweepCompleted counts a monitor sweep.
func (m *Metrics) SweepCompleted() { m.sweeps.Inc() }

// AnalysisCompleted counts a finished analysis.
func (m *Metrics) AnalysisCompleted(kind domain.AnalysisKind) {
	m.analyses.WithLabelValues(string(kind)).Inc()
}

// AnalysisFailed counts a failed analysis.
func (m *Metrics) AnalysisFailed(kind domain.AnalysisKind) {
	m.analysisFailures.WithLabelValues(string(kind)).Inc()
}

// ObserveRequest records API latency.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	m.httpDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
