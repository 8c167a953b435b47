package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the supervisor exposes. A single
// instance is shared process-wide; the pulse driver records into it via
// the methods below rather than touching the collectors
// directly, so the metric names stay centralized.
type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched    *prometheus.CounterVec
	taskOutcomes       *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	activeTasks        prometheus.Gauge
	pulseDuration      *prometheus.HistogramVec
	selfHealTriggered  *prometheus.CounterVec
	concurrencyLimited prometheus.Counter
}

// NewMetrics registers a fresh collector set against its own registry, so
// tests can create independent instances without colliding on the global
// default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_tasks_dispatched_total",
			Help: "Total tasks dispatched to a worker process.",
		}, []string{"repo"}),
		taskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_task_outcomes_total",
			Help: "Total task evaluation outcomes by kind.",
		}, []string{"outcome"}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_dispatch_duration_seconds",
			Help:    "Time spent in the dispatch algorithm per call.",
			Buckets: prometheus.DefBuckets,
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_active_tasks",
			Help: "Number of tasks currently in the working state.",
		}),
		pulseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervisor_pulse_phase_duration_seconds",
			Help:    "Time spent in each pulse phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		selfHealTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_self_heal_triggered_total",
			Help: "Total diagnostic subtasks spawned by self-heal.",
		}, []string{"reason"}),
		concurrencyLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_concurrency_limited_total",
			Help: "Total dispatch attempts rejected due to concurrency limits.",
		}),
	}
}

// ObserveDispatch records one dispatched task and its dispatch latency.
func (m *Metrics) ObserveDispatch(repo string, seconds float64) {
	m.tasksDispatched.WithLabelValues(repo).Inc()
	m.dispatchDuration.Observe(seconds)
}

// ObserveOutcome records an evaluator verdict.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

// SetActiveTasks sets the current working-task gauge.
func (m *Metrics) SetActiveTasks(n int) {
	m.activeTasks.Set(float64(n))
}

// ObservePulsePhase records a pulse phase's wall-clock duration.
func (m *Metrics) ObservePulsePhase(phase string, seconds float64) {
	m.pulseDuration.WithLabelValues(phase).Observe(seconds)
}

// IncSelfHeal records a diagnostic subtask spawn.
func (m *Metrics) IncSelfHeal(reason string) {
	m.selfHealTriggered.WithLabelValues(reason).Inc()
}

// IncConcurrencyLimited records a rejected dispatch attempt.
func (m *Metrics) IncConcurrencyLimited() {
	m.concurrencyLimited.Inc()
}

// Handler returns the HTTP handler serving this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
