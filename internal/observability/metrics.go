package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	window   *LatencyWindow

	TaskEvents        *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	InteractiveWaits  *prometheus.GaugeVec
	CardUpdates       *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		window:   NewLatencyWindow(256),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of agent executions currently draining.",
		}),
		InteractiveWaits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interactive_waits",
			Help:      "Executions paused on a human reply, by kind.",
		}, []string{"kind"}),
		CardUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_updates_total",
			Help:      "Progress card updates by outcome.",
		}, []string{"outcome"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from task start to settlement.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
	}
}

func (m *Metrics) TaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionStopped() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

// WaitStarted and WaitEnded bracket a pause on human input.
func (m *Metrics) WaitStarted(kind string) {
	if m == nil {
		return
	}
	m.InteractiveWaits.WithLabelValues(kind).Inc()
}

func (m *Metrics) WaitEnded(kind string, waited time.Duration) {
	if m == nil {
		return
	}
	m.InteractiveWaits.WithLabelValues(kind).Dec()
	m.window.Observe(StageInputWait, float64(waited.Milliseconds()))
}

func (m *Metrics) CardUpdate(outcome string) {
	if m == nil {
		return
	}
	m.CardUpdates.WithLabelValues(outcome).Inc()
	if outcome == "rate_limited" {
		m.window.ObserveIndicator(outcome)
	}
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.window.Observe(StageExecutionTotal, float64(d.Milliseconds()))
	if outcome != "completed" {
		m.window.ObserveIndicator(outcome)
	}
}

// ObserveStage records a latency sample for the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, float64(d.Milliseconds()))
}

// Latency snapshots the rolling latency window.
func (m *Metrics) Latency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
