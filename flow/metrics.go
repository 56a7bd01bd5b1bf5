package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for a running Flow. All
// metrics are namespaced "abiflow". A nil *Metrics is valid and every
// method on it is a no-op, so instrumentation is opt-in.
type Metrics struct {
	cpusReserved  prometheus.Gauge
	cpusAllocated prometheus.Gauge
	cpusInUse     prometheus.Gauge

	taskLatency *prometheus.HistogramVec

	transitions *prometheus.CounterVec
	callbacks   *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers abiflow's metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() to isolate one flow's metrics from others
// in the same process.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.cpusReserved = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "abiflow",
		Name:      "cpus_reserved",
		Help:      "CPUs reserved by tasks submitted but not yet running (S_SUB)",
	})
	m.cpusAllocated = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "abiflow",
		Name:      "cpus_allocated",
		Help:      "CPUs allocated to tasks that are submitted or running (S_SUB or S_RUN)",
	})
	m.cpusInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "abiflow",
		Name:      "cpus_in_use",
		Help:      "CPUs held by tasks actively executing (S_RUN)",
	})
	m.taskLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "abiflow",
		Name:      "task_latency_seconds",
		Help:      "Wall time from a task's launch to its terminal status",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
	}, []string{"kind", "status"})
	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abiflow",
		Name:      "status_transitions_total",
		Help:      "Status transitions observed on the flow's signal bus",
	}, []string{"status"})
	m.callbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abiflow",
		Name:      "callbacks_fired_total",
		Help:      "Flow callbacks fired after all their gating dependencies reached S_OK",
	}, []string{"outcome"}) // outcome: ok, error

	return m
}

// SetCPUGauges reports a flow's current CPU accounting.
func (m *Metrics) SetCPUGauges(reserved, allocated, inUse int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.cpusReserved.Set(float64(reserved))
	m.cpusAllocated.Set(float64(allocated))
	m.cpusInUse.Set(float64(inUse))
}

// ObserveTaskLatency records the time a task of the given kind spent
// between launch and reaching status.
func (m *Metrics) ObserveTaskLatency(kind TaskKind, status Status, d time.Duration) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.taskLatency.WithLabelValues(string(kind), status.String()).Observe(d.Seconds())
}

// RecordTransition increments the transition counter for s.
func (m *Metrics) RecordTransition(s Status) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

// RecordCallback increments the callback counter for the given
// outcome ("ok" or "error").
func (m *Metrics) RecordCallback(outcome string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// Disable stops recording without unregistering collectors, useful in
// tests that want to construct a Flow without asserting on metrics.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metrics recording after Disable.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
