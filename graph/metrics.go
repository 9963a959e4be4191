package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for run
// execution. All metrics are namespaced "draftgraph":
//
//   - inflight_units (gauge): fan-out units executing right now
//   - queue_depth (gauge): fan-out units waiting for a worker
//   - step_latency_ms (histogram, node_id/status): node execution duration
//   - retries_total (counter, node_id/reason): transient retries and retry loops
//   - checkpoint_conflicts_total (counter): lost checkpoint sequence races
//   - section_failures_total (counter, node_id): units ended in section_error
//   - runs_total (counter, outcome): finished Run calls
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	exec, err := graph.New(graph.BackendNative, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe.
type PrometheusMetrics struct {
	inflightUnits prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries             *prometheus.CounterVec
	checkpointConflicts prometheus.Counter
	sectionFailures     *prometheus.CounterVec
	runs                *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightUnits = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "draftgraph",
		Name:      "inflight_units",
		Help:      "Current number of fan-out units executing",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "draftgraph",
		Name:      "queue_depth",
		Help:      "Number of fan-out units waiting for a worker",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "draftgraph",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftgraph",
		Name:      "retries_total",
		Help:      "Node retries (transient errors and retry-loop traversals)",
	}, []string{"node_id", "reason"})

	pm.checkpointConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "draftgraph",
		Name:      "checkpoint_conflicts_total",
		Help:      "Checkpoint writes that lost a sequence race and were retried",
	})

	pm.sectionFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftgraph",
		Name:      "section_failures_total",
		Help:      "Fan-out units that ended in section_error",
	}, []string{"node_id"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftgraph",
		Name:      "runs_total",
		Help:      "Finished Run calls by outcome",
	}, []string{"outcome"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records a node execution duration. status is "ok",
// "failed" or "timeout".
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry of nodeID. reason is "transient" or
// "loop".
func (pm *PrometheusMetrics) IncrementRetries(nodeID, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(nodeID, reason).Inc()
}

// IncrementCheckpointConflicts counts one lost checkpoint sequence race.
func (pm *PrometheusMetrics) IncrementCheckpointConflicts() {
	if !pm.on() {
		return
	}
	pm.checkpointConflicts.Inc()
}

// IncrementSectionFailures counts one unit that ended in section_error.
func (pm *PrometheusMetrics) IncrementSectionFailures(nodeID string) {
	if !pm.on() {
		return
	}
	pm.sectionFailures.WithLabelValues(nodeID).Inc()
}

// IncrementRuns counts one finished Run call.
func (pm *PrometheusMetrics) IncrementRuns(outcome Outcome) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(string(outcome)).Inc()
}

// UpdateQueueDepth sets the number of units waiting for a worker.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// AddInflightUnits adjusts the in-flight unit gauge by delta.
func (pm *PrometheusMetrics) AddInflightUnits(delta int) {
	if !pm.on() {
		return
	}
	pm.inflightUnits.Add(float64(delta))
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.inflightUnits.Set(0)
	pm.queueDepth.Set(0)
}
