package graph

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)

	m.RecordStepLatency("draft", 120*time.Millisecond, "ok")
	m.IncrementRetries("draft", "transient")
	m.IncrementRetries("repair", "loop")
	m.IncrementCheckpointConflicts()
	m.IncrementSectionFailures("draft")
	m.IncrementRuns(OutcomeCompletedWithFailures)
	m.UpdateQueueDepth(3)
	m.AddInflightUnits(2)
	m.AddInflightUnits(-1)

	if got := testutil.ToFloat64(m.retries.WithLabelValues("repair", "loop")); got != 1 {
		t.Errorf("loop retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.checkpointConflicts); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sectionFailures.WithLabelValues("draft")); got != 1 {
		t.Errorf("section failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.inflightUnits); got != 1 {
		t.Errorf("inflight = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.stepLatency); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}

	m.Disable()
	m.IncrementCheckpointConflicts()
	if got := testutil.ToFloat64(m.checkpointConflicts); got != 1 {
		t.Errorf("disabled metrics still recorded: %v", got)
	}
	m.Enable()

	m.Reset()
	if got := testutil.ToFloat64(m.inflightUnits); got != 0 {
		t.Errorf("inflight after reset = %v, want 0", got)
	}
}

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.IncrementCheckpointConflicts()
	m.RecordStepLatency("plan", time.Millisecond, "ok")
	m.IncrementRuns(OutcomeFailed)
}
