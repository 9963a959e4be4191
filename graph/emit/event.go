// Package emit defines the trace event model and the sinks that observe a run.
//
// Two streams leave the engine:
//   - TraceEvent: one append-only record per committed node invocation. The
//     durable copy lives in the event log (see graph/store); emitters in this
//     package mirror it to logs, traces or in-memory buffers.
//   - Progress: a coarse notification for transport layers (stream endpoints,
//     CLIs) after each commit.
package emit

import (
	"encoding/json"
	"time"
)

// Status is the outcome recorded on a TraceEvent.
type Status string

const (
	// StatusOK marks a committed node or unit.
	StatusOK Status = "ok"

	// StatusFailed marks a node or unit whose logic returned an error.
	StatusFailed Status = "failed"

	// StatusInterrupted marks a run suspended at an interrupt gate.
	StatusInterrupted Status = "interrupted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Kind distinguishes the engine step that produced an event.
type Kind string

const (
	// KindNode is a node invocation, sequential or fan-out unit.
	KindNode Kind = "node"

	// KindJoin is the merge of a fan-out stage into the main lineage.
	KindJoin Kind = "join"

	// KindInterrupt is a suspension at an interrupt gate.
	KindInterrupt Kind = "interrupt"

	// KindRollback withdraws the event named by Supersedes, whose state
	// was never checkpointed. InputDigest is the lineage head the run fell
	// back to.
	KindRollback Kind = "rollback"
)

// TraceEvent records one node invocation of a run.
//
// Events are written once and never mutated. Sequence is assigned by the
// event log and is contiguous per run, starting at 1. Output carries the
// state the node committed, so replay can rebuild the lineage without
// calling node logic again; OutputDigest is the digest of Output.
type TraceEvent struct {
	Sequence  uint64 `json:"sequence"`
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	NodeID    string `json:"node_id"`
	UnitKey   string `json:"unit_key"`
	Kind      Kind   `json:"kind"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	InputDigest  string `json:"input_digest"`
	OutputDigest string `json:"output_digest,omitempty"`

	// EffectDigest is the digest the node reported for its external effect
	// (for example a hash of a model response). Empty for pure nodes.
	EffectDigest string `json:"effect_digest,omitempty"`

	Output json.RawMessage `json:"output,omitempty"`
	Status Status          `json:"status"`
	Error  string          `json:"error,omitempty"`

	// Supersedes is the sequence a rollback event withdraws.
	Supersedes uint64 `json:"supersedes,omitempty"`
}

// Duration returns EndedAt - StartedAt.
func (e TraceEvent) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Progress is the notification sent to a ProgressSink after each commit.
type Progress struct {
	RunID        string `json:"run_id"`
	NodeID       string `json:"node_id"`
	Percent      int    `json:"percent_complete"`
	SectionLabel string `json:"section_label,omitempty"`
}
