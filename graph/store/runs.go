package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is the persisted lifecycle record of one run.
//
// Status holds the engine's run status string ("pending", "running",
// "paused", "completed", "failed", "aborted"); the transition rules live in
// the engine.
type RunRecord struct {
	SessionID       string `json:"session_id"`
	RunID           string `json:"run_id"`
	Contract        string `json:"contract"`
	ContractVersion string `json:"contract_version"`
	Status          string `json:"status"`

	// PausedAt is the node whose gate suspended the run.
	PausedAt string `json:"paused_at,omitempty"`

	// FailureCode is the error code of the failure that ended the run.
	FailureCode string `json:"failure_code,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Gate is the persisted interrupt gate of one node in one run.
type Gate struct {
	NodeID   string `json:"node_id"`
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`

	// Consumed is set once the engine has passed the gate, so a later visit
	// of the same node (a retry loop) opens a fresh gate.
	Consumed bool `json:"consumed"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RunStore persists run records and interrupt gates.
//
// Key layout:
//
//	run/<session>/<run>
//	gate/<session>/<run>/<node>
type RunStore struct {
	kv KV
}

// NewRunStore creates a run store over kv.
func NewRunStore(kv KV) *RunStore {
	return &RunStore{kv: kv}
}

// GetRun returns the run record, or ErrNotFound.
func (r *RunStore) GetRun(ctx context.Context, sessionID, runID string) (RunRecord, error) {
	var rec RunRecord
	data, err := r.kv.Get(ctx, key("run", sessionID, runID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode run record: %w", err)
	}
	return rec, nil
}

// PutRun writes the run record, stamping UpdatedAt (and CreatedAt on first
// write).
func (r *RunStore) PutRun(ctx context.Context, rec RunRecord) (RunRecord, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal run record: %w", err)
	}
	if err := r.kv.Put(ctx, key("run", rec.SessionID, rec.RunID), data); err != nil {
		return rec, fmt.Errorf("save run record: %w", err)
	}
	return rec, nil
}

// ListRuns returns every run record of a session in run id order.
func (r *RunStore) ListRuns(ctx context.Context, sessionID string) ([]RunRecord, error) {
	var out []RunRecord
	err := r.kv.Scan(ctx, prefix("run", sessionID), ScanOptions{}, func(k string, v []byte) error {
		var rec RunRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode run record %s: %w", k, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// GetGate returns the gate of nodeID in the run, or ErrNotFound.
func (r *RunStore) GetGate(ctx context.Context, sessionID, runID, nodeID string) (Gate, error) {
	var g Gate
	data, err := r.kv.Get(ctx, key("gate", sessionID, runID, nodeID))
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("decode gate: %w", err)
	}
	return g, nil
}

// PutGate writes the gate of g.NodeID in the run.
func (r *RunStore) PutGate(ctx context.Context, sessionID, runID string, g Gate) error {
	g.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}
	if err := r.kv.Put(ctx, key("gate", sessionID, runID, g.NodeID), data); err != nil {
		return fmt.Errorf("save gate: %w", err)
	}
	return nil
}

// ListGates returns the gates of a run in node id order.
func (r *RunStore) ListGates(ctx context.Context, sessionID, runID string) ([]Gate, error) {
	var out []Gate
	err := r.kv.Scan(ctx, prefix("gate", sessionID, runID), ScanOptions{}, func(k string, v []byte) error {
		var g Gate
		if err := json.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decode gate %s: %w", k, err)
		}
		out = append(out, g)
		return nil
	})
	return out, err
}
