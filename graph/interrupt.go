package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/store"
)

// gate evaluates the interrupt gate in front of nodeID. It reports paused
// when the run must suspend; the run record, gate and interrupt event are
// already written by then.
//
// An approved, unconsumed gate is consumed and the node proceeds. A missing
// or consumed gate opens a fresh pending one, so every visit of a gated node
// (including visits through a retry loop) needs its own approval.
func (r *runner) gate(nodeID string) (bool, error) {
	if !r.gated[nodeID] {
		return false, nil
	}

	g, err := r.x.runs.GetGate(r.sctx, r.state.SessionID, r.state.RunID, nodeID)
	switch {
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, storeError("load gate", err)
	case err == nil && g.Approved && !g.Consumed:
		g.Consumed = true
		if err := r.x.runs.PutGate(r.sctx, r.state.SessionID, r.state.RunID, g); err != nil {
			return false, storeError("consume gate", err)
		}
		r.log.Info("gate passed", zap.String("node_id", nodeID), zap.String("note", g.Note))
		return false, nil
	case err == nil && !g.Approved && !g.Consumed:
		// Pending from an earlier call; keep it and suspend again.
	default:
		if err := r.x.runs.PutGate(r.sctx, r.state.SessionID, r.state.RunID, store.Gate{NodeID: nodeID}); err != nil {
			return false, storeError("open gate", err)
		}
	}

	now := time.Now()
	ev := r.event(nodeID, MainUnit, emit.KindInterrupt, now, now, spanIDs{traceID: r.traceID, spanID: newSpanID()})
	ev.Status = emit.StatusInterrupted
	r.appendOnly(ev)

	r.record.PausedAt = nodeID
	if err := r.setStatus(StatusPaused); err != nil {
		return false, err
	}
	return true, nil
}

// approve records approval for the gate of nodeID. Approving before the run
// reaches the node is allowed; the gate is consumed on the next visit.
func (x *executorCore) approve(ctx context.Context, sessionID, runID, nodeID, note string) error {
	rec, err := x.runs.GetRun(ctx, sessionID, runID)
	if errors.Is(err, store.ErrNotFound) {
		return &EngineError{Message: "no run " + runID, Code: CodeRunNotFound, Cause: err}
	}
	if err != nil {
		return storeError("load run record", err)
	}
	if nodeID == "" {
		nodeID = rec.PausedAt
	}
	if nodeID == "" {
		return &EngineError{Message: "run " + runID + " is not paused and no node was given", Code: "INVALID_GATE"}
	}

	switch {
	case RunStatus(rec.Status) == StatusCompleted:
		return fmt.Errorf("%w: run %s already completed", ErrNotResumable, runID)
	case RunStatus(rec.Status) == StatusFailed && rec.FailureCode == CodeSchemaMismatch:
		return fmt.Errorf("%w: run %s failed on a schema version mismatch", ErrNotResumable, runID)
	}

	if err := x.runs.PutGate(ctx, sessionID, runID, store.Gate{NodeID: nodeID, Approved: true, Note: note}); err != nil {
		return storeError("approve gate", err)
	}
	x.cfg.logger.Info("gate approved",
		zap.String("session_id", sessionID),
		zap.String("run_id", runID),
		zap.String("node_id", nodeID))
	return nil
}
