package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/store"
)

// Replay reconstructs the state sequence of a run from its recorded trace
// events without invoking any node logic.
//
// Events are consumed in sequence order starting at from (0 means 1). A
// missing sequence number fails with *ReplayGapError. Every recorded output
// must hash to its OutputDigest, and every event's InputDigest must match the
// main-lineage state it descends from (fan-out units descend from the main
// state at dispatch); either violation fails with ErrReplayMismatch.
//
// The result holds one state per event that recorded an output: sequential
// nodes, fan-out units (including failed units, which record their
// section_error state) and joins. Interrupt events and failed sequential
// nodes produce no state. A rollback event withdraws the state of the event
// it supersedes and, on the main lineage, moves the head back to the state
// that event descended from. The same events always replay to
// byte-identical states.
func Replay(events []emit.TraceEvent, from uint64) ([]TypedState, error) {
	if from == 0 {
		from = 1
	}

	var (
		states    []TypedState
		produced  []uint64
		inputs    = make(map[uint64]string)
		withdrawn = make(map[uint64]bool)
		expected  = from
		head      string
	)
	for _, ev := range events {
		if ev.Sequence != expected {
			return committed(states, produced, withdrawn), &ReplayGapError{Expected: expected, Found: ev.Sequence}
		}
		expected++

		if ev.Kind == emit.KindRollback {
			in, seen := inputs[ev.Supersedes]
			switch {
			case !seen && ev.Supersedes >= from:
				return committed(states, produced, withdrawn), fmt.Errorf("%w: event %d withdraws event %d, which recorded no output",
					ErrReplayMismatch, ev.Sequence, ev.Supersedes)
			case seen && in != ev.InputDigest:
				return committed(states, produced, withdrawn), fmt.Errorf("%w: event %d falls back to %s, withdrawn event %d descended from %s",
					ErrReplayMismatch, ev.Sequence, ev.InputDigest, ev.Supersedes, in)
			}
			withdrawn[ev.Supersedes] = true
			if ev.UnitKey == MainUnit {
				head = ev.InputDigest
			}
			continue
		}

		if head != "" && ev.InputDigest != head {
			return committed(states, produced, withdrawn), fmt.Errorf("%w: event %d (%s/%s) descends from %s, lineage head is %s",
				ErrReplayMismatch, ev.Sequence, ev.NodeID, ev.UnitKey, ev.InputDigest, head)
		}
		if ev.Kind == emit.KindInterrupt || len(ev.Output) == 0 {
			continue
		}

		if got := digestBytes(ev.Output); got != ev.OutputDigest {
			return committed(states, produced, withdrawn), fmt.Errorf("%w: event %d (%s/%s) output hashes to %s, recorded %s",
				ErrReplayMismatch, ev.Sequence, ev.NodeID, ev.UnitKey, got, ev.OutputDigest)
		}

		var state TypedState
		if err := json.Unmarshal(ev.Output, &state); err != nil {
			return committed(states, produced, withdrawn), fmt.Errorf("%w: event %d output does not decode: %v", ErrReplayMismatch, ev.Sequence, err)
		}
		states = append(states, state)
		produced = append(produced, ev.Sequence)
		inputs[ev.Sequence] = ev.InputDigest

		if ev.UnitKey == MainUnit {
			head = ev.OutputDigest
		}
	}
	return committed(states, produced, withdrawn), nil
}

// committed drops the states of withdrawn events.
func committed(states []TypedState, produced []uint64, withdrawn map[uint64]bool) []TypedState {
	if len(withdrawn) == 0 {
		return states
	}
	kept := make([]TypedState, 0, len(states))
	for i, s := range states {
		if !withdrawn[produced[i]] {
			kept = append(kept, s)
		}
	}
	return kept
}

// ReplayRun reads the run's events from log starting at from and replays
// them.
func ReplayRun(ctx context.Context, log *store.EventLog, sessionID, runID string, from uint64) ([]TypedState, error) {
	if from == 0 {
		from = 1
	}
	events, err := log.Read(ctx, sessionID, runID, from)
	if err != nil {
		return nil, storeError("read event log", err)
	}
	return Replay(events, from)
}
