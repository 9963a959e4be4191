package graph

import "fmt"

// RunStatus is the persisted lifecycle state of a run.
//
//	pending -> running -> {paused <-> running} -> {completed | failed | aborted}
//
// failed and aborted runs may be resumed (aborted only with WithOverride);
// completed is final.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

var runTransitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusAborted},
	StatusPaused:  {StatusRunning, StatusFailed, StatusAborted},
	StatusFailed:  {StatusRunning},
	StatusAborted: {StatusRunning},
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a Run call.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Outcome summarizes how a Run call ended.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeCompletedWithFailures Outcome = "completed_with_failures"
	OutcomePaused                Outcome = "paused"
	OutcomeFailed                Outcome = "failed"
	OutcomeAborted               Outcome = "aborted"
)

// Mode selects between starting a new run and resuming an existing one.
type Mode int

const (
	ModeStart Mode = iota
	ModeResume
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModeResume:
		return "resume"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// UnitFailure is one fan-out unit that ended in section_error.
type UnitFailure struct {
	UnitKey string
	NodeID  string
	Error   error
}

// FinalState is returned by every Run call, including failed ones.
type FinalState struct {
	RunID     string
	SessionID string
	Outcome   Outcome

	// State is the latest committed main-lineage state.
	State TypedState

	// FailedUnits lists the sections of State still in section_error, sorted
	// by unit key.
	FailedUnits []UnitFailure

	// PausedAt is the gated node when Outcome is paused.
	PausedAt string

	// Err is the error that ended the run, also returned by Run.
	Err error
}
