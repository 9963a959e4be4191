package graph

import (
	"errors"
	"fmt"

	"github.com/dshills/draftgraph/graph/store"
)

// ErrMaxStepsExceeded indicates that a run reached the configured step limit
// without finishing.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrCheckpointWriteConflict is returned when a checkpoint could not claim its
// sequence slot after every internal retry.
var ErrCheckpointWriteConflict = store.ErrWriteConflict

// ErrReplayMismatch is returned when a recorded output does not hash to the
// digest recorded with it, or a lineage input digest does not match the
// state it claims to descend from.
var ErrReplayMismatch = errors.New("replay mismatch: recorded digest mismatch")

// ErrNotResumable is returned when resuming a run that completed or that
// failed on a schema version mismatch.
var ErrNotResumable = errors.New("run is not resumable")

// ErrGateNotApproved is returned when resuming a paused run whose pending
// gate has not been approved.
var ErrGateNotApproved = errors.New("interrupt gate not approved")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Error codes carried by EngineError and NodeError.
const (
	CodeRouteResolution   = "ROUTE_RESOLUTION"
	CodeSchemaMismatch    = "SCHEMA_VERSION_MISMATCH"
	CodeMaxSteps          = "MAX_STEPS_EXCEEDED"
	CodeNodeTimeout       = "NODE_TIMEOUT"
	CodeNodeFailed        = "NODE_FAILED"
	CodeCursorMutated     = "CURSOR_MUTATED"
	CodeStoreError        = "STORE_ERROR"
	CodeInvalidContract   = "INVALID_CONTRACT"
	CodeMissingHandler    = "MISSING_HANDLER"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeRunExists         = "RUN_EXISTS"
	CodeContractMismatch  = "CONTRACT_MISMATCH"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAborted           = "ABORTED"
)

// EngineError represents an error from engine operations.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NodeError represents an error that occurred during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// RouteResolutionError is returned when no branch of a route matches and the
// route declares no default. The run fails; it never falls through to another
// edge.
type RouteResolutionError struct {
	Route string
	Node  string
}

func (e *RouteResolutionError) Error() string {
	return fmt.Sprintf("route %q from node %q: no branch matched and no default declared", e.Route, e.Node)
}

// ReplayGapError is returned when the event stream skips a sequence number.
type ReplayGapError struct {
	Expected uint64
	Found    uint64
}

func (e *ReplayGapError) Error() string {
	return fmt.Sprintf("replay gap: expected sequence %d, found %d", e.Expected, e.Found)
}

// SectionFailure records one fan-out unit that failed. It is carried in
// FinalState.FailedUnits and does not fail the run.
type SectionFailure struct {
	SectionKey string
	NodeID     string
	Cause      error
}

func (e *SectionFailure) Error() string {
	return fmt.Sprintf("section %q failed in node %q: %v", e.SectionKey, e.NodeID, e.Cause)
}

func (e *SectionFailure) Unwrap() error {
	return e.Cause
}

// SchemaVersionMismatch is returned when a state or checkpoint carries a
// schema version this engine does not read. A run failed this way is not
// resumable.
type SchemaVersionMismatch struct {
	Found    int
	Expected int
}

func (e *SchemaVersionMismatch) Error() string {
	return fmt.Sprintf("schema version mismatch: found %d, expected %d", e.Found, e.Expected)
}

// errorCode extracts the code of an engine or node error, if any.
func errorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	var ne *NodeError
	if errors.As(err, &ne) && ne.Code != "" {
		return ne.Code
	}
	var rr *RouteResolutionError
	if errors.As(err, &rr) {
		return CodeRouteResolution
	}
	var sv *SchemaVersionMismatch
	if errors.As(err, &sv) {
		return CodeSchemaMismatch
	}
	return ""
}
