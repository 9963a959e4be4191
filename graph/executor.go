package graph

import (
	"context"
	"fmt"
)

// Backend names an execution backend. Both backends honor the same contract
// semantics and commit protocol; they differ only in how stages are
// scheduled.
type Backend string

const (
	// BackendNative walks the contract in-process and runs fan-out units on
	// a bounded goroutine pool.
	BackendNative Backend = "native"

	// BackendExternal compiles the contract into a stage plan that is
	// streamed to a separate stage worker, the shape of a hosted workflow
	// engine.
	BackendExternal Backend = "external"
)

// ParseBackend converts a configuration string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendNative, BackendExternal:
		return Backend(s), nil
	case "":
		return BackendNative, nil
	}
	return "", fmt.Errorf("unknown backend %q (want %q or %q)", s, BackendNative, BackendExternal)
}

// Executor runs generation contracts.
//
// Run starts (ModeStart) or resumes (ModeResume) the run identified by
// initial.SessionID and initial.RunID. It always returns a FinalState; the
// error is FinalState.Err. A run that reaches an unapproved gate returns
// OutcomePaused and a nil error; resuming it before approval returns
// OutcomePaused again with ErrGateNotApproved.
//
// Approve records approval for the interrupt gate of nodeID. An empty nodeID
// approves the gate the run is paused at.
type Executor interface {
	Run(ctx context.Context, c *Contract, initial TypedState, mode Mode, opts ...RunOption) (FinalState, error)
	Approve(ctx context.Context, sessionID, runID, nodeID, note string) error
	Backend() Backend
}

// New builds an executor for backend.
//
// Example:
//
//	exec, err := graph.New(graph.BackendNative,
//	    graph.WithStore(kv),
//	    graph.WithHandlers(nodes.New(chat)),
//	)
//	final, err := exec.Run(ctx, contract, graph.NewState("s1", "r1", payload), graph.ModeStart)
func New(backend Backend, opts ...Option) (Executor, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	switch backend {
	case BackendNative, "":
		return &nativeExecutor{core: newCore(BackendNative, cfg)}, nil
	case BackendExternal:
		return &externalExecutor{core: newCore(BackendExternal, cfg)}, nil
	}
	return nil, &EngineError{Message: "unknown backend: " + string(backend), Code: "INVALID_BACKEND"}
}
