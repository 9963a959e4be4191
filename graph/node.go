package graph

import "context"

// Node is the handler bound to one NodeKind for a run.
//
// Execute receives a deep copy of the current state with Cursor set to the
// node (and unit, for fan-out nodes) being executed. It returns the new state;
// the engine rejects a result whose cursor, run identity or schema version
// differ from the input. A fan-out handler should only change the section its
// unit owns: the join copies exactly that section back into the main state.
type Node interface {
	Execute(ctx context.Context, nodeID string, state TypedState) (NodeOutput, error)
}

// NodeOutput is the result of one node execution.
type NodeOutput struct {
	State TypedState

	// EffectDigest summarizes external effects (for example a model
	// exchange) so traces can tell two executions apart without storing the
	// exchange itself. Optional.
	EffectDigest string
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	validate := graph.NodeFunc(func(ctx context.Context, id string, s graph.TypedState) (graph.NodeOutput, error) {
//	    s.Payload.Findings = nil
//	    return graph.NodeOutput{State: s}, nil
//	})
type NodeFunc func(ctx context.Context, nodeID string, state TypedState) (NodeOutput, error)

// Execute implements the Node interface for NodeFunc.
func (f NodeFunc) Execute(ctx context.Context, nodeID string, state TypedState) (NodeOutput, error) {
	return f(ctx, nodeID, state)
}

// Handlers binds every NodeKind used by a contract to its Node.
type Handlers map[NodeKind]Node

// bind checks that every kind the contract declares has a handler. It runs
// once per run, before any node executes.
func bind(c *Contract, handlers Handlers) (map[string]Node, error) {
	bound := make(map[string]Node, len(c.Nodes))
	for _, n := range c.Nodes {
		h, ok := handlers[n.Kind]
		if !ok || h == nil {
			return nil, &EngineError{
				Message: "no handler bound for kind " + string(n.Kind) + " (node " + n.ID + ")",
				Code:    CodeMissingHandler,
			}
		}
		bound[n.ID] = h
	}
	return bound, nil
}
