package tool

import (
	"context"
	"sync"

	"github.com/dshills/draftgraph/graph/model"
)

// MockTool is a test implementation of Tool. Responses are returned in order
// and the last one repeats; Err, if set, is returned instead.
type MockTool struct {
	ToolName  string
	Responses []map[string]interface{}
	Err       error

	// Calls records every invocation.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]interface{}
}

// Spec implements the Tool interface.
func (m *MockTool) Spec() model.ToolSpec {
	return model.ToolSpec{Name: m.ToolName, Schema: map[string]interface{}{"type": "object"}}
}

// Call implements the Tool interface.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of times Call() has been called.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
