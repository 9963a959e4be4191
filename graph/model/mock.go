package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Responses are returned in order; once consumed, the last response repeats.
// Reply, when set, computes the response from the request instead, which
// keeps concurrent callers (one per fan-out unit) deterministic regardless of
// call order.
//
//	mock := &MockChatModel{
//	    Reply: func(msgs []Message) (ChatOut, error) {
//	        return ChatOut{Text: "echo: " + msgs[len(msgs)-1].Content}, nil
//	    },
//	}
type MockChatModel struct {
	Responses []ChatOut

	Reply func(messages []Message) (ChatOut, error)

	// Err, if set, is returned instead of a response.
	Err error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records a single invocation of Chat().
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements the ChatModel interface.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: messages,
		Tools:    tools,
	})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Reply != nil {
		return m.Reply(messages)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}

	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Chat() has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
