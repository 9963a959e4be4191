// Package model provides the chat model abstraction used by node handlers,
// with adapters for Anthropic, OpenAI and Google and a mock for tests.
package model

import "context"

// ChatModel defines the interface for LLM chat providers.
//
// Implementations convert the provider-neutral Message format to the
// provider's wire format and back, and respect context cancellation.
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "You write technical documents."},
//	    {Role: model.RoleUser, Content: "Outline a design doc for a cache."},
//	}, nil)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response. tools is nil
	// when the caller offers no tools.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	Content string
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool that an LLM can call. Schema is a JSON Schema
// object describing the tool input.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is the response of one Chat call.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall

	// Usage is the token accounting reported by the provider. Zero when the
	// provider does not report it.
	Usage Usage
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// Usage counts the tokens consumed by one exchange.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// SplitSystem separates system messages from the conversation. Providers
// that take the system prompt as a separate parameter use it; multiple system
// messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, msg := range messages {
		if msg.Role != RoleSystem {
			rest = append(rest, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}
	return system, rest
}
