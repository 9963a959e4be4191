// Package openai provides a ChatModel adapter for OpenAI chat completions.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/draftgraph/graph/model"
)

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Transient failures (rate limits, 5xx, timeouts) are retried inside Chat
// with a linear backoff before they reach the node's own retry policy.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini")
type ChatModel struct {
	modelName  string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient is the slice of the SDK the adapter uses.
type openaiClient interface {
	createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// NewChatModel creates a ChatModel with 3 retries one second apart. An empty
// modelName selects gpt-4o-mini.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &ChatModel{
		modelName:  modelName,
		client:     newSDKClient(apiKey),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// ModelName returns the provider model this adapter calls.
func (m *ChatModel) ModelName() string { return m.modelName }

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		completion, err := m.client.createChatCompletion(ctx, params)
		if err == nil {
			return convertResponse(completion)
		}

		lastErr = translateError(err)
		if !model.IsRetryable(lastErr) || attempt >= m.maxRetries {
			break
		}

		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}

	return model.ChatOut{}, fmt.Errorf("openai: %w", lastErr)
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	return out
}

func convertResponse(completion *openai.ChatCompletion) (model.ChatOut, error) {
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: response has no choices")
	}
	msg := completion.Choices[0].Message
	out := model.ChatOut{
		Text: msg.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return model.ChatOut{}, fmt.Errorf("openai: tool %s arguments: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out, nil
}

func translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return model.Classify("openai", apiErr.StatusCode, err)
	}
	return model.Classify("openai", 0, err)
}

type sdkClient struct {
	client openai.Client
}

func newSDKClient(apiKey string) *sdkClient {
	return &sdkClient{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (c *sdkClient) createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}
