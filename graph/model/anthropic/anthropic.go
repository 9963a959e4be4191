// Package anthropic provides a ChatModel adapter for Anthropic's Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/draftgraph/graph/model"
)

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are sent through the separate system parameter; the rest
// of the conversation keeps its order.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-20241022")
//	out, err := m.Chat(ctx, messages, nil)
type ChatModel struct {
	modelName string
	client    anthropicClient
}

// anthropicClient is the slice of the SDK the adapter uses, so tests can
// replace the network.
type anthropicClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// NewChatModel creates a ChatModel. An empty modelName selects
// claude-3-5-sonnet-20241022.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-3-5-sonnet-20241022"
	}
	return &ChatModel{
		modelName: modelName,
		client:    newSDKClient(apiKey),
	}
}

// ModelName returns the provider model this adapter calls.
func (m *ChatModel) ModelName() string { return m.modelName }

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := m.client.createMessage(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(msg), nil
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Schema["properties"]}
		switch req := t.Schema["required"].(type) {
		case []string:
			schema.Required = req
		case []interface{}:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func convertResponse(msg *anthropic.Message) model.ChatOut {
	out := model.ChatOut{
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	return out
}

// translateError classifies SDK errors by HTTP status.
func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.Classify("anthropic", apiErr.StatusCode, err)
	}
	return model.Classify("anthropic", 0, err)
}

type sdkClient struct {
	client anthropic.Client
}

func newSDKClient(apiKey string) *sdkClient {
	return &sdkClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}
