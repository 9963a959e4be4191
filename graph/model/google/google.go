// Package google provides a ChatModel adapter for Google Gemini.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/draftgraph/graph/model"
)

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Content blocked by Gemini's safety filters surfaces as *SafetyFilterError,
// which is never retried.
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash")
//	out, err := m.Chat(ctx, messages, nil)
//	var blocked *google.SafetyFilterError
//	if errors.As(err, &blocked) {
//	    log.Printf("blocked: %s", blocked.Category())
//	}
type ChatModel struct {
	modelName string
	client    googleClient
}

// request is a provider-shaped Chat call: the system instruction, prior
// turns, and the parts of the final user turn.
type request struct {
	model   string
	system  string
	history []*genai.Content
	parts   []genai.Part
	tools   []*genai.Tool
}

type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a ChatModel. An empty modelName selects
// gemini-2.5-flash. The SDK client is created on first use and reused.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey},
	}
}

// ModelName returns the provider model this adapter calls.
func (m *ChatModel) ModelName() string { return m.modelName }

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	req := buildRequest(m.modelName, messages)
	if len(tools) > 0 {
		req.tools = convertTools(tools)
	}

	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return model.ChatOut{}, err
		}
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(resp)
}

// buildRequest maps the conversation onto Gemini's shape: system messages
// become the system instruction, the last user turn is sent, and everything
// before it is chat history.
func buildRequest(modelName string, messages []model.Message) request {
	system, conversation := model.SplitSystem(messages)
	req := request{model: modelName, system: system}

	last := len(conversation) - 1
	for i, msg := range conversation {
		if i == last && msg.Role != model.RoleAssistant {
			req.parts = []genai.Part{genai.Text(msg.Content)}
			break
		}
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		req.history = append(req.history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	if len(req.parts) == 0 {
		req.parts = []genai.Part{genai.Text("Continue.")}
	}
	return req
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts the top level of a JSON Schema object: property
// types, descriptions and required names.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]interface{})
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = convertType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			result.Properties[key] = prop
		}
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return model.ChatOut{}, &SafetyFilterError{reason: resp.PromptFeedback.BlockReason.String(), category: blockedCategory(resp.PromptFeedback.SafetyRatings)}
	}

	out := model.ChatOut{}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return model.ChatOut{}, &SafetyFilterError{reason: "SAFETY", category: blockedCategory(candidate.SafetyRatings)}
	}
	if candidate.Content == nil {
		return out, nil
	}

	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		case *genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out, nil
}

func blockedCategory(ratings []*genai.SafetyRating) string {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return r.Category.String()
		}
	}
	return "unspecified"
}

func translateError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return model.Classify("google", apiErr.Code, err)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "resourceexhausted") || strings.Contains(lower, "resource exhausted") {
		return model.Classify("google", 429, err)
	}
	return model.Classify("google", 0, err)
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}

type sdkClient struct {
	apiKey string

	once   sync.Once
	client *genai.Client
	err    error
}

func (c *sdkClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(c.apiKey))
	})
	if c.err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", c.err)
	}

	gm := c.client.GenerativeModel(req.model)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	gm.Tools = req.tools

	cs := gm.StartChat()
	cs.History = req.history
	return cs.SendMessage(ctx, req.parts...)
}
