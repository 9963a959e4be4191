package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/dshills/draftgraph/graph/model"
)

type fakeClient struct {
	replies []string
	errs    []error
	calls   []openai.ChatCompletionNewParams
}

func (f *fakeClient) createChatCompletion(_ context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	i := len(f.calls)
	f.calls = append(f.calls, params)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	var c openai.ChatCompletion
	if err := json.Unmarshal([]byte(f.replies[min(i, len(f.replies)-1)]), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

const okReply = `{
	"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
	"choices": [{
		"index": 0, "finish_reason": "stop",
		"message": {
			"role": "assistant", "content": "1. Intro\n2. Design",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"term\":\"LRU\"}"}}]
		}
	}],
	"usage": {"prompt_tokens": 30, "completion_tokens": 12, "total_tokens": 42}
}`

func newTestModel(f *fakeClient) *ChatModel {
	return &ChatModel{modelName: "gpt-4o-mini", client: f, maxRetries: 2, retryDelay: time.Millisecond}
}

func TestChatModel_Chat(t *testing.T) {
	fake := &fakeClient{replies: []string{okReply}}
	out, err := newTestModel(fake).Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "plan"},
		{Role: model.RoleUser, Content: "outline a cache design"},
	}, []model.ToolSpec{{Name: "lookup", Schema: map[string]interface{}{"type": "object"}}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != "1. Intro\n2. Design" {
		t.Errorf("text = %q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Input["term"] != "LRU" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if out.Usage.Total() != 42 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if p := fake.calls[0]; len(p.Messages) != 2 || len(p.Tools) != 1 || p.Tools[0].Function.Name != "lookup" {
		t.Errorf("params = %+v", p)
	}
}

func TestChatModel_Retry(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		fake := &fakeClient{
			replies: []string{okReply},
			errs:    []error{errors.New("503 service unavailable"), errors.New("rate limit reached")},
		}
		if _, err := newTestModel(fake).Chat(context.Background(), nil, nil); err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if len(fake.calls) != 3 {
			t.Errorf("calls = %d, want 3", len(fake.calls))
		}
	})

	t.Run("permanent errors are not", func(t *testing.T) {
		fake := &fakeClient{errs: []error{errors.New("invalid request: bad model")}}
		_, err := newTestModel(fake).Chat(context.Background(), nil, nil)
		if err == nil || model.IsRetryable(err) {
			t.Fatalf("err = %v, want permanent error", err)
		}
		if len(fake.calls) != 1 {
			t.Errorf("calls = %d, want 1", len(fake.calls))
		}
	})

	t.Run("retries are bounded", func(t *testing.T) {
		timeout := errors.New("request timeout")
		fake := &fakeClient{errs: []error{timeout, timeout, timeout, timeout}}
		_, err := newTestModel(fake).Chat(context.Background(), nil, nil)
		if !errors.Is(err, timeout) || !model.IsRetryable(err) {
			t.Errorf("err = %v, want retryable timeout", err)
		}
		if len(fake.calls) != 3 {
			t.Errorf("calls = %d, want 3 (1 + 2 retries)", len(fake.calls))
		}
	})
}

func TestConvertResponse_NoChoices(t *testing.T) {
	if _, err := convertResponse(&openai.ChatCompletion{}); err == nil {
		t.Error("expected error for empty choices")
	}
}
