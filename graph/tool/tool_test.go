package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/draftgraph/graph/model"
)

func TestSpecs_Sorted(t *testing.T) {
	specs := Specs([]Tool{&MockTool{ToolName: "zeta"}, NewFetchTool(), &MockTool{ToolName: "alpha"}})
	got := []string{specs[0].Name, specs[1].Name, specs[2].Name}
	want := []string{"alpha", "fetch_reference", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Specs() order = %v, want %v", got, want)
		}
	}
}

func TestDispatch(t *testing.T) {
	search := &MockTool{ToolName: "search", Responses: []map[string]interface{}{{"hits": 2}}}
	broken := &MockTool{ToolName: "broken", Err: errors.New("backend down")}
	tools := []Tool{search, broken}

	results, err := Dispatch(context.Background(), tools, []model.ToolCall{
		{Name: "search", Input: map[string]interface{}{"q": "lru"}},
		{Name: "broken"},
		{Name: "missing"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Output["hits"] != 2 {
		t.Errorf("search result = %+v", results[0])
	}
	if results[1].Err == nil || results[2].Err == nil {
		t.Error("tool error and unknown tool should be failed results")
	}
	if search.Calls[0].Input["q"] != "lru" {
		t.Errorf("search input = %v", search.Calls[0].Input)
	}

	msg := Message(results)
	if msg.Role != model.RoleUser || !strings.Contains(msg.Content, `search: {"hits":2}`) || !strings.Contains(msg.Content, "broken: error: backend down") {
		t.Errorf("message = %q", msg.Content)
	}
}

func TestDispatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &MockTool{ToolName: "search"}
	if _, err := Dispatch(ctx, []Tool{m}, []model.ToolCall{{Name: "search"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if m.CallCount() != 0 {
		t.Error("tool called after cancellation")
	}
}
