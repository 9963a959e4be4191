package model

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

func TestCostTracker(t *testing.T) {
	ct := NewCostTracker()

	cost := ct.Record("gpt-4o-mini", "draft", Usage{InputTokens: 1_000_000, OutputTokens: 500_000})
	if math.Abs(cost-0.45) > 1e-9 {
		t.Errorf("cost = %v, want 0.45", cost)
	}
	if got := ct.Record("unpriced-model", "plan", Usage{InputTokens: 100}); got != 0 {
		t.Errorf("unpriced cost = %v, want 0", got)
	}

	ct.SetPricing("local", 1, 2)
	ct.Record("local", "repair", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})

	if got := ct.TotalCost(); math.Abs(got-3.45) > 1e-9 {
		t.Errorf("TotalCost() = %v, want 3.45", got)
	}
	if got := ct.CostByModel()["local"]; got != 3 {
		t.Errorf("local cost = %v, want 3", got)
	}
	in, out := ct.TokenUsage()
	if in != 2_000_100 || out != 1_500_000 {
		t.Errorf("TokenUsage() = %d/%d", in, out)
	}
	if calls := ct.Calls(); len(calls) != 3 || calls[2].NodeID != "repair" {
		t.Errorf("Calls() = %+v", calls)
	}

	ct.Reset()
	if ct.TotalCost() != 0 || len(ct.Calls()) != 0 {
		t.Error("Reset() left recorded calls")
	}
}

func TestMetered(t *testing.T) {
	ctx := WithNodeID(context.Background(), "draft")
	ct := NewCostTracker()
	inner := &MockChatModel{Responses: []ChatOut{{Text: "ok", Usage: Usage{InputTokens: 10, OutputTokens: 5}}}}
	m := Meter(inner, "gpt-4o", ct)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Chat(ctx, []Message{{Role: RoleUser, Content: "x"}}, nil); err != nil {
				t.Errorf("Chat failed: %v", err)
			}
		}()
	}
	wg.Wait()

	calls := ct.Calls()
	if len(calls) != 8 {
		t.Fatalf("recorded %d calls, want 8", len(calls))
	}
	if calls[0].NodeID != "draft" || calls[0].Model != "gpt-4o" {
		t.Errorf("call = %+v, want node draft on gpt-4o", calls[0])
	}

	inner.Err = errors.New("boom")
	if _, err := m.Chat(ctx, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if len(ct.Calls()) != 8 {
		t.Error("failed call was metered")
	}
}
