package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelPricing is the price of one model in USD per million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing is a static snapshot of public list prices. Models not
// listed are recorded at zero cost; override with SetPricing.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-2.5-flash":           {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// Call records one metered model exchange.
type Call struct {
	Model     string
	NodeID    string
	Usage     Usage
	CostUSD   float64
	Timestamp time.Time
}

// CostTracker accumulates token usage and cost across the model calls of a
// process. It is safe for concurrent use by fan-out units.
type CostTracker struct {
	mu        sync.RWMutex
	pricing   map[string]ModelPricing
	calls     []Call
	total     float64
	byModel   map[string]float64
	input     int64
	output    int64
	createdAt time.Time
}

// NewCostTracker returns a tracker using the static pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for k, v := range defaultModelPricing {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:   pricing,
		byModel:   make(map[string]float64),
		createdAt: time.Now(),
	}
}

// Record adds one exchange and returns its cost.
func (ct *CostTracker) Record(model, nodeID string, usage Usage) float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	p := ct.pricing[model]
	cost := float64(usage.InputTokens)/1_000_000*p.InputPer1M +
		float64(usage.OutputTokens)/1_000_000*p.OutputPer1M

	ct.calls = append(ct.calls, Call{
		Model:     model,
		NodeID:    nodeID,
		Usage:     usage,
		CostUSD:   cost,
		Timestamp: time.Now(),
	})
	ct.total += cost
	ct.byModel[model] += cost
	ct.input += int64(usage.InputTokens)
	ct.output += int64(usage.OutputTokens)
	return cost
}

// SetPricing overrides the price of model.
func (ct *CostTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// TotalCost returns the accumulated cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.total
}

// CostByModel returns a copy of the per-model totals.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	costs := make(map[string]float64, len(ct.byModel))
	for m, c := range ct.byModel {
		costs[m] = c
	}
	return costs
}

// Calls returns a copy of the call history.
func (ct *CostTracker) Calls() []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	calls := make([]Call, len(ct.calls))
	copy(calls, ct.calls)
	return calls
}

// TokenUsage returns the accumulated input and output tokens.
func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.input, ct.output
}

// Reset clears all recorded calls. Pricing overrides are kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.calls = nil
	ct.total = 0
	ct.byModel = make(map[string]float64)
	ct.input = 0
	ct.output = 0
}

func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return fmt.Sprintf("CostTracker{Calls: %d, TotalCost: $%.4f, InputTokens: %d, OutputTokens: %d, Since: %s}",
		len(ct.calls), ct.total, ct.input, ct.output, ct.createdAt.Format(time.RFC3339))
}

type nodeIDKey struct{}

// WithNodeID tags ctx with the node making model calls, so metered calls can
// be attributed.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeIDFrom returns the node id set by WithNodeID.
func NodeIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey{}).(string)
	return id
}

// Metered wraps a ChatModel and records the usage of every successful call.
type Metered struct {
	next    ChatModel
	model   string
	tracker *CostTracker
}

// Meter returns m wrapped so its usage is priced as modelName in tracker.
func Meter(m ChatModel, modelName string, tracker *CostTracker) *Metered {
	return &Metered{next: m, model: modelName, tracker: tracker}
}

// Chat implements ChatModel.
func (m *Metered) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	out, err := m.next.Chat(ctx, messages, tools)
	if err != nil {
		return out, err
	}
	m.tracker.Record(m.model, NodeIDFrom(ctx), out.Usage)
	return out, nil
}
