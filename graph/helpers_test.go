package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fixture provides deterministic handlers for every node kind and counts
// their invocations. Hooks run inside the handler before it builds its
// result; a hook error fails the invocation.
type fixture struct {
	mu    sync.Mutex
	calls map[string]int

	failSection map[string]bool
	onDraft     func(ctx context.Context, key string) error
	onNode      map[string]func(ctx context.Context, s *TypedState) error
}

func newFixture() *fixture {
	return &fixture{
		calls:       make(map[string]int),
		failSection: make(map[string]bool),
		onNode:      make(map[string]func(ctx context.Context, s *TypedState) error),
	}
}

func (f *fixture) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.calls[name]
}

func (f *fixture) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fixture) hook(ctx context.Context, nodeID string, s *TypedState) error {
	if h := f.onNode[nodeID]; h != nil {
		return h(ctx, s)
	}
	return nil
}

func (f *fixture) handlers() Handlers {
	return Handlers{
		KindPlan:         NodeFunc(f.plan),
		KindDraftSection: NodeFunc(f.draft),
		KindAggregate:    NodeFunc(f.aggregate),
		KindValidate:     NodeFunc(f.validate),
		KindRepair:       NodeFunc(f.repair),
	}
}

func (f *fixture) plan(ctx context.Context, id string, s TypedState) (NodeOutput, error) {
	f.count(id)
	if err := f.hook(ctx, id, &s); err != nil {
		return NodeOutput{}, err
	}
	if len(s.Payload.Outline) == 0 {
		s.Payload.Outline = []SectionPlan{{Key: "a", Title: "Alpha"}, {Key: "b", Title: "Beta"}}
	}
	return NodeOutput{State: s}, nil
}

func (f *fixture) draft(ctx context.Context, id string, s TypedState) (NodeOutput, error) {
	key, _ := SectionKeyOf(s.Cursor.Unit)
	f.count("draft:" + key)
	if f.onDraft != nil {
		if err := f.onDraft(ctx, key); err != nil {
			return NodeOutput{}, err
		}
	}
	if f.failSection[key] {
		return NodeOutput{}, errors.New("provider refused section " + key)
	}

	var title string
	for _, p := range s.Payload.Outline {
		if p.Key == key {
			title = p.Title
		}
	}
	if s.Payload.Sections == nil {
		s.Payload.Sections = make(map[string]Section)
	}
	prev := s.Payload.Sections[key]
	s.Payload.Sections[key] = Section{
		Key:     key,
		Title:   title,
		Draft:   "draft of " + title,
		Status:  SectionOK,
		Attempt: prev.Attempt + 1,
	}
	return NodeOutput{State: s, EffectDigest: "effect:" + key}, nil
}

func (f *fixture) aggregate(ctx context.Context, id string, s TypedState) (NodeOutput, error) {
	f.count(id)
	if err := f.hook(ctx, id, &s); err != nil {
		return NodeOutput{}, err
	}
	var parts []string
	for _, key := range s.SectionKeys() {
		if sec, ok := s.Payload.Sections[key]; ok && sec.Status == SectionOK {
			parts = append(parts, sec.Draft)
		}
	}
	s.Payload.Document = strings.Join(parts, "\n\n")
	return NodeOutput{State: s}, nil
}

func (f *fixture) validate(ctx context.Context, id string, s TypedState) (NodeOutput, error) {
	f.count(id)
	s.Payload.Findings = nil
	if err := f.hook(ctx, id, &s); err != nil {
		return NodeOutput{}, err
	}
	return NodeOutput{State: s}, nil
}

func (f *fixture) repair(ctx context.Context, id string, s TypedState) (NodeOutput, error) {
	f.count(id)
	if err := f.hook(ctx, id, &s); err != nil {
		return NodeOutput{}, err
	}
	s.Payload.Repairs++
	s.Payload.Findings = nil
	return NodeOutput{State: s}, nil
}

func hasFormatFindings(s TypedState) bool {
	for _, f := range s.Payload.Findings {
		if f.Kind == FindingFormat {
			return true
		}
	}
	return false
}

// draftContract is plan -> draft(per section) -> aggregate -> validate, with
// a bounded repair loop on format findings.
func draftContract() *Contract {
	return &Contract{
		Name:    "compose",
		Version: "1",
		Entry:   "plan",
		Nodes: []NodeSpec{
			{ID: "plan", Kind: KindPlan},
			{ID: "draft", Kind: KindDraftSection},
			{ID: "aggregate", Kind: KindAggregate},
			{ID: "validate", Kind: KindValidate},
			{ID: "repair", Kind: KindRepair},
		},
		Edges: []Edge{
			{From: "draft", To: "aggregate"},
			{From: "aggregate", To: "validate"},
			{From: "repair", To: "validate"},
		},
		Routes: []Route{
			{
				Name: "fan_out_sections",
				From: "plan",
				Branches: []Branch{
					{Name: "sections", To: "draft", Units: func(s TypedState) []string { return s.SectionKeys() }},
				},
			},
			{
				Name: "after_validate",
				From: "validate",
				Branches: []Branch{
					{Name: "repair_format", To: "repair", When: hasFormatFindings, Retry: &RetryLoop{MaxAttempts: 2, Counter: "repair"}},
				},
				Default: End,
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend Backend)) {
	t.Helper()
	for _, b := range []Backend{BackendNative, BackendExternal} {
		t.Run(string(b), func(t *testing.T) {
			fn(t, b)
		})
	}
}

func newExecutor(t *testing.T, backend Backend, f *fixture, opts ...Option) Executor {
	t.Helper()
	exec, err := New(backend, append([]Option{WithHandlers(f.handlers())}, opts...)...)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", backend, err)
	}
	return exec
}
