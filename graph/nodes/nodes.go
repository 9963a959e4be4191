// Package nodes provides reference handlers for every node kind, backed by a
// chat model.
//
//	handlers := nodes.New(openai.NewChatModel(key, ""), nodes.WithLogger(logger))
//	exec, err := graph.New(graph.BackendNative, graph.WithHandlers(handlers))
package nodes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/model"
	"github.com/dshills/draftgraph/graph/tool"
)

// Option configures the handlers.
type Option func(*handlers)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(h *handlers) { h.logger = l }
}

// WithTools offers tools to the model while drafting sections.
func WithTools(tools ...tool.Tool) Option {
	return func(h *handlers) { h.tools = append(h.tools, tools...) }
}

// WithToolRounds bounds the model/tool exchanges of one draft. Default 2.
func WithToolRounds(n int) Option {
	return func(h *handlers) { h.toolRounds = n }
}

// WithMaxSections caps the outline produced by plan. Default 12.
func WithMaxSections(n int) Option {
	return func(h *handlers) { h.maxSections = n }
}

type handlers struct {
	model       model.ChatModel
	logger      *zap.Logger
	tools       []tool.Tool
	toolRounds  int
	maxSections int
}

// New returns handlers for every node kind. validate never calls the model.
func New(m model.ChatModel, opts ...Option) graph.Handlers {
	h := &handlers{
		model:       m,
		logger:      zap.NewNop(),
		toolRounds:  2,
		maxSections: 12,
	}
	for _, opt := range opts {
		opt(h)
	}
	return graph.Handlers{
		graph.KindPlan:         graph.NodeFunc(h.plan),
		graph.KindDraftSection: graph.NodeFunc(h.draft),
		graph.KindAggregate:    graph.NodeFunc(h.aggregate),
		graph.KindValidate:     graph.NodeFunc(h.validate),
		graph.KindRepair:       graph.NodeFunc(h.repair),
	}
}

// plan asks the model for an outline unless the state already carries one,
// as in section_resume and format_only runs.
func (h *handlers) plan(ctx context.Context, nodeID string, s graph.TypedState) (graph.NodeOutput, error) {
	if len(s.Payload.Outline) > 0 {
		h.logger.Debug("outline present, skipping model", zap.String("node", nodeID), zap.Int("sections", len(s.Payload.Outline)))
		return graph.NodeOutput{State: s}, nil
	}
	if strings.TrimSpace(s.Payload.Brief) == "" {
		return graph.NodeOutput{}, errors.New("plan: brief is empty")
	}

	msgs := planPrompt(s.Payload.Brief, h.maxSections)
	out, err := h.model.Chat(model.WithNodeID(ctx, nodeID), msgs, nil)
	if err != nil {
		return graph.NodeOutput{}, fmt.Errorf("plan: %w", err)
	}
	outline, err := parseOutline(out.Text, h.maxSections)
	if err != nil {
		return graph.NodeOutput{}, fmt.Errorf("plan: %w", err)
	}

	s.Payload.Outline = outline
	if s.Payload.Sections == nil {
		s.Payload.Sections = make(map[string]graph.Section, len(outline))
	}
	for _, p := range outline {
		if _, ok := s.Payload.Sections[p.Key]; !ok {
			s.Payload.Sections[p.Key] = graph.Section{Key: p.Key, Title: p.Title, Status: graph.SectionPending}
		}
	}
	h.logger.Info("outline planned", zap.String("run_id", s.RunID), zap.Int("sections", len(outline)))
	return graph.NodeOutput{State: s, EffectDigest: effectDigest(msgs, out.Text)}, nil
}

// draft writes the one section owned by the unit in the cursor. The model
// gets at most toolRounds rounds of tool calls; asking for more fails the
// section.
func (h *handlers) draft(ctx context.Context, nodeID string, s graph.TypedState) (graph.NodeOutput, error) {
	key, ok := graph.SectionKeyOf(s.Cursor.Unit)
	if !ok {
		return graph.NodeOutput{}, fmt.Errorf("draft: unit %q is not a section", s.Cursor.Unit)
	}
	var plan graph.SectionPlan
	for _, p := range s.Payload.Outline {
		if p.Key == key {
			plan = p
		}
	}
	if plan.Key == "" {
		return graph.NodeOutput{}, fmt.Errorf("draft: section %q is not in the outline", key)
	}

	ctx = model.WithNodeID(ctx, nodeID)
	msgs := draftPrompt(s.Payload.Brief, s.Payload.Outline, plan)
	specs := tool.Specs(h.tools)

	var out model.ChatOut
	var err error
	for round := 0; ; round++ {
		out, err = h.model.Chat(ctx, msgs, specs)
		if err != nil {
			return graph.NodeOutput{}, fmt.Errorf("draft %s: %w", key, err)
		}
		if len(out.ToolCalls) == 0 || len(specs) == 0 {
			break
		}
		if round >= h.toolRounds {
			return graph.NodeOutput{}, fmt.Errorf("draft %s: model still calling tools after %d rounds", key, h.toolRounds)
		}
		results, err := tool.Dispatch(ctx, h.tools, out.ToolCalls)
		if err != nil {
			return graph.NodeOutput{}, fmt.Errorf("draft %s: %w", key, err)
		}
		msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: out.Text}, tool.Message(results))
	}

	text := stripHeading(out.Text)
	if text == "" {
		return graph.NodeOutput{}, fmt.Errorf("draft %s: model returned no text", key)
	}

	if s.Payload.Sections == nil {
		s.Payload.Sections = make(map[string]graph.Section)
	}
	prev := s.Payload.Sections[key]
	s.Payload.Sections[key] = graph.Section{
		Key:     key,
		Title:   plan.Title,
		Draft:   text,
		Status:  graph.SectionOK,
		Attempt: prev.Attempt + 1,
	}
	return graph.NodeOutput{State: s, EffectDigest: effectDigest(msgs, out.Text)}, nil
}

// aggregate concatenates drafted sections in outline order. Sections that
// failed are listed in place with their error.
func (h *handlers) aggregate(_ context.Context, _ string, s graph.TypedState) (graph.NodeOutput, error) {
	parts := make([]string, 0, len(s.Payload.Outline))
	for _, p := range s.Payload.Outline {
		sec, ok := s.Payload.Sections[p.Key]
		switch {
		case ok && sec.Status == graph.SectionOK:
			parts = append(parts, "## "+p.Title+"\n\n"+sec.Draft)
		case ok && sec.Status == graph.SectionError:
			parts = append(parts, "## "+p.Title+"\n\n> Not drafted: "+sec.Error)
		}
	}
	s.Payload.Document = strings.Join(parts, "\n\n") + "\n"
	return graph.NodeOutput{State: s}, nil
}

// validate recomputes findings from the document structure.
func (h *handlers) validate(_ context.Context, nodeID string, s graph.TypedState) (graph.NodeOutput, error) {
	s.Payload.Findings = check(s.Payload)
	h.logger.Debug("validated", zap.String("node", nodeID), zap.Int("findings", len(s.Payload.Findings)))
	return graph.NodeOutput{State: s}, nil
}

// repair asks the model to fix format findings, then normalizes the result.
// An empty model answer falls back to normalizing the current document.
func (h *handlers) repair(ctx context.Context, nodeID string, s graph.TypedState) (graph.NodeOutput, error) {
	msgs := repairPrompt(s.Payload.Document, s.Payload.Findings)
	out, err := h.model.Chat(model.WithNodeID(ctx, nodeID), msgs, nil)
	if err != nil {
		return graph.NodeOutput{}, fmt.Errorf("repair: %w", err)
	}

	doc := strings.TrimSpace(stripFence(out.Text))
	if doc == "" {
		doc = s.Payload.Document
	}
	s.Payload.Document = normalize(doc)
	s.Payload.Findings = nil
	s.Payload.Repairs++
	return graph.NodeOutput{State: s, EffectDigest: effectDigest(msgs, out.Text)}, nil
}

// effectDigest identifies a model exchange without storing it.
func effectDigest(msgs []model.Message, reply string) string {
	data, _ := json.Marshal(struct {
		Messages []model.Message `json:"messages"`
		Reply    string          `json:"reply"`
	}{msgs, reply})
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
