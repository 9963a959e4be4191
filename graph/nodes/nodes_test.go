package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/contract"
	"github.com/dshills/draftgraph/graph/model"
	"github.com/dshills/draftgraph/graph/store"
	"github.com/dshills/draftgraph/graph/tool"
)

const outlineJSON = `[
  {"key": "intro", "title": "Introduction"},
  {"key": "design", "title": "Design"},
  {"key": "usage", "title": "Usage"}
]`

// writer answers plan and draft prompts; the Design section always fails.
func writer(msgs []model.Message) (model.ChatOut, error) {
	last := msgs[len(msgs)-1].Content
	switch {
	case strings.HasPrefix(last, "Plan the outline"):
		return model.ChatOut{Text: outlineJSON}, nil
	case strings.Contains(last, `Write the section "Design"`):
		return model.ChatOut{}, errors.New("provider down")
	case strings.Contains(last, "Write the section"):
		return model.ChatOut{Text: "## Heading the model added\nBody text."}, nil
	}
	return model.ChatOut{}, nil
}

func draftState(key, title string) graph.TypedState {
	s := graph.NewState("s1", "r1", graph.Payload{
		Brief:   "A guide.",
		Outline: []graph.SectionPlan{{Key: key, Title: title}},
		Sections: map[string]graph.Section{
			key: {Key: key, Title: title, Status: graph.SectionPending},
		},
	})
	s.Cursor = graph.Cursor{Node: "draft", Unit: graph.UnitKey(key)}
	return s
}

func TestPlan(t *testing.T) {
	ctx := context.Background()
	m := &model.MockChatModel{Reply: writer}
	h := New(m)

	out, err := h[graph.KindPlan].Execute(ctx, "plan", graph.NewState("s1", "r1", graph.Payload{Brief: "A guide."}))
	require.NoError(t, err)
	assert.Equal(t, []string{"intro", "design", "usage"}, out.State.SectionKeys())
	assert.Equal(t, graph.SectionPending, out.State.Payload.Sections["design"].Status)
	assert.True(t, strings.HasPrefix(out.EffectDigest, "sha256:"))

	again, err := h[graph.KindPlan].Execute(ctx, "plan", out.State)
	require.NoError(t, err)
	assert.Equal(t, out.State.Payload.Outline, again.State.Payload.Outline)
	assert.Equal(t, 1, m.CallCount(), "an existing outline must not be replanned")

	_, err = h[graph.KindPlan].Execute(ctx, "plan", graph.NewState("s1", "r1", graph.Payload{}))
	assert.Error(t, err)
}

func TestPlan_UnparseableOutline(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Sorry."}}}
	_, err := New(m)[graph.KindPlan].Execute(context.Background(), "plan", graph.NewState("s1", "r1", graph.Payload{Brief: "x"}))
	assert.ErrorContains(t, err, "no sections")
}

func TestDraft(t *testing.T) {
	ctx := context.Background()
	m := &model.MockChatModel{Reply: writer}
	h := New(m)

	out, err := h[graph.KindDraftSection].Execute(ctx, "draft", draftState("intro", "Introduction"))
	require.NoError(t, err)
	sec := out.State.Payload.Sections["intro"]
	assert.Equal(t, graph.SectionOK, sec.Status)
	assert.Equal(t, "Body text.", sec.Draft)
	assert.Equal(t, 1, sec.Attempt)

	_, err = h[graph.KindDraftSection].Execute(ctx, "draft", draftState("design", "Design"))
	assert.ErrorContains(t, err, "provider down")

	s := draftState("intro", "Introduction")
	s.Cursor.Unit = graph.UnitKey("unknown")
	_, err = h[graph.KindDraftSection].Execute(ctx, "draft", s)
	assert.ErrorContains(t, err, "not in the outline")
}

func TestDraft_EmptyText(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{Text: "## Only a heading"}}}
	_, err := New(m)[graph.KindDraftSection].Execute(context.Background(), "draft", draftState("a", "A"))
	assert.ErrorContains(t, err, "no text")
}

func TestDraft_ToolRounds(t *testing.T) {
	ref := &tool.MockTool{
		ToolName:  "fetch_reference",
		Responses: []map[string]interface{}{{"body": "reference text"}},
	}
	m := &model.MockChatModel{Reply: func(msgs []model.Message) (model.ChatOut, error) {
		if strings.HasPrefix(msgs[len(msgs)-1].Content, "Tool results:") {
			return model.ChatOut{Text: "Drafted with reference."}, nil
		}
		return model.ChatOut{ToolCalls: []model.ToolCall{{Name: "fetch_reference", Input: map[string]interface{}{"url": "https://example.com"}}}}, nil
	}}

	out, err := New(m, WithTools(ref))[graph.KindDraftSection].Execute(context.Background(), "draft", draftState("a", "A"))
	require.NoError(t, err)
	assert.Equal(t, "Drafted with reference.", out.State.Payload.Sections["a"].Draft)
	assert.Equal(t, 1, ref.CallCount())
	require.Equal(t, 2, m.CallCount())
	assert.Len(t, m.Calls[0].Tools, 1)
	assert.Contains(t, m.Calls[1].Messages[len(m.Calls[1].Messages)-1].Content, "reference text")
}

func TestDraft_ToolRoundsBounded(t *testing.T) {
	ref := &tool.MockTool{ToolName: "fetch_reference"}
	m := &model.MockChatModel{Responses: []model.ChatOut{{
		Text:      "Final text.",
		ToolCalls: []model.ToolCall{{Name: "fetch_reference"}},
	}}}

	_, err := New(m, WithTools(ref), WithToolRounds(1))[graph.KindDraftSection].Execute(context.Background(), "draft", draftState("a", "A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still calling tools after 1 rounds")
	assert.Equal(t, 1, ref.CallCount())
	require.Equal(t, 2, m.CallCount())
	assert.Len(t, m.Calls[1].Tools, 1)
}

func TestDraft_ToolCallsWithoutTools(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{
		Text:      "Plain text.",
		ToolCalls: []model.ToolCall{{Name: "fetch_reference"}},
	}}}

	out, err := New(m)[graph.KindDraftSection].Execute(context.Background(), "draft", draftState("a", "A"))
	require.NoError(t, err)
	assert.Equal(t, "Plain text.", out.State.Payload.Sections["a"].Draft)
	assert.Equal(t, 1, m.CallCount())
}

func TestAggregateValidate(t *testing.T) {
	ctx := context.Background()
	h := New(&model.MockChatModel{})
	s := graph.NewState("s1", "r1", graph.Payload{
		Outline: []graph.SectionPlan{{Key: "a", Title: "A"}, {Key: "b", Title: "B"}, {Key: "c", Title: "C"}},
		Sections: map[string]graph.Section{
			"a": {Key: "a", Status: graph.SectionOK, Draft: "first"},
			"b": {Key: "b", Status: graph.SectionError, Error: "timeout"},
			"c": {Key: "c", Status: graph.SectionOK, Draft: "third"},
		},
	})

	out, err := h[graph.KindAggregate].Execute(ctx, "aggregate", s)
	require.NoError(t, err)
	assert.Equal(t, "## A\n\nfirst\n\n## B\n\n> Not drafted: timeout\n\n## C\n\nthird\n", out.State.Payload.Document)

	out, err = h[graph.KindValidate].Execute(ctx, "validate", out.State)
	require.NoError(t, err)
	require.Len(t, out.State.Payload.Findings, 1)
	assert.Equal(t, "b", out.State.Payload.Findings[0].Section)
	assert.Equal(t, FindingMissing, out.State.Payload.Findings[0].Kind)
}

func TestRepair(t *testing.T) {
	m := &model.MockChatModel{Responses: []model.ChatOut{{Text: "```markdown\n## A\n\nbody\n```"}}}
	s := graph.NewState("s1", "r1", graph.Payload{
		Document: "## A\n\nbody  \n",
		Findings: []graph.Finding{{Kind: graph.FindingFormat, Message: "1 lines have trailing whitespace"}},
	})

	out, err := New(m)[graph.KindRepair].Execute(context.Background(), "repair", s)
	require.NoError(t, err)
	assert.Equal(t, "## A\n\nbody\n", out.State.Payload.Document)
	assert.Empty(t, out.State.Payload.Findings)
	assert.Equal(t, 1, out.State.Payload.Repairs)
	assert.NotEmpty(t, out.EffectDigest)
}

func TestRepair_EmptyReplyNormalizes(t *testing.T) {
	s := graph.NewState("s1", "r1", graph.Payload{Document: "## A\n\nbody\t"})
	out, err := New(&model.MockChatModel{})[graph.KindRepair].Execute(context.Background(), "repair", s)
	require.NoError(t, err)
	assert.Equal(t, "## A\n\nbody\n", out.State.Payload.Document)
}

func TestCompose(t *testing.T) {
	for _, backend := range []graph.Backend{graph.BackendNative, graph.BackendExternal} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			c, err := contract.Builtin(contract.Compose)
			require.NoError(t, err)

			m := &model.MockChatModel{Reply: writer}
			exec, err := graph.New(backend,
				graph.WithStore(store.NewMemKV()),
				graph.WithHandlers(New(m)),
			)
			require.NoError(t, err)

			final, err := exec.Run(ctx, c, graph.NewState("s1", "r1", graph.Payload{Brief: "A guide."}), graph.ModeStart)
			require.NoError(t, err)
			assert.Equal(t, graph.OutcomeCompletedWithFailures, final.Outcome)
			require.Len(t, final.FailedUnits, 1)
			assert.Equal(t, graph.UnitKey("design"), final.FailedUnits[0].UnitKey)

			p := final.State.Payload
			assert.Equal(t, graph.SectionOK, p.Sections["intro"].Status)
			assert.Equal(t, graph.SectionOK, p.Sections["usage"].Status)
			assert.Equal(t, graph.SectionError, p.Sections["design"].Status)
			assert.Contains(t, p.Sections["design"].Error, "provider down")

			assert.True(t, strings.HasPrefix(p.Document, "## Introduction\n\nBody text.\n\n## Design\n\n> Not drafted: "))
			assert.True(t, strings.HasSuffix(p.Document, "## Usage\n\nBody text.\n"))
			require.Len(t, p.Findings, 1)
			assert.Equal(t, FindingMissing, p.Findings[0].Kind)
			assert.Zero(t, p.Repairs, "content findings are not repaired")
			assert.Equal(t, 4, m.CallCount())
		})
	}
}

func TestFormatOnly(t *testing.T) {
	ctx := context.Background()
	c, err := contract.Builtin(contract.FormatOnly)
	require.NoError(t, err)

	exec, err := graph.New(graph.BackendNative, graph.WithHandlers(New(&model.MockChatModel{})))
	require.NoError(t, err)

	initial := graph.NewState("s1", "r1", graph.Payload{
		Outline:  []graph.SectionPlan{{Key: "a", Title: "A"}},
		Sections: map[string]graph.Section{"a": {Key: "a", Title: "A", Status: graph.SectionOK, Draft: "body"}},
		Document: "## A\n\nbody   \n\n\n\n\n",
	})
	final, err := exec.Run(ctx, c, initial, graph.ModeStart)
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeCompleted, final.Outcome)
	assert.Equal(t, "## A\n\nbody\n", final.State.Payload.Document)
	assert.Empty(t, final.State.Payload.Findings)
	assert.Equal(t, 1, final.State.Payload.Repairs)
}
