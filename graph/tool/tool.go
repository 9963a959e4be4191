// Package tool provides tools a chat model may call while drafting, and the
// dispatch of model tool calls to them.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/draftgraph/graph/model"
)

// Tool is an action offered to a chat model.
//
// Call must be safe for concurrent use: fan-out units call tools in
// parallel.
type Tool interface {
	// Spec describes the tool to the model. Spec().Name identifies the tool.
	Spec() model.ToolSpec

	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Specs returns the specs of tools sorted by name, so prompts are
// deterministic.
func Specs(tools []Tool) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Result is the outcome of one tool call.
type Result struct {
	Name   string
	Output map[string]interface{}
	Err    error
}

// Dispatch runs calls in order against tools. Unknown tools and tool errors
// become failed results rather than errors, so the model can see them;
// only context cancellation aborts.
func Dispatch(ctx context.Context, tools []Tool, calls []model.ToolCall) ([]Result, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Spec().Name] = t
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		t, ok := byName[call.Name]
		if !ok {
			results = append(results, Result{Name: call.Name, Err: fmt.Errorf("unknown tool %q", call.Name)})
			continue
		}
		out, err := t.Call(ctx, call.Input)
		results = append(results, Result{Name: call.Name, Output: out, Err: err})
	}
	return results, nil
}

// Message renders results as a user message for the next model turn.
func Message(results []Result) model.Message {
	var sb strings.Builder
	sb.WriteString("Tool results:\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Name)
		sb.WriteString(": ")
		if r.Err != nil {
			sb.WriteString("error: ")
			sb.WriteString(r.Err.Error())
		} else {
			data, err := json.Marshal(r.Output)
			if err != nil {
				data = []byte(fmt.Sprintf("%v", r.Output))
			}
			sb.Write(data)
		}
		sb.WriteString("\n")
	}
	return model.Message{Role: model.RoleUser, Content: sb.String()}
}
