package contract

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/dshills/draftgraph/graph"
)

type hclFile struct {
	Contract hclContract `hcl:"contract,block"`
}

type hclContract struct {
	Name    string     `hcl:"name,label"`
	Version string     `hcl:"version,optional"`
	Entry   string     `hcl:"entry"`
	Nodes   []hclNode  `hcl:"node,block"`
	Edges   []hclEdge  `hcl:"edge,block"`
	Routes  []hclRoute `hcl:"route,block"`
}

type hclNode struct {
	ID            string    `hcl:"id,label"`
	Kind          string    `hcl:"kind"`
	FanOut        bool      `hcl:"fan_out,optional"`
	Interruptible bool      `hcl:"interruptible,optional"`
	Timeout       string    `hcl:"timeout,optional"`
	Retry         *hclRetry `hcl:"retry,block"`
}

type hclRetry struct {
	MaxAttempts int    `hcl:"max_attempts"`
	BaseDelay   string `hcl:"base_delay,optional"`
	MaxDelay    string `hcl:"max_delay,optional"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

type hclRoute struct {
	Name     string      `hcl:"name,label"`
	From     string      `hcl:"from"`
	Default  string      `hcl:"default,optional"`
	Branches []hclBranch `hcl:"branch,block"`
}

type hclBranch struct {
	Name  string         `hcl:"name,label"`
	To    string         `hcl:"to"`
	When  hcl.Expression `hcl:"when,optional"`
	Units string         `hcl:"units,optional"`
	Retry *hclLoop       `hcl:"retry,block"`
}

type hclLoop struct {
	MaxAttempts int    `hcl:"max_attempts"`
	Counter     string `hcl:"counter"`
}

// LoadHCL decodes and validates a contract written in HCL. A branch's when
// attribute is either a predicate name from reg or a boolean expression over
// the state view:
//
//	mode      string
//	findings  list(object({section, kind, message}))
//	sections  map(object({title, status, error, attempt}))
//	attempts  map(number)
//	repairs   number
//
// with the functions length, contains and keys:
//
//	contract "format_only" {
//	  entry = "validate"
//	  node "validate" { kind = "validate" }
//	  route "after_validate" {
//	    from    = "validate"
//	    default = "END"
//	    branch "repair" {
//	      to   = "repair"
//	      when = length([for f in findings : f if f.kind == "format"]) > 0
//	    }
//	  }
//	}
//
// Expressions are checked against an empty state at load time; one that does
// not produce a bool is a load error.
func LoadHCL(src []byte, filename string, reg *Registry) (*graph.Contract, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse contract %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode contract %s: %w", filename, diags)
	}

	doc, err := parsed.Contract.document()
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", filename, err)
	}
	return doc.build(reg)
}

func (c hclContract) document() (*document, error) {
	doc := &document{Name: c.Name, Version: c.Version, Entry: c.Entry}
	for _, n := range c.Nodes {
		nd := nodeDoc{ID: n.ID, Kind: n.Kind, FanOut: n.FanOut, Interruptible: n.Interruptible, Timeout: n.Timeout}
		if n.Retry != nil {
			nd.Retry = &retryDoc{MaxAttempts: n.Retry.MaxAttempts, BaseDelay: n.Retry.BaseDelay, MaxDelay: n.Retry.MaxDelay}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, e := range c.Edges {
		doc.Edges = append(doc.Edges, edgeDoc(e))
	}
	for _, r := range c.Routes {
		rd := routeDoc{Name: r.Name, From: r.From, Default: r.Default}
		for _, b := range r.Branches {
			bd := branchDoc{Name: b.Name, To: b.To, Units: b.Units}
			if b.Retry != nil {
				bd.Retry = &loopDoc{MaxAttempts: b.Retry.MaxAttempts, Counter: b.Retry.Counter}
			}
			if err := bd.setWhen(b.When); err != nil {
				return nil, fmt.Errorf("route %q branch %q: %w", r.Name, b.Name, err)
			}
			rd.Branches = append(rd.Branches, bd)
		}
		doc.Routes = append(doc.Routes, rd)
	}
	return doc, nil
}

// setWhen classifies a when attribute: absent, a predicate name, or an
// expression compiled into a predicate.
func (b *branchDoc) setWhen(expr hcl.Expression) error {
	if expr == nil {
		return nil
	}
	v, diags := expr.Value(evalContext(graph.TypedState{}))
	if diags.HasErrors() {
		return diags
	}
	switch {
	case v.IsNull():
		return nil
	case len(expr.Variables()) == 0 && v.Type() == cty.String:
		b.When = v.AsString()
		return nil
	case v.Type() == cty.Bool:
		b.when = func(s graph.TypedState) bool {
			v, diags := expr.Value(evalContext(s))
			if diags.HasErrors() || !v.IsKnown() || v.IsNull() || v.Type() != cty.Bool {
				return false
			}
			return v.True()
		}
		return nil
	}
	return fmt.Errorf("when must be a predicate name or a bool expression, got %s", v.Type().FriendlyName())
}

var (
	findingType = cty.Object(map[string]cty.Type{
		"section": cty.String,
		"kind":    cty.String,
		"message": cty.String,
	})
	sectionType = cty.Object(map[string]cty.Type{
		"title":   cty.String,
		"status":  cty.String,
		"error":   cty.String,
		"attempt": cty.Number,
	})
	viewFunctions = map[string]function.Function{
		"length":   stdlib.LengthFunc,
		"contains": stdlib.ContainsFunc,
		"keys":     stdlib.KeysFunc,
	}
)

// evalContext exposes a read-only view of s to when expressions.
func evalContext(s graph.TypedState) *hcl.EvalContext {
	findings := cty.ListValEmpty(findingType)
	if len(s.Payload.Findings) > 0 {
		vals := make([]cty.Value, len(s.Payload.Findings))
		for i, f := range s.Payload.Findings {
			vals[i] = cty.ObjectVal(map[string]cty.Value{
				"section": cty.StringVal(f.Section),
				"kind":    cty.StringVal(f.Kind),
				"message": cty.StringVal(f.Message),
			})
		}
		findings = cty.ListVal(vals)
	}

	sections := cty.MapValEmpty(sectionType)
	if len(s.Payload.Sections) > 0 {
		vals := make(map[string]cty.Value, len(s.Payload.Sections))
		for k, sec := range s.Payload.Sections {
			vals[k] = cty.ObjectVal(map[string]cty.Value{
				"title":   cty.StringVal(sec.Title),
				"status":  cty.StringVal(string(sec.Status)),
				"error":   cty.StringVal(sec.Error),
				"attempt": cty.NumberIntVal(int64(sec.Attempt)),
			})
		}
		sections = cty.MapVal(vals)
	}

	attempts := cty.MapValEmpty(cty.Number)
	if len(s.Attempts) > 0 {
		vals := make(map[string]cty.Value, len(s.Attempts))
		for k, n := range s.Attempts {
			vals[k] = cty.NumberIntVal(int64(n))
		}
		attempts = cty.MapVal(vals)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"mode":     cty.StringVal(s.Payload.Mode),
			"findings": findings,
			"sections": sections,
			"attempts": attempts,
			"repairs":  cty.NumberIntVal(int64(s.Payload.Repairs)),
		},
		Functions: viewFunctions,
	}
}
