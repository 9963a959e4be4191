package contract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/draftgraph/graph"
)

func outlined(keys ...string) graph.TypedState {
	s := graph.NewState("s1", "r1", graph.Payload{Sections: map[string]graph.Section{}})
	for _, k := range keys {
		s.Payload.Outline = append(s.Payload.Outline, graph.SectionPlan{Key: k, Title: strings.ToUpper(k)})
	}
	return s
}

func TestBuiltin(t *testing.T) {
	assert.Equal(t, []string{Compose, FormatOnly, SectionResume}, BuiltinNames())

	for _, name := range BuiltinNames() {
		t.Run(name, func(t *testing.T) {
			c, err := Builtin(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name)
			assert.Equal(t, "1", c.Version)
			require.NoError(t, c.Validate())
		})
	}

	_, err := Builtin("missing")
	assert.ErrorContains(t, err, "compose")
}

func TestBuiltin_Compose(t *testing.T) {
	c, err := Builtin(Compose)
	require.NoError(t, err)

	draft, ok := c.Node("draft")
	require.True(t, ok)
	assert.True(t, c.IsFanOut("draft"))
	require.NotNil(t, draft.Retry)
	assert.Equal(t, 3, draft.Retry.MaxAttempts)
	assert.Equal(t, "5m0s", draft.Timeout.String())

	targets, err := graph.ResolveNext(c, "plan", outlined("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []graph.Target{{Node: "draft", Unit: graph.UnitKey("a")}, {Node: "draft", Unit: graph.UnitKey("b")}}, targets)

	s := outlined("a")
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node)

	s.Payload.Findings = []graph.Finding{{Kind: graph.FindingFormat, Message: "trailing whitespace"}}
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, "repair", targets[0].Node)

	s.Attempts = map[string]int{"repair": 2}
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node, "exhausted repair loop falls to the default")
}

func TestBuiltin_SectionResume(t *testing.T) {
	c, err := Builtin(SectionResume)
	require.NoError(t, err)

	s := outlined("a", "b", "c")
	s.Payload.Sections["a"] = graph.Section{Key: "a", Status: graph.SectionOK, Draft: "x"}
	s.Payload.Sections["b"] = graph.Section{Key: "b", Status: graph.SectionError}

	targets, err := graph.ResolveNext(c, "plan", s)
	require.NoError(t, err)
	assert.Equal(t, []graph.Target{{Node: "draft", Unit: graph.UnitKey("b")}, {Node: "draft", Unit: graph.UnitKey("c")}}, targets)

	for _, k := range []string{"b", "c"} {
		s.Payload.Sections[k] = graph.Section{Key: k, Status: graph.SectionOK, Draft: "x"}
	}
	targets, err = graph.ResolveNext(c, "plan", s)
	require.NoError(t, err)
	assert.Equal(t, []graph.Target{{Node: "aggregate"}}, targets)
}

func TestBuiltin_FormatOnlyExpression(t *testing.T) {
	c, err := Builtin(FormatOnly)
	require.NoError(t, err)
	assert.Equal(t, "validate", c.Entry)

	s := outlined()
	s.Payload.Findings = []graph.Finding{{Kind: "missing", Section: "a"}}
	targets, err := graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node, "content findings are not repaired")

	s.Payload.Findings = append(s.Payload.Findings, graph.Finding{Kind: graph.FindingFormat})
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, "repair", targets[0].Node)
}

const yamlContract = `
name: custom
version: "2"
entry: plan
nodes:
  - {id: plan, kind: plan, interruptible: true}
  - {id: validate, kind: validate}
routes:
  - name: after_plan
    from: plan
    branches:
      - {name: short_mode, to: END, when: "mode_is:short"}
      - {name: check, to: validate, when: always}
`

func TestLoadYAML(t *testing.T) {
	c, err := LoadYAML(strings.NewReader(yamlContract), nil)
	require.NoError(t, err)
	plan, _ := c.Node("plan")
	assert.True(t, plan.Interruptible)

	s := outlined()
	s.Payload.Mode = "short"
	targets, err := graph.ResolveNext(c, "plan", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node)

	s.Payload.Mode = "long"
	targets, err = graph.ResolveNext(c, "plan", s)
	require.NoError(t, err)
	assert.Equal(t, "validate", targets[0].Node)
}

func TestLoadYAML_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"unknown field", "name: x\nentry: a\nbogus: 1\n", "bogus"},
		{"unknown predicate", strings.Replace(yamlContract, "when: always", "when: sometimes", 1), `unknown predicate "sometimes"`},
		{"empty mode", strings.Replace(yamlContract, "mode_is:short", "mode_is:", 1), "names no mode"},
		{"unknown selector", "name: x\nentry: p\nnodes:\n  - {id: p, kind: plan}\n  - {id: d, kind: draft_section}\nroutes:\n  - name: r\n    from: p\n    branches:\n      - {name: b, to: d, units: some_sections}\n", `unknown unit selector "some_sections"`},
		{"bad timeout", "name: x\nentry: p\nnodes:\n  - {id: p, kind: plan, timeout: soon}\n", "timeout"},
		{"invalid structure", "name: x\nentry: missing\nnodes:\n  - {id: p, kind: plan}\n", "INVALID_CONTRACT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(tt.src), nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadHCL(t *testing.T) {
	src := `
contract "gated" {
  entry = "validate"
  node "validate" {
    kind          = "validate"
    interruptible = true
  }
  node "repair" { kind = "repair" }
  edge {
    from = "repair"
    to   = "validate"
  }
  route "after_validate" {
    from    = "validate"
    default = "END"
    branch "too_many" {
      to   = "END"
      when = lookup(attempts, "repair", 0) >= 5
    }
    branch "fix" {
      to   = "repair"
      when = "has_findings"
      retry {
        max_attempts = 1
        counter      = "repair"
      }
    }
  }
}
`
	_, err := LoadHCL([]byte(src), "gated.hcl", nil)
	require.Error(t, err, "lookup is not an exposed function")

	src = strings.Replace(src, `lookup(attempts, "repair", 0) >= 5`, `repairs >= 5 || contains(keys(sections), "bad")`, 1)
	c, err := LoadHCL([]byte(src), "gated.hcl", nil)
	require.NoError(t, err)

	s := outlined()
	s.Payload.Findings = []graph.Finding{{Kind: "missing"}}
	targets, err := graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, "repair", targets[0].Node)

	s.Payload.Repairs = 5
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node)

	s.Payload.Repairs = 0
	s.Payload.Sections["bad"] = graph.Section{Key: "bad", Status: graph.SectionError, Attempt: 2}
	targets, err = graph.ResolveNext(c, "validate", s)
	require.NoError(t, err)
	assert.Equal(t, graph.End, targets[0].Node)
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"syntax", `contract "x" {`, "failed to parse"},
		{"missing entry", `contract "x" {}`, "failed to decode"},
		{"non-bool expression", `contract "x" {
  entry = "v"
  node "v" { kind = "validate" }
  route "r" {
    from = "v"
    branch "b" {
      to   = "END"
      when = length(findings)
    }
  }
}`, "bool expression"},
		{"unknown name", `contract "x" {
  entry = "v"
  node "v" { kind = "validate" }
  route "r" {
    from = "v"
    branch "b" {
      to   = "END"
      when = "nope"
    }
  }
}`, `unknown predicate "nope"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.src), "x.hcl", nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(yml, []byte(yamlContract), 0o600))

	c, err := Load(yml, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", c.Name)

	c, err = Load(Compose, nil)
	require.NoError(t, err)
	assert.Equal(t, Compose, c.Name)

	_, err = Load(filepath.Join(dir, "absent.hcl"), nil)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterPredicate("long_brief", func(s graph.TypedState) bool { return len(s.Payload.Brief) > 100 })
	reg.RegisterSelector("first_only", func(s graph.TypedState) []string { return s.SectionKeys()[:1] })

	preds, sels := reg.Names()
	assert.Contains(t, preds, "long_brief")
	assert.Contains(t, preds, "format_findings_only")
	assert.Equal(t, []string{"all_sections", "first_only", "pending_sections"}, sels)

	only, err := reg.Predicate("format_findings_only")
	require.NoError(t, err)
	s := outlined("a")
	assert.False(t, only(s), "no findings")
	s.Payload.Findings = []graph.Finding{{Kind: graph.FindingFormat}}
	assert.True(t, only(s))
	s.Payload.Findings = append(s.Payload.Findings, graph.Finding{Kind: "missing"})
	assert.False(t, only(s))

	c, err := BuiltinWith(Compose, reg)
	require.NoError(t, err)
	assert.Equal(t, Compose, c.Name)
}
