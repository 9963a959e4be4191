package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/draftgraph/graph"
)

// EndName is how contract files spell graph.End.
const EndName = "END"

// document is the decoded shape shared by the YAML and HCL sources.
type document struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Entry   string     `yaml:"entry"`
	Nodes   []nodeDoc  `yaml:"nodes"`
	Edges   []edgeDoc  `yaml:"edges"`
	Routes  []routeDoc `yaml:"routes"`
}

type nodeDoc struct {
	ID            string    `yaml:"id"`
	Kind          string    `yaml:"kind"`
	FanOut        bool      `yaml:"fan_out"`
	Interruptible bool      `yaml:"interruptible"`
	Timeout       string    `yaml:"timeout"`
	Retry         *retryDoc `yaml:"retry"`
}

type retryDoc struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

type edgeDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type routeDoc struct {
	Name     string      `yaml:"name"`
	From     string      `yaml:"from"`
	Default  string      `yaml:"default"`
	Branches []branchDoc `yaml:"branches"`
}

type branchDoc struct {
	Name  string   `yaml:"name"`
	To    string   `yaml:"to"`
	When  string   `yaml:"when"`
	Units string   `yaml:"units"`
	Retry *loopDoc `yaml:"retry"`

	// when is set by the HCL source for expression predicates and takes
	// precedence over When.
	when graph.Predicate
}

type loopDoc struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Counter     string `yaml:"counter"`
}

// build resolves names through reg and validates the result.
func (d *document) build(reg *Registry) (*graph.Contract, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	c := &graph.Contract{
		Name:    d.Name,
		Version: d.Version,
		Entry:   d.Entry,
	}

	for _, n := range d.Nodes {
		spec := graph.NodeSpec{
			ID:            n.ID,
			Kind:          graph.NodeKind(n.Kind),
			FanOut:        n.FanOut,
			Interruptible: n.Interruptible,
		}
		var err error
		if spec.Timeout, err = duration(n.Timeout); err != nil {
			return nil, fmt.Errorf("node %q timeout: %w", n.ID, err)
		}
		if n.Retry != nil {
			p := &graph.RetryPolicy{MaxAttempts: n.Retry.MaxAttempts}
			if p.BaseDelay, err = duration(n.Retry.BaseDelay); err != nil {
				return nil, fmt.Errorf("node %q retry: %w", n.ID, err)
			}
			if p.MaxDelay, err = duration(n.Retry.MaxDelay); err != nil {
				return nil, fmt.Errorf("node %q retry: %w", n.ID, err)
			}
			spec.Retry = p
		}
		c.Nodes = append(c.Nodes, spec)
	}

	for _, e := range d.Edges {
		c.Edges = append(c.Edges, graph.Edge{From: e.From, To: target(e.To)})
	}

	for _, r := range d.Routes {
		route := graph.Route{Name: r.Name, From: r.From}
		if r.Default != "" {
			route.Default = target(r.Default)
		}
		for _, b := range r.Branches {
			branch := graph.Branch{Name: b.Name, To: target(b.To), When: b.when}
			if branch.When == nil && b.When != "" {
				p, err := reg.Predicate(b.When)
				if err != nil {
					return nil, fmt.Errorf("route %q branch %q: %w", r.Name, b.Name, err)
				}
				branch.When = p
			}
			if b.Units != "" {
				s, err := reg.Selector(b.Units)
				if err != nil {
					return nil, fmt.Errorf("route %q branch %q: %w", r.Name, b.Name, err)
				}
				branch.Units = s
			}
			if b.Retry != nil {
				branch.Retry = &graph.RetryLoop{MaxAttempts: b.Retry.MaxAttempts, Counter: b.Retry.Counter}
			}
			route.Branches = append(route.Branches, branch)
		}
		c.Routes = append(c.Routes, route)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func target(name string) string {
	if name == EndName {
		return graph.End
	}
	return name
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative duration")
	}
	return d, nil
}
