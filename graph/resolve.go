package graph

import (
	"sort"
)

// Target is one successor produced by route resolution. Unit is empty for a
// sequential successor and a unit key for a fan-out successor.
type Target struct {
	Node string
	Unit string
}

// resolution is a ResolveNext result plus the branch that produced it, which
// the engine needs to advance retry counters.
type resolution struct {
	targets []Target
	route   string
	branch  *Branch
}

// ResolveNext returns the successors of current given state.
//
// An unconditional edge yields its target. A route evaluates its branches in
// declared order and takes the first eligible one; a fan-out branch yields
// one target per selected unit, sorted by unit key, and resolves to End when
// it selects no units. A route with no eligible branch goes to its default or
// fails with *RouteResolutionError. A node with no outgoing transition
// resolves to End.
func ResolveNext(c *Contract, current string, state TypedState) ([]Target, error) {
	res, err := resolve(c, current, state)
	if err != nil {
		return nil, err
	}
	return res.targets, nil
}

func resolve(c *Contract, current string, state TypedState) (resolution, error) {
	if _, ok := c.Node(current); !ok {
		return resolution{}, &EngineError{Message: "unknown node: " + current, Code: "NODE_NOT_FOUND"}
	}

	if e, ok := c.edgeFrom(current); ok {
		return resolution{targets: []Target{{Node: e.To}}}, nil
	}

	r, ok := c.Route(current)
	if !ok {
		return resolution{targets: []Target{{Node: End}}}, nil
	}

	for i := range r.Branches {
		b := &r.Branches[i]
		if !b.eligible(state) {
			continue
		}
		res := resolution{route: r.Name, branch: b}
		if b.Units == nil {
			res.targets = []Target{{Node: b.To}}
			return res, nil
		}
		res.targets = unitTargets(b.To, b.Units(state))
		if len(res.targets) == 0 {
			res.targets = []Target{{Node: End}}
		}
		return res, nil
	}

	if r.Default != "" {
		return resolution{targets: []Target{{Node: r.Default}}, route: r.Name}, nil
	}
	return resolution{}, &RouteResolutionError{Route: r.Name, Node: current}
}

func unitTargets(node string, sections []string) []Target {
	seen := make(map[string]bool, len(sections))
	units := make([]string, 0, len(sections))
	for _, s := range sections {
		u := UnitKey(s)
		if seen[u] {
			continue
		}
		seen[u] = true
		units = append(units, u)
	}
	sort.Strings(units)

	targets := make([]Target, len(units))
	for i, u := range units {
		targets[i] = Target{Node: node, Unit: u}
	}
	return targets
}
