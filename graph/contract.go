package graph

import (
	"fmt"
	"time"
)

// End is the terminal pseudo-node. Routing to End finishes the run.
const End = "__end__"

// NodeKind is the closed set of node roles a contract may declare. Each kind
// is bound to one handler per run.
type NodeKind string

const (
	KindPlan         NodeKind = "plan"
	KindDraftSection NodeKind = "draft_section"
	KindAggregate    NodeKind = "aggregate"
	KindValidate     NodeKind = "validate"
	KindRepair       NodeKind = "repair"
)

// NodeKinds lists every kind in declaration order.
var NodeKinds = []NodeKind{KindPlan, KindDraftSection, KindAggregate, KindValidate, KindRepair}

// Valid reports whether k is one of the declared kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindPlan, KindDraftSection, KindAggregate, KindValidate, KindRepair:
		return true
	}
	return false
}

// NodeSpec declares one node of a contract.
type NodeSpec struct {
	ID   string
	Kind NodeKind

	// FanOut runs the node once per unit selected by the branch that routes
	// into it. Nodes of kind draft_section are always fan-out.
	FanOut bool

	// Interruptible places an approval gate in front of the node.
	Interruptible bool

	// Timeout overrides the executor's node timeout. Zero inherits it.
	Timeout time.Duration

	// Retry retries transient handler failures. Nil inherits the executor's
	// policy; a policy without Retryable inherits the executor's classifier.
	Retry *RetryPolicy
}

// Contract is the immutable declaration of a pipeline: nodes, unconditional
// edges and named conditional routes.
//
// A contract is read-only input to a run. Build one by hand or load it with
// package contract, and call Validate before handing it to an Executor (the
// executor validates again).
type Contract struct {
	Name    string
	Version string
	Entry   string
	Nodes   []NodeSpec
	Edges   []Edge
	Routes  []Route
}

// Node returns the spec of node id.
func (c *Contract) Node(id string) (NodeSpec, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// IsFanOut reports whether node id dispatches per-unit work.
func (c *Contract) IsFanOut(id string) bool {
	n, ok := c.Node(id)
	return ok && (n.FanOut || n.Kind == KindDraftSection)
}

// Successor returns the target of the unconditional edge leaving id. For a
// fan-out node this is its join target.
func (c *Contract) Successor(id string) (string, bool) {
	if e, ok := c.edgeFrom(id); ok {
		return e.To, true
	}
	return "", false
}

// Route returns the route leaving id, if any.
func (c *Contract) Route(id string) (Route, bool) {
	for _, r := range c.Routes {
		if r.From == id {
			return r, true
		}
	}
	return Route{}, false
}

func (c *Contract) edgeFrom(id string) (Edge, bool) {
	for _, e := range c.Edges {
		if e.From == id {
			return e, true
		}
	}
	return Edge{}, false
}

// Validate checks the structural rules of the contract:
//
//   - node ids are unique and kinds are known
//   - the entry node exists and is not fan-out
//   - every edge, branch and default targets a declared node or End
//   - a node has at most one outgoing edge or route, never both
//   - fan-out nodes are entered only through unit-selecting branches and
//     leave through a single unconditional edge (the join target)
//   - every cycle passes through a retry branch
func (c *Contract) Validate() error {
	if c.Name == "" {
		return invalidContract("contract name is required")
	}
	if c.Entry == "" {
		return invalidContract("entry node is required")
	}

	ids := make(map[string]NodeSpec, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" || n.ID == End {
			return invalidContract("invalid node id %q", n.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return invalidContract("duplicate node id %q", n.ID)
		}
		if !n.Kind.Valid() {
			return invalidContract("node %q has unknown kind %q", n.ID, n.Kind)
		}
		if n.Retry != nil {
			if err := n.Retry.Validate(); err != nil {
				return invalidContract("node %q: %v", n.ID, err)
			}
		}
		ids[n.ID] = n
	}
	if _, ok := ids[c.Entry]; !ok {
		return invalidContract("entry node %q is not declared", c.Entry)
	}
	if c.IsFanOut(c.Entry) {
		return invalidContract("entry node %q cannot be fan-out", c.Entry)
	}

	target := func(from, to string) error {
		if to == End {
			return nil
		}
		if _, ok := ids[to]; !ok {
			return invalidContract("transition %s -> %s targets an undeclared node", from, to)
		}
		return nil
	}

	outgoing := make(map[string]string)
	for _, e := range c.Edges {
		if _, ok := ids[e.From]; !ok {
			return invalidContract("edge from undeclared node %q", e.From)
		}
		if err := target(e.From, e.To); err != nil {
			return err
		}
		if prev, ok := outgoing[e.From]; ok {
			return invalidContract("node %q already has an outgoing %s", e.From, prev)
		}
		outgoing[e.From] = "edge"
		if e.To != End && c.IsFanOut(e.To) {
			return invalidContract("fan-out node %q must be entered through a unit-selecting branch", e.To)
		}
	}

	routeNames := make(map[string]bool)
	for _, r := range c.Routes {
		if r.Name == "" {
			return invalidContract("route from %q has no name", r.From)
		}
		if routeNames[r.Name] {
			return invalidContract("duplicate route name %q", r.Name)
		}
		routeNames[r.Name] = true
		if _, ok := ids[r.From]; !ok {
			return invalidContract("route %q from undeclared node %q", r.Name, r.From)
		}
		if prev, ok := outgoing[r.From]; ok {
			return invalidContract("node %q already has an outgoing %s", r.From, prev)
		}
		outgoing[r.From] = "route"
		if c.IsFanOut(r.From) {
			return invalidContract("fan-out node %q must leave through a single edge", r.From)
		}
		if len(r.Branches) == 0 {
			return invalidContract("route %q has no branches", r.Name)
		}
		for _, b := range r.Branches {
			if err := target(r.Name, b.To); err != nil {
				return err
			}
			fan := b.To != End && c.IsFanOut(b.To)
			if fan != (b.Units != nil) {
				return invalidContract("route %q branch %q: unit selector must be set exactly when targeting a fan-out node", r.Name, b.Name)
			}
			if b.Retry != nil && (b.Retry.MaxAttempts < 1 || b.Retry.Counter == "") {
				return invalidContract("route %q branch %q: retry loop needs a counter and max attempts >= 1", r.Name, b.Name)
			}
		}
		if r.Default != "" {
			if err := target(r.Name, r.Default); err != nil {
				return err
			}
			if r.Default != End && c.IsFanOut(r.Default) {
				return invalidContract("route %q: default cannot target fan-out node %q", r.Name, r.Default)
			}
		}
	}

	for id := range ids {
		if c.IsFanOut(id) && outgoing[id] != "edge" {
			return invalidContract("fan-out node %q needs an unconditional edge to its join target", id)
		}
	}

	return c.checkAcyclic(ids)
}

// checkAcyclic rejects cycles that do not pass through a retry branch.
func (c *Contract) checkAcyclic(ids map[string]NodeSpec) error {
	adj := make(map[string][]string, len(ids))
	for _, e := range c.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, r := range c.Routes {
		for _, b := range r.Branches {
			if b.Retry == nil {
				adj[r.From] = append(adj[r.From], b.To)
			}
		}
		if r.Default != "" {
			adj[r.From] = append(adj[r.From], r.Default)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(ids))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = visiting
		for _, next := range adj[id] {
			if next == End {
				continue
			}
			switch color[next] {
			case visiting:
				return invalidContract("cycle through %s -> %s has no retry branch", id, next)
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = done
		return nil
	}
	for _, n := range c.Nodes {
		if color[n.ID] == unvisited {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func invalidContract(format string, args ...any) error {
	return &EngineError{Message: fmt.Sprintf(format, args...), Code: CodeInvalidContract}
}
