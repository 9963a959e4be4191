package graph

import (
	"sync"

	"github.com/dshills/draftgraph/graph/emit"
)

// progressTracker turns commits into percent-complete notifications.
//
// Planned work is one unit per node on the contract's forward path; nodes
// reached only through retry loops are left out and join the plan when they
// first run. A fan-out stage adds one unit per dispatched unit, and its join
// counts as the stage's own unit. Re-running a node already counted does not
// advance the percentage. Percent is done/planned, capped at 99 until the
// run reaches a terminal outcome.
type progressTracker struct {
	mu       sync.Mutex
	runID    string
	plan     map[string]bool
	planned  int
	base     int
	done     map[string]bool
	expanded map[string]bool
	sink     emit.ProgressSink
}

// newProgressTracker starts a tracker for c. alreadyCommitted counts
// main-lineage commits of an earlier call.
func newProgressTracker(runID string, c *Contract, alreadyCommitted int, sink emit.ProgressSink) *progressTracker {
	plan := forwardNodes(c)
	planned := len(plan)
	if planned < 1 {
		planned = 1
	}
	return &progressTracker{
		runID:    runID,
		plan:     plan,
		planned:  planned,
		base:     alreadyCommitted,
		done:     make(map[string]bool),
		expanded: make(map[string]bool),
		sink:     sink,
	}
}

// forwardNodes returns the entry and every node targeted by an edge, a
// default or a branch that is not a retry loop.
func forwardNodes(c *Contract) map[string]bool {
	nodes := map[string]bool{c.Entry: true}
	for _, e := range c.Edges {
		nodes[e.To] = true
	}
	for _, r := range c.Routes {
		if r.Default != "" {
			nodes[r.Default] = true
		}
		for _, b := range r.Branches {
			if b.Retry == nil {
				nodes[b.To] = true
			}
		}
	}
	delete(nodes, End)
	return nodes
}

// expand accounts for the n units of fan-out node nodeID. A stage expands
// once per call.
func (p *progressTracker) expand(nodeID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.expanded[nodeID] {
		p.expanded[nodeID] = true
		p.planned += n
	}
}

// commit records the commit of node (unit empty) or of one of its fan-out
// units and notifies the sink.
func (p *progressTracker) commit(nodeID, unit, label string) {
	p.mu.Lock()
	key := nodeID
	if unit != "" {
		key += "/" + unit
	} else if !p.plan[nodeID] && !p.done[key] {
		p.planned++
	}
	p.done[key] = true
	percent := (p.base + len(p.done)) * 100 / p.planned
	if percent > 99 {
		percent = 99
	}
	p.mu.Unlock()

	p.sink.Progress(emit.Progress{RunID: p.runID, NodeID: nodeID, Percent: percent, SectionLabel: label})
}

// finish reports 100 percent for a completed run. Paused, failed and aborted
// runs keep their last percentage.
func (p *progressTracker) finish(nodeID string) {
	p.sink.Progress(emit.Progress{RunID: p.runID, NodeID: nodeID, Percent: 100})
}
