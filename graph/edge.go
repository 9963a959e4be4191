package graph

// Edge is an unconditional transition between two nodes.
type Edge struct {
	From string
	To   string
}

// Predicate evaluates state to decide whether a branch is taken.
//
// Predicates must be pure: the same state always yields the same answer, so
// resume and replay take the same branches as the original run.
type Predicate func(state TypedState) bool

// UnitSelector chooses the sections a fan-out branch dispatches, by section
// key. Order and duplicates do not matter; the resolver sorts and dedupes.
type UnitSelector func(state TypedState) []string

// Route is a named conditional transition out of one node.
//
// Branches are evaluated in declared order and the first eligible branch
// wins. When none is eligible the route goes to Default; a route without a
// Default fails with RouteResolutionError instead of guessing.
type Route struct {
	Name     string
	From     string
	Branches []Branch
	Default  string
}

// Branch is one arm of a Route.
type Branch struct {
	Name string
	To   string

	// When gates the branch. Nil means always eligible.
	When Predicate

	// Units makes this a fan-out branch: one target per selected section.
	Units UnitSelector

	// Retry marks the branch as a back-edge of a bounded loop.
	Retry *RetryLoop
}

// RetryLoop bounds a back-edge. The engine counts traversals in
// TypedState.Attempts[Counter]; once the count reaches MaxAttempts the branch
// is no longer eligible.
type RetryLoop struct {
	MaxAttempts int
	Counter     string
}

// eligible reports whether the branch can be taken in state.
func (b Branch) eligible(state TypedState) bool {
	if b.Retry != nil && state.Attempts[b.Retry.Counter] >= b.Retry.MaxAttempts {
		return false
	}
	return b.When == nil || b.When(state)
}
