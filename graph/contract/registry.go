// Package contract loads graph contracts from YAML and HCL and ships the
// built-in pipeline variants.
//
// Files reference predicates and unit selectors by name; names resolve
// through a Registry when the file is loaded, so an unknown name is a load
// error rather than a run-time surprise.
package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/draftgraph/graph"
)

const modeIsPrefix = "mode_is:"

// Registry maps names to predicates and unit selectors.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]graph.Predicate
	selectors  map[string]graph.UnitSelector
}

// NewRegistry returns a registry holding the built-in names:
//
//	predicates: always, has_findings, no_findings, has_format_findings,
//	            format_findings_only, has_failed_sections, all_sections_ok,
//	            mode_is:<mode>
//	selectors:  all_sections, pending_sections
func NewRegistry() *Registry {
	r := &Registry{
		predicates: map[string]graph.Predicate{
			"always":               func(graph.TypedState) bool { return true },
			"has_findings":         func(s graph.TypedState) bool { return len(s.Payload.Findings) > 0 },
			"no_findings":          func(s graph.TypedState) bool { return len(s.Payload.Findings) == 0 },
			"has_format_findings":  hasFormatFindings,
			"format_findings_only": formatFindingsOnly,
			"has_failed_sections":  func(s graph.TypedState) bool { return len(s.FailedSections()) > 0 },
			"all_sections_ok":      func(s graph.TypedState) bool { return len(pendingSections(s)) == 0 },
		},
		selectors: map[string]graph.UnitSelector{
			"all_sections":     func(s graph.TypedState) []string { return s.SectionKeys() },
			"pending_sections": pendingSections,
		},
	}
	return r
}

// RegisterPredicate adds or replaces a named predicate.
func (r *Registry) RegisterPredicate(name string, p graph.Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// RegisterSelector adds or replaces a named unit selector.
func (r *Registry) RegisterSelector(name string, s graph.UnitSelector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors[name] = s
}

// Predicate resolves name. "mode_is:<mode>" matches Payload.Mode.
func (r *Registry) Predicate(name string) (graph.Predicate, error) {
	if mode, ok := strings.CutPrefix(name, modeIsPrefix); ok {
		if mode == "" {
			return nil, fmt.Errorf("predicate %q names no mode", name)
		}
		return func(s graph.TypedState) bool { return s.Payload.Mode == mode }, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	if !ok {
		return nil, fmt.Errorf("unknown predicate %q", name)
	}
	return p, nil
}

// Selector resolves a unit selector name.
func (r *Registry) Selector(name string) (graph.UnitSelector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.selectors[name]
	if !ok {
		return nil, fmt.Errorf("unknown unit selector %q", name)
	}
	return s, nil
}

// Names returns the registered predicate and selector names, sorted.
func (r *Registry) Names() (predicates, selectors []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.predicates {
		predicates = append(predicates, n)
	}
	for n := range r.selectors {
		selectors = append(selectors, n)
	}
	sort.Strings(predicates)
	sort.Strings(selectors)
	return predicates, selectors
}

func hasFormatFindings(s graph.TypedState) bool {
	for _, f := range s.Payload.Findings {
		if f.Kind == graph.FindingFormat {
			return true
		}
	}
	return false
}

func formatFindingsOnly(s graph.TypedState) bool {
	if len(s.Payload.Findings) == 0 {
		return false
	}
	for _, f := range s.Payload.Findings {
		if f.Kind != graph.FindingFormat {
			return false
		}
	}
	return true
}

// pendingSections selects outline entries without an ok draft.
func pendingSections(s graph.TypedState) []string {
	var keys []string
	for _, k := range s.SectionKeys() {
		if sec, ok := s.Payload.Sections[k]; !ok || sec.Status != graph.SectionOK {
			keys = append(keys, k)
		}
	}
	return keys
}
