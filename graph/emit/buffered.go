package emit

import "sync"

// BufferedEmitter keeps trace events and progress notifications in memory,
// grouped by run id.
//
// Useful for tests and for short-lived tools that want to inspect a run's
// history after it finishes. Memory grows with the number of events, so call
// Clear for long-lived processes.
type BufferedEmitter struct {
	mu       sync.RWMutex
	events   map[string][]TraceEvent // runID -> events
	progress map[string][]Progress   // runID -> notifications
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero fields match all.
type HistoryFilter struct {
	NodeID  string
	UnitKey string
	Status  Status
	Kind    Kind
	MinSeq  uint64
	MaxSeq  uint64 // 0 = no upper bound
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events:   make(map[string][]TraceEvent),
		progress: make(map[string][]Progress),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event TraceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// Progress implements ProgressSink.
func (b *BufferedEmitter) Progress(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.progress[p.RunID] = append(b.progress[p.RunID], p)
}

// GetHistory returns a copy of all events recorded for runID, in arrival order.
func (b *BufferedEmitter) GetHistory(runID string) []TraceEvent {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for runID that match filter.
// It never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []TraceEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]TraceEvent, 0, len(b.events[runID]))
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// GetProgress returns a copy of the progress notifications for runID.
func (b *BufferedEmitter) GetProgress(runID string) []Progress {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Progress, len(b.progress[runID]))
	copy(result, b.progress[runID])
	return result
}

// Clear drops the history for runID, or for every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]TraceEvent)
		b.progress = make(map[string][]Progress)
		return
	}
	delete(b.events, runID)
	delete(b.progress, runID)
}

func (f HistoryFilter) matches(event TraceEvent) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.UnitKey != "" && event.UnitKey != f.UnitKey {
		return false
	}
	if f.Status != "" && event.Status != f.Status {
		return false
	}
	if f.Kind != "" && event.Kind != f.Kind {
		return false
	}
	if event.Sequence < f.MinSeq {
		return false
	}
	if f.MaxSeq > 0 && event.Sequence > f.MaxSeq {
		return false
	}
	return true
}
