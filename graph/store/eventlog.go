package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/draftgraph/graph/emit"
)

// EventLog is the durable, append-only trace event stream of each run.
//
// Append assigns the next contiguous sequence number of the run (starting at
// 1) and writes the event under a create-once key, so an event is never
// overwritten. Appends within one run are serialized; different runs never
// contend.
//
// Key layout:
//
//	evt/<session>/<run>/<seq:020d>
type EventLog struct {
	kv         KV
	maxRetries int
	backoff    func(attempt int) time.Duration

	mu    sync.Mutex
	runs  map[string]*sync.Mutex
	heads map[string]uint64
}

// NewEventLog creates an event log over kv.
func NewEventLog(kv KV) *EventLog {
	return &EventLog{
		kv:         kv,
		maxRetries: 8,
		backoff:    defaultConflictBackoff,
		runs:       make(map[string]*sync.Mutex),
		heads:      make(map[string]uint64),
	}
}

// Append writes event and returns it with Sequence set.
func (l *EventLog) Append(ctx context.Context, event emit.TraceEvent) (emit.TraceEvent, error) {
	if event.SessionID == "" || event.RunID == "" {
		return event, errors.New("trace event requires session id and run id")
	}

	p := prefix("evt", event.SessionID, event.RunID)
	lock := l.runLock(p)
	lock.Lock()
	defer lock.Unlock()

	head, ok := l.cachedHead(p)
	if !ok {
		var err error
		if head, err = l.reloadHead(ctx, p); err != nil {
			return event, err
		}
	}

	for attempt := 0; ; attempt++ {
		event.Sequence = head + 1
		data, err := json.Marshal(event)
		if err != nil {
			return event, fmt.Errorf("marshal trace event: %w", err)
		}
		created, err := l.kv.PutIfAbsent(ctx, p+seqSegment(event.Sequence), data)
		if err != nil && !errors.Is(err, ErrConflict) {
			return event, fmt.Errorf("append trace event: %w", err)
		}
		if created {
			l.mu.Lock()
			l.heads[p] = event.Sequence
			l.mu.Unlock()
			return event, nil
		}
		if attempt+1 >= l.maxRetries {
			return event, fmt.Errorf("%w: event log %s/%s", ErrWriteConflict, event.SessionID, event.RunID)
		}
		select {
		case <-ctx.Done():
			return event, ctx.Err()
		case <-time.After(l.backoff(attempt)):
		}
		if head, err = l.reloadHead(ctx, p); err != nil {
			return event, err
		}
	}
}

// Read returns the run's events with Sequence >= from, in sequence order.
func (l *EventLog) Read(ctx context.Context, sessionID, runID string, from uint64) ([]emit.TraceEvent, error) {
	var events []emit.TraceEvent
	err := l.kv.Scan(ctx, prefix("evt", sessionID, runID), ScanOptions{}, func(k string, v []byte) error {
		seq, err := parseSeq(k)
		if err != nil {
			return err
		}
		if seq < from {
			return nil
		}
		var event emit.TraceEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return fmt.Errorf("decode trace event %d: %w", seq, err)
		}
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Last returns the highest sequence written for the run, 0 when empty.
func (l *EventLog) Last(ctx context.Context, sessionID, runID string) (uint64, error) {
	k, _, err := lastKey(ctx, l.kv, prefix("evt", sessionID, runID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseSeq(k)
}

func (l *EventLog) runLock(p string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.runs[p]
	if !ok {
		m = &sync.Mutex{}
		l.runs[p] = m
	}
	return m
}

func (l *EventLog) cachedHead(p string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.heads[p]
	return h, ok
}

func (l *EventLog) reloadHead(ctx context.Context, p string) (uint64, error) {
	k, _, err := lastKey(ctx, l.kv, p)
	var seq uint64
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("read event log head: %w", err)
	default:
		if seq, err = parseSeq(k); err != nil {
			return 0, err
		}
	}
	l.mu.Lock()
	l.heads[p] = seq
	l.mu.Unlock()
	return seq, nil
}
