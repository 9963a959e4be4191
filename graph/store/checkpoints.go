package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Checkpoint is a durable snapshot of state after a node commit.
//
// One lineage of checkpoints exists per (SessionID, RunID, UnitKey). Each
// Save appends a new checkpoint with the next Sequence for that lineage; older
// checkpoints are superseded but kept until Prune removes them.
//
// Type parameter S is the state type (must be JSON-serializable).
type Checkpoint[S any] struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	NodeID    string `json:"node_id"`
	UnitKey   string `json:"unit_key"`
	Sequence  uint64 `json:"sequence"`
	State     S      `json:"state"`

	// Status is the outcome at this checkpoint: "ok" or "section_error"
	// for units, and on the main lineage also "initial" for the starting
	// state and "aborted" for the head of a cancelled run. Interpreted by
	// the engine.
	Status string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore persists checkpoints over a KV adapter.
//
// Saves for different unit keys proceed in parallel. Saves for the same unit
// key are serialized in-process by a per-lineage mutex, and across processes
// by claiming the sequence slot with PutIfAbsent: a lost race (or an adapter
// ErrConflict) re-reads the lineage head and retries with backoff. Callers
// only see ErrWriteConflict if every retry fails.
//
// Key layout:
//
//	ckpt/<session>/<run>/<unit>/<seq:020d>
type CheckpointStore[S any] struct {
	kv         KV
	maxRetries int
	backoff    func(attempt int) time.Duration
	onConflict func()

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	heads map[string]uint64
}

// CheckpointOption configures a CheckpointStore.
type CheckpointOption func(*checkpointConfig)

type checkpointConfig struct {
	maxRetries int
	backoff    func(attempt int) time.Duration
	onConflict func()
}

// WithConflictRetries sets how many times a lost sequence race is retried.
// Default 8.
func WithConflictRetries(n int) CheckpointOption {
	return func(c *checkpointConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithConflictBackoff overrides the delay between conflict retries.
func WithConflictBackoff(fn func(attempt int) time.Duration) CheckpointOption {
	return func(c *checkpointConfig) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

// WithConflictHook registers a callback invoked on every write conflict,
// typically a metrics counter.
func WithConflictHook(fn func()) CheckpointOption {
	return func(c *checkpointConfig) {
		c.onConflict = fn
	}
}

// defaultConflictBackoff doubles from 1ms, capped at 50ms.
func defaultConflictBackoff(attempt int) time.Duration {
	d := time.Millisecond << attempt
	if d > 50*time.Millisecond || d <= 0 {
		d = 50 * time.Millisecond
	}
	return d
}

// NewCheckpointStore creates a checkpoint store over kv.
func NewCheckpointStore[S any](kv KV, opts ...CheckpointOption) *CheckpointStore[S] {
	cfg := checkpointConfig{maxRetries: 8, backoff: defaultConflictBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CheckpointStore[S]{
		kv:         kv,
		maxRetries: cfg.maxRetries,
		backoff:    cfg.backoff,
		onConflict: cfg.onConflict,
		locks:      make(map[string]*sync.Mutex),
		heads:      make(map[string]uint64),
	}
}

// Save appends cp to its lineage and returns it with Sequence and CreatedAt
// filled in. Any Sequence set by the caller is ignored.
func (s *CheckpointStore[S]) Save(ctx context.Context, cp Checkpoint[S]) (Checkpoint[S], error) {
	if cp.SessionID == "" || cp.RunID == "" || cp.UnitKey == "" {
		return cp, errors.New("checkpoint requires session id, run id and unit key")
	}

	lineage := prefix("ckpt", cp.SessionID, cp.RunID, cp.UnitKey)
	lock := s.lineageLock(lineage)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.head(ctx, lineage)
	if err != nil {
		return cp, err
	}

	for attempt := 0; ; attempt++ {
		cp.Sequence = head + 1
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(cp)
		if err != nil {
			return cp, fmt.Errorf("marshal checkpoint: %w", err)
		}

		created, err := s.kv.PutIfAbsent(ctx, lineage+seqSegment(cp.Sequence), data)
		if err != nil && !errors.Is(err, ErrConflict) {
			return cp, fmt.Errorf("save checkpoint: %w", err)
		}
		if created {
			s.setHead(lineage, cp.Sequence)
			return cp, nil
		}

		// Another writer claimed the slot.
		if s.onConflict != nil {
			s.onConflict()
		}
		if attempt+1 >= s.maxRetries {
			return cp, fmt.Errorf("%w: %s/%s unit %s", ErrWriteConflict, cp.SessionID, cp.RunID, cp.UnitKey)
		}
		select {
		case <-ctx.Done():
			return cp, ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
		if head, err = s.reloadHead(ctx, lineage); err != nil {
			return cp, err
		}
	}
}

// LoadLatest returns the highest-sequence checkpoint for the unit, or
// ErrNotFound when the lineage has none.
func (s *CheckpointStore[S]) LoadLatest(ctx context.Context, sessionID, runID, unitKey string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	_, data, err := lastKey(ctx, s.kv, prefix("ckpt", sessionID, runID, unitKey))
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// List returns every checkpoint of a run, grouped by unit key and ordered by
// sequence within each unit.
func (s *CheckpointStore[S]) List(ctx context.Context, sessionID, runID string) ([]Checkpoint[S], error) {
	return s.scan(ctx, prefix("ckpt", sessionID, runID))
}

// ListUnit returns one unit's checkpoints in sequence order.
func (s *CheckpointStore[S]) ListUnit(ctx context.Context, sessionID, runID, unitKey string) ([]Checkpoint[S], error) {
	return s.scan(ctx, prefix("ckpt", sessionID, runID, unitKey))
}

// Prune deletes checkpoints of a run whose sequence is below beforeSequence.
// The latest checkpoint of every unit is always kept so the run stays
// resumable. It returns the number of deleted checkpoints.
func (s *CheckpointStore[S]) Prune(ctx context.Context, sessionID, runID string, beforeSequence uint64) (int, error) {
	all, err := s.List(ctx, sessionID, runID)
	if err != nil {
		return 0, err
	}

	latest := make(map[string]uint64)
	for _, cp := range all {
		if cp.Sequence > latest[cp.UnitKey] {
			latest[cp.UnitKey] = cp.Sequence
		}
	}

	deleted := 0
	for _, cp := range all {
		if cp.Sequence >= beforeSequence || cp.Sequence == latest[cp.UnitKey] {
			continue
		}
		k := prefix("ckpt", sessionID, runID, cp.UnitKey) + seqSegment(cp.Sequence)
		if err := s.kv.Delete(ctx, k); err != nil {
			return deleted, fmt.Errorf("prune checkpoint %d of %s: %w", cp.Sequence, cp.UnitKey, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *CheckpointStore[S]) scan(ctx context.Context, p string) ([]Checkpoint[S], error) {
	var out []Checkpoint[S]
	err := s.kv.Scan(ctx, p, ScanOptions{}, func(k string, v []byte) error {
		var cp Checkpoint[S]
		if err := json.Unmarshal(v, &cp); err != nil {
			return fmt.Errorf("decode checkpoint %s: %w", k, err)
		}
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CheckpointStore[S]) lineageLock(lineage string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lineage]
	if !ok {
		l = &sync.Mutex{}
		s.locks[lineage] = l
	}
	return l
}

// head returns the cached lineage head, reading it from the adapter on first
// use. Callers hold the lineage lock.
func (s *CheckpointStore[S]) head(ctx context.Context, lineage string) (uint64, error) {
	s.mu.Lock()
	h, ok := s.heads[lineage]
	s.mu.Unlock()
	if ok {
		return h, nil
	}
	return s.reloadHead(ctx, lineage)
}

func (s *CheckpointStore[S]) reloadHead(ctx context.Context, lineage string) (uint64, error) {
	k, _, err := lastKey(ctx, s.kv, lineage)
	if errors.Is(err, ErrNotFound) {
		s.setHead(lineage, 0)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint head: %w", err)
	}
	seq, err := parseSeq(k)
	if err != nil {
		return 0, err
	}
	s.setHead(lineage, seq)
	return seq, nil
}

func (s *CheckpointStore[S]) setHead(lineage string, seq uint64) {
	s.mu.Lock()
	s.heads[lineage] = seq
	s.mu.Unlock()
}
