package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemKV is an in-memory KV adapter.
//
// Designed for:
//   - Unit and integration tests
//   - Ephemeral runs that never need to survive the process
//
// Data is lost when the process exits. MemKV is safe for concurrent use.
//
// Example:
//
//	kv := store.NewMemKV()
//	checkpoints := store.NewCheckpointStore[MyState](kv)
type MemKV struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemKV creates an empty in-memory adapter.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

// Get implements KV.
func (m *MemKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Put implements KV.
func (m *MemKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = cloneBytes(value)
	return nil
}

// PutIfAbsent implements KV.
func (m *MemKV) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = cloneBytes(value)
	return true, nil
}

// Delete implements KV.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Scan implements KV. The matching keys are snapshotted under the read lock
// and visited after it is released, so fn may write to the adapter.
func (m *MemKV) Scan(ctx context.Context, prefix string, opts ScanOptions, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = cloneBytes(m.data[k])
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements KV. Later calls return ErrClosed.
func (m *MemKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *MemKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
