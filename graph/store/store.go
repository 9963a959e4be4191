// Package store provides durable persistence for runs: the checkpoint store,
// the append-only event log and the run/gate records, all layered over a
// small key-value adapter.
//
// The adapter contract is deliberately narrow. The runtime only needs:
//   - atomic single-key writes (Put, and PutIfAbsent for create-once keys)
//   - ordered prefix scans, forward and reverse
//
// Any engine offering those can back a run. This package ships four:
//   - MemKV: in-process map, for tests and ephemeral runs
//   - BadgerKV: embedded LSM store (dgraph-io/badger)
//   - SQLiteKV: single-file database (modernc.org/sqlite, no cgo)
//   - MySQLKV: shared relational database (go-sql-driver/mysql)
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a key, checkpoint, run or gate does not exist.
//
// It is distinct from an empty-but-present value: a checkpoint whose state is
// the zero value is still found.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by an adapter when a concurrent transaction touched
// the same key. Callers treat it like a lost PutIfAbsent race and retry.
var ErrConflict = errors.New("write conflict")

// ErrWriteConflict is returned by CheckpointStore.Save and EventLog.Append
// when a sequence slot could not be claimed after all internal retries.
var ErrWriteConflict = errors.New("checkpoint write conflict")

// ErrClosed is returned by adapters after Close.
var ErrClosed = errors.New("store is closed")

// ScanOptions controls an ordered prefix scan.
type ScanOptions struct {
	// Reverse iterates from the highest key to the lowest.
	Reverse bool

	// Limit caps the number of visited keys. Zero means no limit.
	Limit int
}

// KV is the persistence adapter behind every store in this package.
//
// Keys are compared bytewise. Implementations must be safe for concurrent
// use. Values passed to callbacks and returned from Get are owned by the
// caller.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent writes value only if key does not exist. It reports whether
	// the write happened. A concurrent-transaction abort may surface as
	// ErrConflict.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan visits keys starting with prefix in key order (or reverse order),
	// calling fn for each. Returning an error from fn stops the scan and
	// returns that error.
	Scan(ctx context.Context, prefix string, opts ScanOptions, fn func(key string, value []byte) error) error

	// Close releases the adapter's resources.
	Close() error
}

// key joins escaped segments with "/". Escaping keeps a segment containing
// "/" from bleeding into the next one, so prefix scans stay exact.
func key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// prefix is key plus a trailing separator, so "run-1" never matches "run-10".
func prefix(parts ...string) string {
	return key(parts...) + "/"
}

// seqSegment renders a sequence number so lexical order equals numeric order.
func seqSegment(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// parseSeq extracts the trailing sequence segment of a key.
func parseSeq(k string) (uint64, error) {
	i := strings.LastIndexByte(k, '/')
	seq, err := strconv.ParseUint(k[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed sequence key %q: %w", k, err)
	}
	return seq, nil
}

// prefixEnd returns the smallest key greater than every key with prefix p.
// Keys in this package are ASCII, so incrementing the last byte suffices.
func prefixEnd(p string) string {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// lastKey returns the highest key under p, or ErrNotFound.
func lastKey(ctx context.Context, kv KV, p string) (string, []byte, error) {
	var (
		foundKey string
		foundVal []byte
	)
	err := kv.Scan(ctx, p, ScanOptions{Reverse: true, Limit: 1}, func(k string, v []byte) error {
		foundKey, foundVal = k, v
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if foundKey == "" {
		return "", nil, ErrNotFound
	}
	return foundKey, foundVal, nil
}
