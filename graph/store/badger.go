package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures a BadgerKV.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps all data in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Checkpoints are the recovery record of
	// a run, so this defaults to true.
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil disables them.
	Logger *zap.Logger
}

// DefaultBadgerConfig returns a durable configuration rooted at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerKV is a KV adapter over an embedded badger database.
//
// PutIfAbsent runs inside a read-write transaction; badger's optimistic
// concurrency control aborts one of two racing creators with
// badger.ErrConflict, which is reported as ErrConflict.
type BadgerKV struct {
	db *badger.DB
}

// zapBadgerLogger adapts a zap logger to badger.Logger.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// NewBadgerKV opens (or creates) a badger database.
func NewBadgerKV(cfg BadgerConfig) (*BadgerKV, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapBadgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &BadgerKV{db: db}, nil
}

// Get implements KV.
func (b *BadgerKV) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, b.wrap("get", err)
	}
	return out, nil
}

// Put implements KV.
func (b *BadgerKV) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	return b.wrap("put", err)
}

// PutIfAbsent implements KV.
func (b *BadgerKV) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set([]byte(key), value)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, ErrConflict
	}
	if err != nil {
		return false, b.wrap("put-if-absent", err)
	}
	return created, nil
}

// Delete implements KV.
func (b *BadgerKV) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return b.wrap("delete", err)
}

// Scan implements KV.
func (b *BadgerKV) Scan(ctx context.Context, prefix string, opts ScanOptions, fn func(key string, value []byte) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = []byte(prefix)
		itOpts.Reverse = opts.Reverse
		it := txn.NewIterator(itOpts)
		defer it.Close()

		seek := []byte(prefix)
		if opts.Reverse {
			// Reverse iteration seeks to the largest key <= seek.
			seek = append([]byte(prefix), 0xff)
		}

		visited := 0
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if opts.Limit > 0 && visited >= opts.Limit {
				return nil
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
			visited++
		}
		return nil
	})
	return err
}

// Close implements KV.
func (b *BadgerKV) Close() error {
	return b.db.Close()
}

func (b *BadgerKV) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return fmt.Errorf("badger: %s: %w", op, err)
}
