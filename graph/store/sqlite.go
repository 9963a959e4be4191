package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteKV is a KV adapter over a single-file SQLite database.
//
// Designed for:
//   - Development and single-process deployments with zero setup
//   - Runs that must survive a process restart on one machine
//
// The database runs in WAL mode with one open connection, so writes are
// serialized by SQLite itself and PutIfAbsent maps to
// INSERT ... ON CONFLICT DO NOTHING.
//
// Schema:
//
//	kv(k TEXT PRIMARY KEY, v BLOB, updated_at TIMESTAMP)
//
// Example:
//
//	kv, err := store.NewSQLiteKV("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kv.Close()
type SQLiteKV struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteKV opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open (required for :memory:)
	db.SetConnMaxLifetime(0) // No max lifetime

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v BLOB,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLiteKV{db: db, path: path}, nil
}

// Get implements KV.
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return v, nil
}

// Put implements KV.
func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlite: put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent implements KV.
func (s *SQLiteKV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO NOTHING`, key, value)
	if err != nil {
		return false, fmt.Errorf("sqlite: put-if-absent %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete implements KV.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", key, err)
	}
	return nil
}

// Scan implements KV. Rows are read fully before fn is called, so fn may
// write through the same single connection.
func (s *SQLiteKV) Scan(ctx context.Context, prefix string, opts ScanOptions, fn func(key string, value []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	q := `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`
	if opts.Reverse {
		q += ` DESC`
	}
	if opts.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, prefix, prefixEnd(prefix))
	if err != nil {
		return fmt.Errorf("sqlite: scan %q: %w", prefix, err)
	}
	type row struct {
		k string
		v []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.k, &r.v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: scan row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("sqlite: scan rows: %w", err)
	}
	_ = rows.Close()

	for _, r := range all {
		if err := fn(r.k, r.v); err != nil {
			return err
		}
	}
	return nil
}

// Close implements KV.
func (s *SQLiteKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteKV) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *SQLiteKV) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteKV) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
