package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is MySQL's ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLKV is a KV adapter over a MySQL/MariaDB table.
//
// Designed for deployments where several engine processes share one
// durable store. Keys are VARBINARY so ordering is bytewise regardless of the
// server collation.
//
// Schema:
//
//	draftgraph_kv(k VARBINARY(512) PRIMARY KEY, v LONGBLOB, updated_at TIMESTAMP(6))
//
// Security Warning:
//
//	NEVER hardcode credentials. Read the DSN from the environment:
//	    kv, err := store.NewMySQLKV(os.Getenv("MYSQL_DSN"))
type MySQLKV struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLKV connects using dsn (go-sql-driver format) and creates the table
// if needed.
func NewMySQLKV(dsn string) (*MySQLKV, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS draftgraph_kv (
			k VARBINARY(512) NOT NULL PRIMARY KEY,
			v LONGBLOB NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &MySQLKV{db: db}, nil
}

// Get implements KV.
func (m *MySQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var v []byte
	err := m.db.QueryRowContext(ctx, `SELECT v FROM draftgraph_kv WHERE k = ?`, []byte(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: get %q: %w", key, err)
	}
	return v, nil
}

// Put implements KV.
func (m *MySQLKV) Put(ctx context.Context, key string, value []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO draftgraph_kv (k, v) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE v = VALUES(v)`, []byte(key), cloneBytes(value))
	if err != nil {
		return fmt.Errorf("mysql: put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent implements KV. A duplicate-key error from the primary key is
// the "already present" answer; every other error is returned.
func (m *MySQLKV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	_, err := m.db.ExecContext(ctx, `INSERT INTO draftgraph_kv (k, v) VALUES (?, ?)`, []byte(key), cloneBytes(value))
	if err == nil {
		return true, nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return false, nil
	}
	return false, fmt.Errorf("mysql: put-if-absent %q: %w", key, err)
}

// Delete implements KV.
func (m *MySQLKV) Delete(ctx context.Context, key string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM draftgraph_kv WHERE k = ?`, []byte(key)); err != nil {
		return fmt.Errorf("mysql: delete %q: %w", key, err)
	}
	return nil
}

// Scan implements KV.
func (m *MySQLKV) Scan(ctx context.Context, prefix string, opts ScanOptions, fn func(key string, value []byte) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	q := `SELECT k, v FROM draftgraph_kv WHERE k >= ? AND k < ? ORDER BY k`
	if opts.Reverse {
		q += ` DESC`
	}
	if opts.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(opts.Limit)
	}

	rows, err := m.db.QueryContext(ctx, q, []byte(prefix), []byte(prefixEnd(prefix)))
	if err != nil {
		return fmt.Errorf("mysql: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k []byte
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("mysql: scan row: %w", err)
		}
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements KV.
func (m *MySQLKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLKV) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}
