// Package store provides the local SQLite persistence layer for the
// companion agent.
//
// A single database file holds four tables:
//   - sync_queue: durable queue of pending uploads and download markers
//   - cached_data: server responses cached with TTL and checksum
//   - auth_token: the single OAuth token row (id = 1)
//   - sync_meta: key/value watermarks (last sync times, ETags)
//
// The database is opened in WAL mode with a busy timeout so the daemon, the
// CLI, and concurrent goroutines can all touch it safely.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with companion-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path, creating the parent directory
// and schema as needed.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads during writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		item_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		checksum TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS cached_data (
		key TEXT PRIMARY KEY,
		data_type TEXT NOT NULL,
		data TEXT NOT NULL,
		checksum TEXT,
		server_timestamp TEXT,
		cached_at TEXT NOT NULL,
		expires_at TEXT
	);

	-- Single-row table: CHECK keeps it that way
	CREATE TABLE IF NOT EXISTS auth_token (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_type TEXT DEFAULT 'Bearer',
		expires_at TEXT NOT NULL,
		scope TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_type ON sync_queue(item_type);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_dequeue
	    ON sync_queue(direction, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_cached_data_type ON cached_data(data_type);
	CREATE INDEX IF NOT EXISTS idx_cached_data_expires ON cached_data(expires_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeLayout is the persisted timestamp format. Unlike RFC3339Nano it keeps
// trailing fractional zeros, so the TEXT columns sort chronologically and
// ORDER BY / range comparisons in SQL stay correct for sub-second spacing.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t for storage. All persisted timestamps go through here
// (or timeToNullString) so the encoding stays uniform.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// stringToNullString maps "" to NULL.
func stringToNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: v, Valid: true}
}
