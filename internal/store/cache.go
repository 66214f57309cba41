package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is a cached server response.
type CacheEntry struct {
	Key             string
	DataType        string
	Data            []byte
	Checksum        string
	ServerTimestamp *time.Time
	CachedAt        time.Time
	ExpiresAt       *time.Time
}

// CachePut stores data under key with an optional TTL. A zero ttl means the
// entry never expires. The checksum is computed over the raw bytes, so
// callers must serialize deterministically if they want stable checksums.
func (s *Store) CachePut(ctx context.Context, key, dataType string, data []byte, serverTimestamp *time.Time, ttl time.Duration) error {
	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		e := now.Add(ttl)
		expiresAt = &e
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	query := `
	INSERT OR REPLACE INTO cached_data
	(key, data_type, data, checksum, server_timestamp, cached_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		key,
		dataType,
		string(data),
		checksum,
		timeToNullString(serverTimestamp),
		formatTime(now),
		timeToNullString(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}

	return nil
}

// CacheGet returns the cached data for key, or nil if absent or expired.
// Expired rows are deleted on read.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, error) {
	var data string
	var expiresAt sql.NullString

	err := s.conn.QueryRowContext(ctx,
		"SELECT data, expires_at FROM cached_data WHERE key = ?", key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s: %w", key, err)
	}

	if exp := nullStringToTime(expiresAt); exp != nil && !time.Now().Before(*exp) {
		if _, err := s.conn.ExecContext(ctx, "DELETE FROM cached_data WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("failed to evict expired cache %s: %w", key, err)
		}
		return nil, nil
	}

	return []byte(data), nil
}

// CacheChecksum returns the stored checksum for key, or "" if absent.
// Expiry is not checked; checksums are used for change detection only.
func (s *Store) CacheChecksum(ctx context.Context, key string) (string, error) {
	var checksum sql.NullString
	err := s.conn.QueryRowContext(ctx,
		"SELECT checksum FROM cached_data WHERE key = ?", key,
	).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cache checksum %s: %w", key, err)
	}
	return checksum.String, nil
}

// SweepExpiredCache deletes all expired cache rows and returns the count.
func (s *Store) SweepExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM cached_data WHERE expires_at IS NOT NULL AND expires_at < ?",
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired cache: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept cache rows: %w", err)
	}
	return n, nil
}
