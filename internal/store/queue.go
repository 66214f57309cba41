package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Direction indicates which way a queued item moves.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status tracks a queue item through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
	StatusConflict  Status = "conflict"
)

// Item is a unit of work in the sync queue. Data holds the JSON payload as
// written; Checksum is the content hash computed at enqueue time and never
// changes afterward.
type Item struct {
	ID        string
	ItemType  string
	Direction Direction
	Status    Status
	Data      []byte
	Checksum  string
	CreatedAt time.Time
	UpdatedAt time.Time
	Attempts  int
	LastError string
}

// Enqueue adds an item to the sync queue. Re-enqueueing an existing ID
// replaces the stored row, so retried enqueues are idempotent.
func (s *Store) Enqueue(item *Item) error {
	return s.EnqueueContext(context.Background(), item)
}

// EnqueueContext adds an item with context support.
func (s *Store) EnqueueContext(ctx context.Context, item *Item) error {
	if item.ID == "" {
		return fmt.Errorf("enqueue: item ID must not be empty")
	}

	query := `
	INSERT OR REPLACE INTO sync_queue
	(id, item_type, direction, status, data, checksum,
	 created_at, updated_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		item.ID,
		item.ItemType,
		string(item.Direction),
		string(item.Status),
		string(item.Data),
		stringToNullString(item.Checksum),
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
		item.Attempts,
		stringToNullString(item.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item %s: %w", item.ID, err)
	}

	return nil
}

// DequeueBatch returns up to limit items with the given direction and status,
// oldest first. A negative limit returns all matches. Items are not removed
// or claimed; the caller transitions them via UpdateStatus.
func (s *Store) DequeueBatch(ctx context.Context, direction Direction, status Status, limit int) ([]*Item, error) {
	query := `
	SELECT id, item_type, direction, status, data, checksum,
	       created_at, updated_at, attempts, last_error
	FROM sync_queue
	WHERE direction = ? AND status = ?
	ORDER BY created_at ASC, rowid ASC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, string(direction), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// UpdateStatus transitions an item. The error text is stored verbatim; pass
// "" to clear it. Attempts are counted by MarkUploading, not here.
func (s *Store) UpdateStatus(ctx context.Context, itemID string, status Status, errText string) error {
	query := `
	UPDATE sync_queue
	SET status = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`

	_, err := s.conn.ExecContext(ctx, query,
		string(status),
		stringToNullString(errText),
		formatTime(time.Now()),
		itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", itemID, err)
	}
	return nil
}

// RequeueFailed returns failed items that still have attempts left to
// pending so the next flush retries them. Items at or past maxAttempts stay
// failed.
func (s *Store) RequeueFailed(ctx context.Context, direction Direction, maxAttempts int) (int64, error) {
	query := `
	UPDATE sync_queue
	SET status = ?, updated_at = ?
	WHERE direction = ? AND status = ? AND attempts < ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		string(StatusPending),
		formatTime(time.Now()),
		string(direction),
		string(StatusFailed),
		maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued items: %w", err)
	}
	return n, nil
}

// MarkUploading claims a set of items for an upload attempt, bumping each
// attempt counter.
func (s *Store) MarkUploading(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat("?,", len(itemIDs))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
	UPDATE sync_queue
	SET status = ?, updated_at = ?, attempts = attempts + 1
	WHERE id IN (%s)
	`, placeholders)

	args := make([]any, 0, len(itemIDs)+2)
	args = append(args, string(StatusUploading), now)
	for _, id := range itemIDs {
		args = append(args, id)
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark items uploading: %w", err)
	}
	return nil
}

// RemoveItem deletes an item from the queue. Idempotent.
func (s *Store) RemoveItem(ctx context.Context, itemID string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", itemID)
	if err != nil {
		return fmt.Errorf("failed to remove item %s: %w", itemID, err)
	}
	return nil
}

// QueueStats returns a count of queue items per status.
func (s *Store) QueueStats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT status, COUNT(*) AS count
	FROM sync_queue
	GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	return stats, nil
}

// ClearCompleted deletes uploaded items whose last update is older than the
// given age. Returns the number of rows removed.
func (s *Store) ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM sync_queue
	WHERE status = ? AND updated_at < ?
	`, string(StatusUploaded), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared items: %w", err)
	}
	return n, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		var item Item
		var direction, status, data string
		var createdAt, updatedAt string
		var checksum, lastError sql.NullString

		err := rows.Scan(
			&item.ID,
			&item.ItemType,
			&direction,
			&status,
			&data,
			&checksum,
			&createdAt,
			&updatedAt,
			&item.Attempts,
			&lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Direction = Direction(direction)
		item.Status = Status(status)
		item.Data = []byte(data)
		item.Checksum = checksum.String
		item.LastError = lastError.String

		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			item.UpdatedAt = t
		}

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}
