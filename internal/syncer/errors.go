package syncer

import (
	"encoding/json"
	"fmt"
	"time"
)

// RateLimitError reports that the server returned 429. RetryAfter is taken
// from the Retry-After header when present, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// APIError is a non-retryable 4xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status %d: %s", e.StatusCode, e.Body)
}

// NetworkError wraps a transport-level failure. These are retried with
// backoff before being surfaced.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError reports a sync conflict with both sides attached so a
// resolution policy can be applied.
type ConflictError struct {
	ItemID     string
	ServerData json.RawMessage
	ClientData json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on item %s", e.ItemID)
}

// Resolution selects how a sync conflict is settled.
type Resolution string

const (
	// ResolutionServerWins discards the local copy. This is the default:
	// aggregated server data is authoritative.
	ResolutionServerWins Resolution = "server_wins"
	// ResolutionClientWins re-uploads the local copy.
	ResolutionClientWins Resolution = "client_wins"
	// ResolutionNewestWins keeps whichever side changed last.
	ResolutionNewestWins Resolution = "newest_wins"
	// ResolutionManual submits caller-merged data.
	ResolutionManual Resolution = "manual"
)
