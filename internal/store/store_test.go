package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "companion.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testItem(id string, created time.Time) *Item {
	return &Item{
		ID:        id,
		ItemType:  "combat_run",
		Direction: DirectionUpload,
		Status:    StatusPending,
		Data:      []byte(`{"dps":42000}`),
		Checksum:  "abc123",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	item := testItem("run-1", now)
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}

	got := items[0]
	if got.ID != "run-1" || got.ItemType != "combat_run" {
		t.Errorf("got %s/%s, want run-1/combat_run", got.ID, got.ItemType)
	}
	if string(got.Data) != `{"dps":42000}` {
		t.Errorf("data = %s", got.Data)
	}
	if got.Checksum != "abc123" {
		t.Errorf("checksum = %q, want abc123", got.Checksum)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestDequeueBatchOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Insert out of order; dequeue must come back oldest first.
	for _, off := range []int{3, 1, 4, 0, 2} {
		item := testItem(fmt.Sprintf("run-%d", off), base.Add(time.Duration(off)*time.Second))
		if err := s.Enqueue(item); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 3)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []string{"run-0", "run-1", "run-2"} {
		if items[i].ID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].ID, want)
		}
	}
}

func TestDequeueBatchFiltersDirectionAndStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	up := testItem("up-1", now)
	down := testItem("down-1", now)
	down.Direction = DirectionDownload
	failed := testItem("failed-1", now)
	failed.Status = StatusFailed

	for _, item := range []*Item{up, down, failed} {
		if err := s.Enqueue(item); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "up-1" {
		t.Fatalf("got %v, want only up-1", items)
	}
}

func TestEnqueueReplacesExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	item := testItem("run-1", now)
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item.Data = []byte(`{"dps":50000}`)
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if string(items[0].Data) != `{"dps":50000}` {
		t.Errorf("data = %s, want replaced payload", items[0].Data)
	}
}

func TestDequeueOrderSubSecondSpacing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Fractional seconds whose RFC3339Nano renderings do not sort
	// lexicographically: ".5" vs ".52", and an exact second.
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	stamps := []struct {
		id string
		at time.Time
	}{
		{"first", base.Add(500 * time.Millisecond)},
		{"second", base.Add(520 * time.Millisecond)},
		{"third", base.Add(time.Second)},
	}
	// Enqueue newest first so insertion order cannot mask a sort bug.
	for i := len(stamps) - 1; i >= 0; i-- {
		item := testItem(stamps[i].id, stamps[i].at)
		if err := s.Enqueue(item); err != nil {
			t.Fatalf("Enqueue %s: %v", stamps[i].id, err)
		}
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, items[i].ID, want)
		}
	}
	for i, item := range items {
		if !item.CreatedAt.Equal(stamps[i].at) {
			t.Errorf("%s created_at = %s, want %s", item.ID, item.CreatedAt, stamps[i].at)
		}
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Enqueue(testItem("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Two upload attempts, each failing.
	for _, errText := range []string{"connection refused", "timeout"} {
		if err := s.MarkUploading(ctx, []string{"run-1"}); err != nil {
			t.Fatalf("MarkUploading: %v", err)
		}
		if err := s.UpdateStatus(ctx, "run-1", StatusFailed, errText); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}

	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusFailed, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", items[0].Attempts)
	}
	if items[0].LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", items[0].LastError)
	}
}

func TestMarkUploadingClaimsBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Enqueue(testItem(id, now)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	if err := s.MarkUploading(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("MarkUploading: %v", err)
	}

	uploading, err := s.DequeueBatch(ctx, DirectionUpload, StatusUploading, 10)
	if err != nil {
		t.Fatalf("DequeueBatch uploading: %v", err)
	}
	if len(uploading) != 2 {
		t.Fatalf("got %d uploading items, want 2", len(uploading))
	}
	for _, item := range uploading {
		if item.Attempts != 1 {
			t.Errorf("item %s attempts = %d, want 1", item.ID, item.Attempts)
		}
	}

	pending, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("pending = %v, want just b", pending)
	}

	// Empty claim is a no-op.
	if err := s.MarkUploading(ctx, nil); err != nil {
		t.Fatalf("MarkUploading empty: %v", err)
	}
}

func TestRequeueFailedRespectsAttemptCeiling(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"fresh", "spent"} {
		if err := s.Enqueue(testItem(id, now)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	// "fresh" fails once, "spent" fails three times.
	if err := s.MarkUploading(ctx, []string{"fresh", "spent"}); err != nil {
		t.Fatalf("MarkUploading: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.MarkUploading(ctx, []string{"spent"}); err != nil {
			t.Fatalf("MarkUploading: %v", err)
		}
	}
	for _, id := range []string{"fresh", "spent"} {
		if err := s.UpdateStatus(ctx, id, StatusFailed, "boom"); err != nil {
			t.Fatalf("UpdateStatus %s: %v", id, err)
		}
	}

	n, err := s.RequeueFailed(ctx, DirectionUpload, 3)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	pending, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("pending = %v, want just fresh", pending)
	}

	failed, err := s.DequeueBatch(ctx, DirectionUpload, StatusFailed, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "spent" {
		t.Fatalf("failed = %v, want just spent", failed)
	}
}

func TestQueueStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(testItem(fmt.Sprintf("p-%d", i), now)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	done := testItem("done-1", now)
	done.Status = StatusUploaded
	if err := s.Enqueue(done); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats[StatusPending] != 3 {
		t.Errorf("pending = %d, want 3", stats[StatusPending])
	}
	if stats[StatusUploaded] != 1 {
		t.Errorf("uploaded = %d, want 1", stats[StatusUploaded])
	}
}

func TestClearCompleted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testItem("old-1", time.Now().UTC().Add(-10*24*time.Hour))
	old.Status = StatusUploaded
	old.UpdatedAt = old.CreatedAt
	recent := testItem("recent-1", time.Now().UTC())
	recent.Status = StatusUploaded
	pending := testItem("pending-1", time.Now().UTC().Add(-10*24*time.Hour))
	pending.UpdatedAt = pending.CreatedAt

	for _, item := range []*Item{old, recent, pending} {
		if err := s.Enqueue(item); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	n, err := s.ClearCompleted(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ClearCompleted: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d rows, want 1", n)
	}

	// Pending items are never pruned regardless of age.
	items, err := s.DequeueBatch(ctx, DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "pending-1" {
		t.Errorf("pending item lost: %v", items)
	}
}

func TestCachePutGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	data := []byte(`{"recommendations":[]}`)
	if err := s.CachePut(ctx, "recs", "recommendation", data, nil, time.Hour); err != nil {
		t.Fatalf("CachePut: %v", err)
	}

	got, err := s.CacheGet(ctx, "recs")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("got %s, want %s", got, data)
	}

	sum, err := s.CacheChecksum(ctx, "recs")
	if err != nil {
		t.Fatalf("CacheChecksum: %v", err)
	}
	if sum == "" {
		t.Error("checksum should be set after CachePut")
	}
}

func TestCacheGetMissing(t *testing.T) {
	s := testStore(t)

	got, err := s.CacheGet(context.Background(), "nope")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if got != nil {
		t.Errorf("got %s, want nil", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// TTL of one nanosecond: expired by the time we read.
	if err := s.CachePut(ctx, "short", "recommendation", []byte(`{}`), nil, time.Nanosecond); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	got, err := s.CacheGet(ctx, "short")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if got != nil {
		t.Errorf("expired entry returned: %s", got)
	}
}

func TestSweepExpiredCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CachePut(ctx, "expired", "features", []byte(`{}`), nil, time.Nanosecond); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	if err := s.CachePut(ctx, "forever", "features", []byte(`{}`), nil, 0); err != nil {
		t.Fatalf("CachePut: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := s.SweepExpiredCache(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredCache: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	got, err := s.CacheGet(ctx, "forever")
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if got == nil {
		t.Error("zero-TTL entry should survive sweep")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	none, err := s.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if none != nil {
		t.Fatalf("empty store returned token %v", none)
	}

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	token := &Token{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		ExpiresAt:    expires,
		Scope:        "sync",
	}
	if err := s.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	got, err := s.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got == nil {
		t.Fatal("token not found after save")
	}
	if got.AccessToken != "access-abc" || got.RefreshToken != "refresh-xyz" {
		t.Errorf("got %s/%s", got.AccessToken, got.RefreshToken)
	}
	if got.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer default", got.TokenType)
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, expires)
	}

	if err := s.ClearToken(ctx); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	got, err = s.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != nil {
		t.Errorf("token survived ClearToken: %v", got)
	}
}

func TestTokenNeedsRefresh(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		buffer    time.Duration
		want      bool
	}{
		{"fresh", time.Hour, 5 * time.Minute, false},
		{"inside buffer", 3 * time.Minute, 5 * time.Minute, true},
		{"already expired", -time.Minute, 5 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &Token{ExpiresAt: time.Now().Add(tt.expiresIn)}
			if got := token.NeedsRefresh(tt.buffer); got != tt.want {
				t.Errorf("NeedsRefresh = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.Meta(ctx, "last_sync")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if got != "" {
		t.Errorf("unset key = %q, want empty", got)
	}

	if err := s.SetMeta(ctx, "last_sync", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := s.SetMeta(ctx, "last_sync", "2026-02-01T00:00:00Z"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}

	got, err = s.Meta(ctx, "last_sync")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if got != "2026-02-01T00:00:00Z" {
		t.Errorf("got %q, want overwritten value", got)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Enqueue(testItem("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must keep existing data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	items, err := s2.DequeueBatch(context.Background(), DirectionUpload, StatusPending, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("got %d items after reopen, want 1", len(items))
	}
}
