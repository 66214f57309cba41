// Package syncer implements the offline-first sync engine between the local
// companion agent and the cloud API.
//
// Uploads are queued durably in the local store and flushed in batches, so
// combat runs recorded while offline survive restarts and reach the server
// once connectivity returns. Downloads of recommendations and feature data
// are cached with TTLs and conditional re-fetch. A background loop drives
// both directions on independent cadences.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esobuild/companion/internal/auth"
	"github.com/esobuild/companion/internal/ratelimit"
	"github.com/esobuild/companion/internal/store"
	"github.com/esobuild/companion/internal/watcher"
)

// Metadata keys in sync_meta.
const (
	metaLastRecommendationSync = "last_recommendation_sync"
	metaLastPatchVersion       = "last_patch_version"
	metaLastFullSync           = "last_full_sync"
)

// Cache TTLs per data type.
const (
	recommendationsTTL = 5 * time.Minute
	featureUpdatesTTL  = 24 * time.Hour
)

// completedRetention is how long uploaded queue rows are kept before the
// full-sync pass prunes them.
const completedRetention = 7 * 24 * time.Hour

// Options configures the sync engine. Zero fields get the defaults below.
type Options struct {
	UploadInterval   time.Duration // batch upload cadence, default 1m
	DownloadInterval time.Duration // recommendation poll cadence, default 5m
	FullSyncInterval time.Duration // full sync cadence, default 1h
	MaxAttempts      int           // upload attempts before an item stays failed, default 5
	MaxQueueSize     int           // outstanding queue items before QueueUpload refuses, default 10000
	CacheTTL         time.Duration // recommendation cache lifetime, default 5m
	MaxBatchSize     int           // items per upload batch, default 50
}

func (o *Options) applyDefaults() {
	if o.UploadInterval <= 0 {
		o.UploadInterval = time.Minute
	}
	if o.DownloadInterval <= 0 {
		o.DownloadInterval = 5 * time.Minute
	}
	if o.FullSyncInterval <= 0 {
		o.FullSyncInterval = time.Hour
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 10000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = recommendationsTTL
	}
}

// Result summarizes one sync operation.
type Result struct {
	Success        bool
	ItemsProcessed int
	ItemsFailed    int
	Errors         []string
	Duration       time.Duration
}

// Status is a point-in-time view of the engine for the status command.
type Status struct {
	QueueStats      map[store.Status]int
	RemainingMinute int
	RemainingHour   int
	Authenticated   bool
	Running         bool
}

// Engine owns the durable queue, the API client, and the background loop.
type Engine struct {
	opts    Options
	store   *store.Store
	client  *Client
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	logger  *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a sync engine. A nil logger logs to stderr.
func New(opts Options, st *store.Store, client *Client, am *auth.Manager, limiter *ratelimit.Limiter, logger *log.Logger) *Engine {
	opts.applyDefaults()
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Engine{
		opts:    opts,
		store:   st,
		client:  client,
		auth:    am,
		limiter: limiter,
		logger:  logger,
	}
}

// QueueUpload adds a payload to the durable upload queue and returns the new
// item's ID. The checksum covers the canonical JSON encoding and is fixed at
// enqueue time.
func (e *Engine) QueueUpload(ctx context.Context, itemType string, data map[string]any) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", itemType, err)
	}
	sum := sha256.Sum256(encoded)

	stats, err := e.store.QueueStats(ctx)
	if err != nil {
		return "", err
	}
	outstanding := 0
	for status, n := range stats {
		if status != store.StatusUploaded {
			outstanding += n
		}
	}
	if outstanding >= e.opts.MaxQueueSize {
		return "", fmt.Errorf("sync queue is full (%d items)", outstanding)
	}

	now := time.Now().UTC()
	item := &store.Item{
		ID:        uuid.NewString(),
		ItemType:  itemType,
		Direction: store.DirectionUpload,
		Status:    store.StatusPending,
		Data:      encoded,
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.EnqueueContext(ctx, item); err != nil {
		return "", err
	}
	e.logger.Printf("queued %s for upload: %s", itemType, item.ID)
	return item.ID, nil
}

// QueueRun queues a combat run detected by the watcher.
func (e *Engine) QueueRun(ctx context.Context, run *watcher.CombatRun) (string, error) {
	return e.QueueUpload(ctx, "combat_run", run.Raw)
}

// QueueBuildSnapshot queues a build snapshot detected by the watcher.
func (e *Engine) QueueBuildSnapshot(ctx context.Context, build *watcher.BuildSnapshot) (string, error) {
	return e.QueueUpload(ctx, "build_snapshot", build.Raw)
}

// FlushUploads sends one batch of pending uploads. Failed items with
// attempts left are reclaimed first, so each flush retries them until they
// hit the attempt ceiling.
func (e *Engine) FlushUploads(ctx context.Context) (*Result, error) {
	if n, err := e.store.RequeueFailed(ctx, store.DirectionUpload, e.opts.MaxAttempts); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.Printf("requeued %d failed uploads for retry", n)
	}

	pending, err := e.store.DequeueBatch(ctx, store.DirectionUpload, store.StatusPending, e.opts.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &Result{Success: true}, nil
	}

	ids := make([]string, len(pending))
	for i, item := range pending {
		ids[i] = item.ID
	}
	if err := e.store.MarkUploading(ctx, ids); err != nil {
		return nil, err
	}

	e.logger.Printf("flushing %d pending uploads", len(pending))
	return e.processBatch(ctx, pending), nil
}

// batchItem is one element of a batch upload request.
type batchItem struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
}

// batchResult is the server's verdict on one uploaded item. On a conflict
// the server may attach its own copy of the record.
type batchResult struct {
	ID         string          `json:"id"`
	Success    bool            `json:"success"`
	Conflict   bool            `json:"conflict"`
	Error      string          `json:"error"`
	ServerData json.RawMessage `json:"server_data"`
}

// processBatch uploads items grouped by type, one request per group, and
// applies the server's per-item results. A failed request marks only that
// group's items failed; other groups still go out.
func (e *Engine) processBatch(ctx context.Context, items []*store.Item) *Result {
	start := time.Now()
	result := &Result{}

	byType := make(map[string][]*store.Item)
	var typeOrder []string
	for _, item := range items {
		if _, seen := byType[item.ItemType]; !seen {
			typeOrder = append(typeOrder, item.ItemType)
		}
		byType[item.ItemType] = append(byType[item.ItemType], item)
	}

	for _, itemType := range typeOrder {
		group := byType[itemType]
		if err := e.uploadGroup(ctx, itemType, group, result); err != nil {
			for _, item := range group {
				e.markFailed(ctx, item.ID, err.Error(), result)
			}
		}
	}

	result.Success = result.ItemsFailed == 0
	result.Duration = time.Since(start)
	return result
}

func (e *Engine) uploadGroup(ctx context.Context, itemType string, group []*store.Item, result *Result) error {
	payload := struct {
		Items []batchItem `json:"items"`
	}{}
	for _, item := range group {
		payload.Items = append(payload.Items, batchItem{
			ID:       item.ID,
			Data:     json.RawMessage(item.Data),
			Checksum: item.Checksum,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	resp, err := e.client.request(ctx, "POST", "/sync/"+itemType+"s/batch", nil, body, nil)
	if err != nil {
		return err
	}

	var parsed struct {
		Results []batchResult `json:"results"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return fmt.Errorf("failed to decode batch response: %w", err)
	}

	for _, r := range parsed.Results {
		switch {
		case r.Success:
			if err := e.store.UpdateStatus(ctx, r.ID, store.StatusUploaded, ""); err != nil {
				e.logger.Printf("failed to mark %s uploaded: %v", r.ID, err)
			}
			result.ItemsProcessed++
		case r.Conflict:
			if err := e.store.UpdateStatus(ctx, r.ID, store.StatusConflict, r.Error); err != nil {
				e.logger.Printf("failed to mark %s conflicted: %v", r.ID, err)
			}
			if len(r.ServerData) > 0 {
				if err := e.store.CachePut(ctx, conflictCacheKey(r.ID), "conflict", r.ServerData, nil, completedRetention); err != nil {
					e.logger.Printf("failed to stash server copy for %s: %v", r.ID, err)
				}
			}
			ce := &ConflictError{ItemID: r.ID, ServerData: r.ServerData}
			result.ItemsFailed++
			result.Errors = append(result.Errors, ce.Error())
		default:
			errText := r.Error
			if errText == "" {
				errText = "unknown error"
			}
			e.markFailed(ctx, r.ID, errText, result)
		}
	}
	return nil
}

// markFailed records an upload failure. The item stays failed until the next
// flush reclaims it, or permanently once its attempts are spent.
func (e *Engine) markFailed(ctx context.Context, itemID, errText string, result *Result) {
	if err := e.store.UpdateStatus(ctx, itemID, store.StatusFailed, errText); err != nil {
		e.logger.Printf("failed to mark %s failed: %v", itemID, err)
	}
	result.ItemsFailed++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", itemID, errText))
}

// DownloadRecommendations fetches recommendations, optionally scoped to a
// run or a since watermark. Fresh cache entries are served without a network
// call.
func (e *Engine) DownloadRecommendations(ctx context.Context, runID string, since *time.Time) ([]json.RawMessage, error) {
	cacheKey := recommendationsCacheKey(runID, since)

	if cached, err := e.store.CacheGet(ctx, cacheKey); err != nil {
		return nil, err
	} else if cached != nil {
		var recs []json.RawMessage
		if err := json.Unmarshal(cached, &recs); err == nil {
			e.logger.Printf("using cached recommendations for %s", cacheKey)
			return recs, nil
		}
	}

	query := url.Values{}
	if runID != "" {
		query.Set("run_id", runID)
	}
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	resp, err := e.client.request(ctx, "GET", "/recommendations", query, nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Recommendations []json.RawMessage `json:"recommendations"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}

	encoded, err := json.Marshal(parsed.Recommendations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recommendations for cache: %w", err)
	}
	now := time.Now().UTC()
	if err := e.store.CachePut(ctx, cacheKey, "recommendations", encoded, &now, e.opts.CacheTTL); err != nil {
		e.logger.Printf("failed to cache recommendations: %v", err)
	}

	e.logger.Printf("downloaded %d recommendations", len(parsed.Recommendations))
	return parsed.Recommendations, nil
}

func recommendationsCacheKey(runID string, since *time.Time) string {
	run := "all"
	if runID != "" {
		run = runID
	}
	window := "all"
	if since != nil {
		window = since.UTC().Format(time.RFC3339)
	}
	return "recommendations:" + run + ":" + window
}

// DownloadFeatureUpdates fetches skill and set change data, using the cached
// checksum for a conditional request. A 304 serves the cache; a fresh body
// replaces it with a long TTL since game data only changes on patch days.
func (e *Engine) DownloadFeatureUpdates(ctx context.Context, sincePatch string) (json.RawMessage, error) {
	const cacheKey = "feature_updates"

	query := url.Values{}
	if sincePatch != "" {
		query.Set("since_patch", sincePatch)
	}

	checksum, err := e.store.CacheChecksum(ctx, cacheKey)
	if err != nil {
		return nil, err
	}
	var extra map[string][]string
	if checksum != "" {
		extra = map[string][]string{"If-None-Match": {checksum}}
	}

	resp, err := e.client.request(ctx, "GET", "/features/updates", query, nil, extra)
	if err != nil {
		if retryable(err) {
			if cached, cacheErr := e.store.CacheGet(ctx, cacheKey); cacheErr == nil && cached != nil {
				e.logger.Printf("feature download failed, serving stale cache: %v", err)
				return json.RawMessage(cached), nil
			}
		}
		return nil, err
	}

	if resp.status == 304 {
		cached, err := e.store.CacheGet(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			e.logger.Printf("feature updates unchanged")
			return json.RawMessage(cached), nil
		}
		// 304 with an empty cache: the checksum row outlived the data row.
		return nil, fmt.Errorf("server reported not modified but cache is empty")
	}

	if !json.Valid(resp.body) {
		return nil, fmt.Errorf("invalid feature update payload")
	}

	now := time.Now().UTC()
	if err := e.store.CachePut(ctx, cacheKey, "feature_updates", resp.body, &now, featureUpdatesTTL); err != nil {
		e.logger.Printf("failed to cache feature updates: %v", err)
	}

	e.logger.Printf("downloaded feature updates (%d bytes)", len(resp.body))
	return json.RawMessage(resp.body), nil
}

// SyncAll performs a full sync: flush uploads, pull recommendations since
// the last watermark, pull feature updates, then prune bookkeeping rows.
// Partial failures are collected, not fatal.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	total := &Result{}

	e.logger.Printf("starting full sync")

	upload, err := e.FlushUploads(ctx)
	if err != nil {
		total.ItemsFailed++
		total.Errors = append(total.Errors, fmt.Sprintf("upload flush failed: %v", err))
	} else {
		total.ItemsProcessed += upload.ItemsProcessed
		total.ItemsFailed += upload.ItemsFailed
		total.Errors = append(total.Errors, upload.Errors...)
	}

	var since *time.Time
	if watermark, err := e.store.Meta(ctx, metaLastRecommendationSync); err == nil && watermark != "" {
		if t, err := time.Parse(time.RFC3339, watermark); err == nil {
			since = &t
		}
	}
	recs, err := e.DownloadRecommendations(ctx, "", since)
	if err != nil {
		total.ItemsFailed++
		total.Errors = append(total.Errors, fmt.Sprintf("recommendation download failed: %v", err))
	} else {
		total.ItemsProcessed += len(recs)
		if err := e.store.SetMeta(ctx, metaLastRecommendationSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
			e.logger.Printf("failed to update recommendation watermark: %v", err)
		}
	}

	lastPatch, _ := e.store.Meta(ctx, metaLastPatchVersion)
	if _, err := e.DownloadFeatureUpdates(ctx, lastPatch); err != nil {
		total.ItemsFailed++
		total.Errors = append(total.Errors, fmt.Sprintf("feature update download failed: %v", err))
	} else {
		total.ItemsProcessed++
	}

	if n, err := e.store.ClearCompleted(ctx, completedRetention); err != nil {
		e.logger.Printf("failed to prune completed items: %v", err)
	} else if n > 0 {
		e.logger.Printf("pruned %d completed queue items", n)
	}
	if n, err := e.store.SweepExpiredCache(ctx); err != nil {
		e.logger.Printf("failed to sweep cache: %v", err)
	} else if n > 0 {
		e.logger.Printf("swept %d expired cache entries", n)
	}

	if err := e.store.SetMeta(ctx, metaLastFullSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Printf("failed to update full-sync watermark: %v", err)
	}

	total.Success = total.ItemsFailed == 0
	total.Duration = time.Since(start)
	e.logger.Printf("full sync done in %s: %d processed, %d failed",
		total.Duration.Round(time.Millisecond), total.ItemsProcessed, total.ItemsFailed)

	return total, nil
}

func conflictCacheKey(itemID string) string {
	return "conflict:" + itemID
}

// Conflicts lists queue items stuck in the conflict state, pairing each local
// payload with the server copy stashed when the conflict was reported.
func (e *Engine) Conflicts(ctx context.Context) ([]*ConflictError, error) {
	items, err := e.store.DequeueBatch(ctx, store.DirectionUpload, store.StatusConflict, -1)
	if err != nil {
		return nil, err
	}

	out := make([]*ConflictError, 0, len(items))
	for _, item := range items {
		ce := &ConflictError{ItemID: item.ID, ClientData: json.RawMessage(item.Data)}
		if server, err := e.store.CacheGet(ctx, conflictCacheKey(item.ID)); err == nil && server != nil {
			ce.ServerData = json.RawMessage(server)
		}
		out = append(out, ce)
	}
	return out, nil
}

// ResolveConflict settles a conflicted queue item with the server. An empty
// resolution applies the default server-wins policy. Manual resolution
// requires merged data.
func (e *Engine) ResolveConflict(ctx context.Context, itemID string, resolution Resolution, merged map[string]any) error {
	if resolution == "" {
		resolution = ResolutionServerWins
	}

	payload := map[string]any{
		"item_id":    itemID,
		"resolution": string(resolution),
	}
	if resolution == ResolutionManual {
		if merged == nil {
			return fmt.Errorf("manual resolution requires merged data")
		}
		payload["data"] = merged
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode resolution: %w", err)
	}

	if _, err := e.client.request(ctx, "POST", "/sync/conflicts/resolve", nil, body, nil); err != nil {
		return fmt.Errorf("failed to resolve conflict for %s: %w", itemID, err)
	}

	if err := e.store.UpdateStatus(ctx, itemID, store.StatusUploaded, ""); err != nil {
		return err
	}
	e.logger.Printf("conflict resolved for %s: %s", itemID, resolution)
	return nil
}

// Status reports queue depth, rate-limit headroom, and auth state.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}

	token, err := e.store.Token(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	return &Status{
		QueueStats:      stats,
		RemainingMinute: e.limiter.RemainingMinute(),
		RemainingHour:   e.limiter.RemainingHour(),
		Authenticated:   token != nil,
		Running:         running,
	}, nil
}

// HealthCheck reports whether the API answers an authenticated request.
func (e *Engine) HealthCheck(ctx context.Context) bool {
	resp, err := e.client.request(ctx, "GET", "/health", nil, nil, nil)
	return err == nil && resp.status == 200
}
