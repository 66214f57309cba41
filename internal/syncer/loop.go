package syncer

import (
	"context"
	"time"
)

// loopTick is how often the background loop wakes to check its cadences.
const loopTick = time.Second

// errBackoff is how long the loop pauses after an unexpected cycle error.
const errBackoff = 10 * time.Second

// Start launches the background sync loop. It keeps running until Stop is
// called or ctx is cancelled; a failing cycle is logged and backed off, never
// fatal.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Printf("background sync already running")
		return
	}
	e.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(loopCtx)

	e.logger.Printf("background sync started")
}

// Stop halts the background loop and waits for the current cycle to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Printf("background sync stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	// The parent context can die without Stop being called; the flag must
	// follow the loop, not just Stop.
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	lastUpload := time.Now()
	lastDownload := time.Now()
	lastFullSync := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		cycleErr := false

		if now.Sub(lastUpload) >= e.opts.UploadInterval {
			if _, err := e.FlushUploads(ctx); err != nil {
				e.logger.Printf("upload flush error: %v", err)
				cycleErr = true
			}
			lastUpload = now
		}

		if now.Sub(lastDownload) >= e.opts.DownloadInterval {
			if _, err := e.DownloadRecommendations(ctx, "", nil); err != nil {
				e.logger.Printf("recommendation poll error: %v", err)
				cycleErr = true
			}
			lastDownload = now
		}

		if now.Sub(lastFullSync) >= e.opts.FullSyncInterval {
			if _, err := e.SyncAll(ctx); err != nil {
				e.logger.Printf("full sync error: %v", err)
				cycleErr = true
			}
			lastFullSync = now
		}

		if cycleErr {
			select {
			case <-ctx.Done():
				return
			case <-time.After(errBackoff):
			}
		}
	}
}
