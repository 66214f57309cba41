// Package ratelimit provides dual sliding-window admission control for
// outbound API requests.
//
// The remote API enforces both a per-minute and a per-hour quota. The limiter
// tracks the timestamp of every granted request in two rolling windows and
// blocks callers until both windows have room, so a burst that exhausts the
// minute window still leaves hour-window headroom intact.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits requests under rolling per-minute and per-hour quotas.
// Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	perHour   int
	minute    []time.Time
	hour      []time.Time

	// now is swappable for tests.
	now func() time.Time

	// sleep is swappable for tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter allowing perMinute requests per rolling 60s window
// and perHour requests per rolling 3600s window.
func New(perMinute, perHour int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until both windows have room for one more request, then
// records the grant timestamp atomically with the capacity check. Returns
// early with ctx.Err() if the context is cancelled while waiting.
//
// The lock is held across the prune/check/record sequence but released while
// sleeping, so concurrent callers queue up fairly on the mutex rather than
// serializing their waits.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.minute) < l.perMinute && len(l.hour) < l.perHour {
			l.minute = append(l.minute, now)
			l.hour = append(l.hour, now)
			l.mu.Unlock()
			return nil
		}

		// Over capacity in at least one window: wait until the oldest
		// entry of the saturated window ages out.
		var wait time.Duration
		if len(l.minute) >= l.perMinute {
			wait = l.minute[0].Add(time.Minute).Sub(now)
		}
		if len(l.hour) >= l.perHour {
			if w := l.hour[0].Add(time.Hour).Sub(now); w > wait {
				wait = w
			}
		}
		l.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RemainingMinute reports current minute-window headroom without granting.
func (l *Limiter) RemainingMinute() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	if n := l.perMinute - len(l.minute); n > 0 {
		return n
	}
	return 0
}

// RemainingHour reports current hour-window headroom without granting.
func (l *Limiter) RemainingHour() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	if n := l.perHour - len(l.hour); n > 0 {
		return n
	}
	return 0
}

// prune drops entries older than each window length. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	minuteAgo := now.Add(-time.Minute)
	for len(l.minute) > 0 && l.minute[0].Before(minuteAgo) {
		l.minute = l.minute[1:]
	}
	hourAgo := now.Add(-time.Hour)
	for len(l.hour) > 0 && l.hour[0].Before(hourAgo) {
		l.hour = l.hour[1:]
	}
}
