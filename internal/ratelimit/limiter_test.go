package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleep advances the clock
// instead of blocking.
type fakeClock struct {
	t time.Time
}

func newTestLimiter(perMinute, perHour int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(perMinute, perHour)
	l.now = func() time.Time { return clk.t }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		clk.t = clk.t.Add(d)
		return nil
	}
	return l, clk
}

func TestAcquireWithinQuota(t *testing.T) {
	l, clk := newTestLimiter(5, 100)
	ctx := context.Background()

	start := clk.t
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if !clk.t.Equal(start) {
		t.Errorf("acquires within quota advanced clock by %v, want 0", clk.t.Sub(start))
	}
	if got := l.RemainingMinute(); got != 0 {
		t.Errorf("RemainingMinute = %d, want 0", got)
	}
}

func TestAcquireBlocksUntilMinuteWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(3, 100)
	ctx := context.Background()

	start := clk.t
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	// Fourth acquire must wait for the oldest grant to leave the window.
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 4: %v", err)
	}
	waited := clk.t.Sub(start)
	if waited < time.Minute {
		t.Errorf("fourth acquire waited %v, want >= 1m", waited)
	}
}

func TestAcquireBlocksOnHourWindow(t *testing.T) {
	l, clk := newTestLimiter(100, 2)
	ctx := context.Background()

	start := clk.t
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 3: %v", err)
	}
	if waited := clk.t.Sub(start); waited < time.Hour {
		t.Errorf("third acquire waited %v, want >= 1h", waited)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l, _ := newTestLimiter(1, 100)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire after cancel = %v, want context.Canceled", err)
	}
}

func TestRemainingCounts(t *testing.T) {
	l, clk := newTestLimiter(10, 20)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if got := l.RemainingMinute(); got != 6 {
		t.Errorf("RemainingMinute = %d, want 6", got)
	}
	if got := l.RemainingHour(); got != 16 {
		t.Errorf("RemainingHour = %d, want 16", got)
	}

	// After the minute window slides, minute headroom recovers but the
	// hour window still counts the grants.
	clk.t = clk.t.Add(2 * time.Minute)
	if got := l.RemainingMinute(); got != 10 {
		t.Errorf("RemainingMinute after slide = %d, want 10", got)
	}
	if got := l.RemainingHour(); got != 16 {
		t.Errorf("RemainingHour after slide = %d, want 16", got)
	}
}
