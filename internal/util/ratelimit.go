package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces operations evenly across a per-minute budget. Even
// pacing suits historical-data backfills better than a bursty bucket: the
// provider's limiter sees a smooth request stream instead of bursts that
// trip its window edge.
type RateLimiter struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewRateLimiter creates a limiter allowing perMinute operations per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{interval: time.Minute / time.Duration(perMinute)}
}

// Wait blocks until this caller's slot arrives or ctx is done. Concurrent
// callers are serialized onto consecutive slots in arrival order.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	now := time.Now()
	if rl.next.Before(now) {
		rl.next = now
	}
	wait := rl.next.Sub(now)
	rl.next = rl.next.Add(rl.interval)
	rl.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
