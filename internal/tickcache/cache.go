// Package tickcache provides a day-indexed, TTL-bounded cache over a tick
// store. Backtests touch the same calendar days over and over; the cache
// turns per-signal store lookups into one batched range query per set of
// missing days.
package tickcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridback/internal/domain"
	"gridback/internal/store"
	"gridback/internal/util"
)

// estTickBytes approximates the resident size of one cached tick.
const estTickBytes = 100

// Stats is a point-in-time snapshot of cache contents.
type Stats struct {
	Days        int     `json:"days"`
	Ticks       int     `json:"ticks"`
	EstimatedMB float64 `json:"estimatedMB"`
	Queries     int     `json:"queries"`
}

// DayCache caches ticks for one symbol, partitioned by UTC calendar day.
// Days known to have no data are cached as empty slices so they are never
// re-queried. The whole cache is invalidated on a fixed TTL rather than
// per-entry; staleness is acceptable for historical data that only grows.
type DayCache struct {
	store  store.TickStore
	symbol string
	ttl    time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	days     map[string][]domain.Tick
	loadedAt time.Time
	queries  int
}

// New creates a DayCache over the given store for one symbol. A zero ttl
// disables expiry.
func New(ts store.TickStore, symbol string, ttl time.Duration, log *slog.Logger) *DayCache {
	return &DayCache{
		store:  ts,
		symbol: symbol,
		ttl:    ttl,
		log:    log.With("component", "tickcache", "symbol", symbol),
		days:   make(map[string][]domain.Tick),
	}
}

// Symbol returns the symbol this cache serves.
func (c *DayCache) Symbol() string { return c.symbol }

// LoadDays ensures all requested day keys are cached and returns a map
// holding exactly those days. Days not yet cached are fetched with a single
// range query spanning [min(day), max(day)]; every requested key is present
// in the result, possibly as an empty slice.
func (c *DayCache) LoadDays(ctx context.Context, daysNeeded []string) (map[string][]domain.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()

	var missing []string
	for _, day := range daysNeeded {
		if _, ok := c.days[day]; !ok {
			missing = append(missing, day)
		}
	}

	if len(missing) > 0 {
		if err := c.loadLocked(ctx, missing); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]domain.Tick, len(daysNeeded))
	for _, day := range daysNeeded {
		out[day] = c.days[day]
	}
	return out, nil
}

// loadLocked issues one range query covering all missing days and merges the
// grouped rows into the cache. Caller holds c.mu.
func (c *DayCache) loadLocked(ctx context.Context, missing []string) error {
	minDay, maxDay := missing[0], missing[0]
	for _, day := range missing[1:] {
		if day < minDay {
			minDay = day
		}
		if day > maxDay {
			maxDay = day
		}
	}

	start, err := util.ParseDay(minDay)
	if err != nil {
		return fmt.Errorf("invalid day key %q: %w", minDay, err)
	}
	endDay, err := util.ParseDay(maxDay)
	if err != nil {
		return fmt.Errorf("invalid day key %q: %w", maxDay, err)
	}
	end := endDay.Add(24*time.Hour - time.Millisecond)

	began := time.Now()
	ticks, err := c.store.ReadTicks(ctx, c.symbol, start, end)
	if err != nil {
		return fmt.Errorf("loading ticks for %s..%s: %w", minDay, maxDay, err)
	}
	c.queries++

	for _, t := range ticks {
		day := t.Day()
		c.days[day] = append(c.days[day], t)
	}

	// Negative sentinels: requested days with no rows stay cached as empty
	// so they are never re-queried.
	for _, day := range missing {
		if _, ok := c.days[day]; !ok {
			c.days[day] = []domain.Tick{}
		}
	}

	if c.loadedAt.IsZero() {
		c.loadedAt = time.Now()
	}

	c.log.Debug("loaded missing days",
		"days", len(missing),
		"ticks", len(ticks),
		"elapsed", time.Since(began),
	)
	return nil
}

// expireLocked clears the whole cache once the TTL has elapsed. Caller
// holds c.mu.
func (c *DayCache) expireLocked() {
	if c.ttl <= 0 || c.loadedAt.IsZero() {
		return
	}
	if time.Since(c.loadedAt) > c.ttl {
		c.days = make(map[string][]domain.Tick)
		c.loadedAt = time.Time{}
		c.log.Debug("cache expired by TTL")
	}
}

// NearestTick returns the cached tick closest to ts. If the target day has
// no ticks it falls back to the tail of the previous day. The bool result is
// false when no candidate lies within tolerance; callers treat that as
// missing price data, not as a retryable error.
func (c *DayCache) NearestTick(ts time.Time, tolerance time.Duration) (domain.Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := ts.UTC().Format(domain.DayKey)
	candidates := c.days[day]
	if len(candidates) == 0 {
		candidates = c.days[util.PrevDay(day)]
	}
	if len(candidates) == 0 {
		return domain.Tick{}, false
	}

	best := candidates[0]
	bestDiff := absDuration(best.Timestamp.Sub(ts))
	for _, t := range candidates[1:] {
		if diff := absDuration(t.Timestamp.Sub(ts)); diff < bestDiff {
			best, bestDiff = t, diff
		}
	}

	if bestDiff > tolerance {
		return domain.Tick{}, false
	}
	return best, true
}

// TicksBetween returns cached ticks within [start, end] across the day
// partitions the window spans, in timestamp order. Only cached days
// contribute; call LoadDays first.
func (c *DayCache) TicksBetween(start, end time.Time) []domain.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Tick
	for _, day := range util.DaysBetween(start, end) {
		for _, t := range c.days[day] {
			if t.Timestamp.Before(start) || t.Timestamp.After(end) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// Invalidate drops all cached days immediately.
func (c *DayCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.days = make(map[string][]domain.Tick)
	c.loadedAt = time.Time{}
}

// Stats returns a snapshot of cache size and query count.
func (c *DayCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ticks := 0
	for _, day := range c.days {
		ticks += len(day)
	}
	return Stats{
		Days:        len(c.days),
		Ticks:       ticks,
		EstimatedMB: float64(ticks*estTickBytes) / (1024 * 1024),
		Queries:     c.queries,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
