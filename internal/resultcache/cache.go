// Package resultcache memoizes complete backtest results by a content hash of
// the run configuration and signal source.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gridback/internal/domain"
)

const (
	// DefaultTTL bounds how long a cached result stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity caps the number of cached results.
	DefaultCapacity = 100
	// evictFraction of the oldest entries removed when at capacity.
	evictFraction = 0.2
)

// Entry is one cached result with its provenance.
type Entry struct {
	Hash      string                `json:"hash"`
	Config    domain.BacktestConfig `json:"config"`
	Result    domain.BacktestResult `json:"results"`
	Source    string                `json:"signalsSource"`
	CachedAt  time.Time             `json:"timestamp"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
	Hits     int `json:"hits"`
	Misses   int `json:"misses"`
}

// Cache is a bounded, TTL-expiring result cache keyed by Fingerprint. Safe
// for concurrent use.
type Cache struct {
	ttl      time.Duration
	capacity int
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	hits    int
	misses  int
}

// New creates a Cache with the given TTL and capacity; zero values fall back
// to the defaults.
func New(ttl time.Duration, capacity int, log *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		log:      log.With("component", "resultcache"),
		entries:  make(map[string]*Entry),
	}
}

// Fingerprint reduces the fields that determine a run's outcome to a SHA-256
// hex digest. Identical inputs always produce the same key; any field change
// produces a different one.
func Fingerprint(cfg domain.BacktestConfig, source string) string {
	canonical := fmt.Sprintf("%s|%v|%d|%v|%d|%v|%v|%t|%t|%v|%t|%v|%s|%s",
		cfg.StrategyName,
		cfg.LotSize,
		cfg.NumOrders,
		cfg.PipsDistance,
		cfg.MaxLevels,
		cfg.TakeProfitPips,
		cfg.StopLossPips,
		cfg.UseStopLoss,
		cfg.UseRealPrices,
		cfg.Restriction,
		cfg.UseTrailingSL,
		cfg.TrailingSLPercent,
		cfg.Symbol,
		source,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for (config, source) if present and younger
// than the TTL.
func (c *Cache) Get(cfg domain.BacktestConfig, source string) (domain.BacktestResult, bool) {
	key := Fingerprint(cfg, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return domain.BacktestResult{}, false
	}
	if time.Now().After(e.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return domain.BacktestResult{}, false
	}
	c.hits++
	return e.Result, true
}

// Put stores a result, evicting the oldest entries first when at capacity.
func (c *Cache) Put(cfg domain.BacktestConfig, source string, result domain.BacktestResult) string {
	key := Fingerprint(cfg, source)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[key] = &Entry{
		Hash:      key,
		Config:    cfg,
		Result:    result,
		Source:    source,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	return key
}

// evictOldestLocked removes the oldest evictFraction of entries. Caller holds
// c.mu.
func (c *Cache) evictOldestLocked() {
	n := int(float64(c.capacity) * evictFraction)
	if n < 1 {
		n = 1
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].CachedAt.Before(c.entries[keys[j]].CachedAt)
	})

	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
	c.log.Debug("evicted oldest entries", "evicted", n, "remaining", len(c.entries))
}

// InvalidateSource drops every entry computed from the given signal source,
// for when a source file is re-ingested.
func (c *Cache) InvalidateSource(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.Source == source {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Entries returns a snapshot of all live entries, newest first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CachedAt.After(out[j].CachedAt)
	})
	return out
}

// Stats returns occupancy and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
