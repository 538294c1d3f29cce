// Package chunker partitions signal lists into fixed-size chunks and drives
// the tick cache one chunk at a time. Loading every day a long signal export
// touches would need several gigabytes; chunking bounds resident memory to
// roughly one chunk's worth of days.
package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"gridback/internal/domain"
	"gridback/internal/tickcache"
	"gridback/internal/util"
)

// Defaults mirror what long signal exports need in practice: 50 signals per
// chunk keeps the working set under ~200MB of ticks.
const (
	DefaultChunkSize       = 50
	DefaultMaxMemoryMB     = 150
	DefaultProgressEvery   = 500 * time.Millisecond
	DefaultMaxSignalWindow = 24 * time.Hour
)

// ChunkFunc processes one chunk of signals against the ticks loaded for it.
type ChunkFunc func(chunk []domain.TradingSignal, ticksByDay map[string][]domain.Tick, chunkIndex int) error

// ProgressFunc receives throttled progress snapshots.
type ProgressFunc func(domain.ChunkProgress)

// Scheduler splits signals into chunks and loads each chunk's days on
// demand. Cancellation is cooperative: the context is checked at chunk
// boundaries only, so cancellation latency is bounded by chunk size.
type Scheduler struct {
	cache *tickcache.DayCache
	log   *slog.Logger

	ChunkSize       int
	MaxMemoryMB     float64
	ProgressEvery   time.Duration
	MaxSignalWindow time.Duration
}

// New creates a Scheduler over the given day cache with default tuning.
func New(cache *tickcache.DayCache, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cache:           cache,
		log:             log.With("component", "chunker"),
		ChunkSize:       DefaultChunkSize,
		MaxMemoryMB:     DefaultMaxMemoryMB,
		ProgressEvery:   DefaultProgressEvery,
		MaxSignalWindow: DefaultMaxSignalWindow,
	}
}

// Split divides signals into ordered, non-overlapping chunks of at most
// chunkSize. Concatenating the chunks in order reproduces the input exactly.
func Split(signals []domain.TradingSignal, chunkSize int) [][]domain.TradingSignal {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks [][]domain.TradingSignal
	for start := 0; start < len(signals); start += chunkSize {
		end := start + chunkSize
		if end > len(signals) {
			end = len(signals)
		}
		chunks = append(chunks, signals[start:end])
	}
	return chunks
}

// SignalWindow returns the [start, end] simulation window for a signal:
// entry through close, capped at maxWindow so signals without an explicit
// close never demand an unbounded day range.
func SignalWindow(sig domain.TradingSignal, maxWindow time.Duration) (time.Time, time.Time) {
	start := sig.Timestamp
	end := start.Add(maxWindow)
	if sig.HasClose() && sig.CloseTimestamp.Before(end) {
		end = sig.CloseTimestamp
	}
	return start, end
}

// DaysNeeded returns the distinct calendar-day keys the given signals touch,
// entry day through (capped) close day inclusive.
func DaysNeeded(signals []domain.TradingSignal, maxWindow time.Duration) []string {
	seen := make(map[string]struct{})
	var days []string
	for _, sig := range signals {
		start, end := SignalWindow(sig, maxWindow)
		for _, day := range util.DaysBetween(start, end) {
			if _, ok := seen[day]; ok {
				continue
			}
			seen[day] = struct{}{}
			days = append(days, day)
		}
	}
	return days
}

// Process runs fn over every chunk of signals in order. Progress callbacks
// are throttled to at most one per ProgressEvery, except the final completed
// snapshot which is always delivered. Between chunks the scheduler hints the
// runtime to return freed tick memory to the OS and warns (non-fatally) when
// the cache estimate exceeds MaxMemoryMB.
func (s *Scheduler) Process(ctx context.Context, signals []domain.TradingSignal, fn ChunkFunc, onProgress ProgressFunc) error {
	chunks := Split(signals, s.ChunkSize)
	totalChunks := len(chunks)

	var lastProgress time.Time
	emit := func(p domain.ChunkProgress, force bool) {
		if onProgress == nil {
			return
		}
		if !force && time.Since(lastProgress) < s.ProgressEvery {
			return
		}
		p.MemoryMB = s.cache.Stats().EstimatedMB
		onProgress(p)
		lastProgress = time.Now()
	}

	for i, chunk := range chunks {
		// Cooperative cancellation point: only between chunks, never inside
		// the per-tick loop.
		if err := ctx.Err(); err != nil {
			return err
		}

		emit(domain.ChunkProgress{
			CurrentChunk:     i + 1,
			TotalChunks:      totalChunks,
			SignalsProcessed: i * s.ChunkSize,
			TotalSignals:     len(signals),
			Phase:            domain.PhaseLoading,
			Message:          fmt.Sprintf("loading ticks for chunk %d/%d", i+1, totalChunks),
		}, false)

		ticksByDay, err := s.cache.LoadDays(ctx, DaysNeeded(chunk, s.MaxSignalWindow))
		if err != nil {
			return fmt.Errorf("loading days for chunk %d: %w", i+1, err)
		}

		emit(domain.ChunkProgress{
			CurrentChunk:     i + 1,
			TotalChunks:      totalChunks,
			SignalsProcessed: i * s.ChunkSize,
			TotalSignals:     len(signals),
			Phase:            domain.PhaseProcessing,
			Message:          fmt.Sprintf("processing chunk %d/%d", i+1, totalChunks),
		}, false)

		if err := fn(chunk, ticksByDay, i); err != nil {
			return fmt.Errorf("processing chunk %d: %w", i+1, err)
		}

		// Best-effort reclamation hint between chunks.
		debug.FreeOSMemory()

		if stats := s.cache.Stats(); stats.EstimatedMB > s.MaxMemoryMB {
			s.log.Warn("tick cache above memory ceiling",
				"estimatedMB", stats.EstimatedMB,
				"ceilingMB", s.MaxMemoryMB,
				"days", stats.Days,
			)
		}
	}

	emit(domain.ChunkProgress{
		CurrentChunk:     totalChunks,
		TotalChunks:      totalChunks,
		SignalsProcessed: len(signals),
		TotalSignals:     len(signals),
		Phase:            domain.PhaseCompleted,
		Message:          "processing completed",
	}, true)

	return nil
}
