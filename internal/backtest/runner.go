// Package backtest wires signal loading, tick caching, chunked scheduling,
// and the simulation engine into complete runs.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"gridback/internal/chunker"
	"gridback/internal/config"
	"gridback/internal/domain"
	"gridback/internal/engine"
	"gridback/internal/resultcache"
	"gridback/internal/signal"
	"gridback/internal/tickcache"
)

// Runner executes backtests against a shared tick cache and result cache.
type Runner struct {
	cache      *tickcache.DayCache
	results    *resultcache.Cache
	signalsDir string
	defaults   config.BacktestDefaults
	log        *slog.Logger
}

// NewRunner creates a Runner. The day cache and result cache are shared
// across runs; tick I/O dominates run cost, so reuse is what makes repeated
// and swept runs tractable.
func NewRunner(cache *tickcache.DayCache, results *resultcache.Cache, signalsDir string, defaults config.BacktestDefaults, log *slog.Logger) *Runner {
	return &Runner{
		cache:      cache,
		results:    results,
		signalsDir: signalsDir,
		defaults:   defaults,
		log:        log.With("component", "backtest"),
	}
}

// Execute runs one backtest. Results are served from the result cache when a
// fresh entry exists for the same configuration and source; the second return
// value reports whether that happened. signalLimit > 0 truncates the signal
// list after parsing.
func (r *Runner) Execute(ctx context.Context, cfg domain.BacktestConfig, signalLimit int, onProgress chunker.ProgressFunc) (domain.BacktestResult, bool, error) {
	source := cfg.SignalsSource
	if cached, ok := r.results.Get(cfg, source); ok {
		r.log.Info("result served from cache", "source", source)
		return cached, true, nil
	}

	signals, err := r.loadSignals(source, signalLimit)
	if err != nil {
		return domain.BacktestResult{}, false, err
	}
	if len(signals) == 0 {
		return domain.BacktestResult{}, false, fmt.Errorf("no usable signals in %s", source)
	}

	began := time.Now()
	result, err := r.Simulate(ctx, cfg, signals, onProgress)
	if err != nil {
		return domain.BacktestResult{}, false, err
	}

	r.results.Put(cfg, source, result)
	r.log.Info("backtest completed",
		"source", source,
		"signals", len(signals),
		"trades", result.TotalTrades,
		"synthetic", result.SyntheticTrades,
		"elapsed", time.Since(began),
	)
	return result, false, nil
}

// Simulate runs the engine over already-loaded signals, bypassing the result
// cache. The optimizer uses this entry point directly.
func (r *Runner) Simulate(ctx context.Context, cfg domain.BacktestConfig, signals []domain.TradingSignal, onProgress chunker.ProgressFunc) (domain.BacktestResult, error) {
	sched := chunker.New(r.cache, r.log)
	if r.defaults.ChunkSize > 0 {
		sched.ChunkSize = r.defaults.ChunkSize
	}
	if r.defaults.MaxMemoryMB > 0 {
		sched.MaxMemoryMB = r.defaults.MaxMemoryMB
	}
	sched.MaxSignalWindow = r.defaults.MaxSignalDuration()

	eng := engine.New(cfg)
	agg := engine.NewAggregator(cfg.InitialCapital)
	tolerance := r.defaults.TickTolerance()

	err := sched.Process(ctx, signals, func(chunk []domain.TradingSignal, _ map[string][]domain.Tick, _ int) error {
		for _, sig := range chunk {
			trade, ok := r.simulateSignal(eng, cfg, sig, tolerance)
			if ok {
				agg.Add(trade)
			}
		}
		return nil
	}, onProgress)
	if err != nil {
		return domain.BacktestResult{}, err
	}

	return agg.Result(), nil
}

// simulateSignal picks the tick window for one signal, enriching a missing
// entry price from the nearest real tick and falling back to tagged synthetic
// ticks when real coverage is absent.
func (r *Runner) simulateSignal(eng *engine.Engine, cfg domain.BacktestConfig, sig domain.TradingSignal, tolerance time.Duration) (domain.Trade, bool) {
	source := domain.TickSourceReal

	var ticks []domain.Tick
	if cfg.UseRealPrices {
		start, end := chunker.SignalWindow(sig, r.defaults.MaxSignalDuration())
		ticks = r.cache.TicksBetween(start, end)

		if sig.EntryPrice <= 0 {
			if nearest, ok := r.cache.NearestTick(sig.Timestamp, tolerance); ok {
				sig.EntryPrice = entryPrice(nearest, sig.Side)
			}
		}
	}

	if len(ticks) == 0 {
		ticks = engine.SyntheticTicks(sig, cfg)
		source = domain.TickSourceSynthetic
		if len(ticks) == 0 {
			r.log.Warn("signal skipped, no entry price and no tick coverage", "signal", sig.ID)
			return domain.Trade{}, false
		}
	}

	return eng.Simulate(sig, ticks, source)
}

// entryPrice is the side the position opens at: ask for BUY, bid for SELL.
func entryPrice(t domain.Tick, side domain.Side) float64 {
	if side == domain.SideBuy {
		return t.Ask
	}
	return t.Bid
}

// loadSignals parses and optionally truncates the source file.
func (r *Runner) loadSignals(source string, limit int) ([]domain.TradingSignal, error) {
	signals, err := signal.LoadFile(filepath.Join(r.signalsDir, source))
	if err != nil {
		return nil, fmt.Errorf("loading signals: %w", err)
	}
	if limit > 0 && limit < len(signals) {
		signals = signals[:limit]
	}
	return signals, nil
}

// SignalsInfo summarizes a signal source file without running anything.
type SignalsInfo struct {
	Source       string    `json:"source"`
	Count        int       `json:"count"`
	Buys         int       `json:"buys"`
	Sells        int       `json:"sells"`
	First        time.Time `json:"first,omitzero"`
	Last         time.Time `json:"last,omitzero"`
	WithoutClose int       `json:"withoutClose"`
}

// Info loads a signal source and reports its shape.
func (r *Runner) Info(source string) (SignalsInfo, error) {
	signals, err := r.loadSignals(source, 0)
	if err != nil {
		return SignalsInfo{}, err
	}

	info := SignalsInfo{Source: source, Count: len(signals)}
	for _, s := range signals {
		if s.Side == domain.SideBuy {
			info.Buys++
		} else {
			info.Sells++
		}
		if !s.HasClose() {
			info.WithoutClose++
		}
	}
	if len(signals) > 0 {
		info.First = signals[0].Timestamp
		info.Last = signals[len(signals)-1].Timestamp
	}
	return info, nil
}
