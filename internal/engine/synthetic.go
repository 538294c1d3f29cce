package engine

import (
	"hash/fnv"
	"math/rand"
	"time"

	"gridback/internal/domain"
)

// Synthetic walk tuning. Spread stays inside a realistic band for XAUUSD and
// the walk drifts gently toward an implied target so downstream charts stay
// continuous when real coverage is missing.
const (
	syntheticTickInterval = time.Second
	syntheticMaxTicks     = 3600
	syntheticSpreadMinPip = 15.0
	syntheticSpreadMaxPip = 22.0
	syntheticJumpProb     = 0.02
)

// SyntheticTicks generates a bounded random walk covering a signal's window
// when no real ticks do. The walk is seeded from the signal id so a rerun of
// the same signal reproduces the same ticks. Trades simulated on this data
// carry the synthetic provenance tag.
func SyntheticTicks(sig domain.TradingSignal, cfg domain.BacktestConfig) []domain.Tick {
	pipValue := cfg.EffectivePipValue()

	entry := sig.EntryPrice
	if entry <= 0 {
		return nil
	}

	end := sig.CloseTimestamp
	if !sig.HasClose() {
		end = sig.Timestamp.Add(30 * time.Minute)
	}
	n := int(end.Sub(sig.Timestamp)/syntheticTickInterval) + 1
	if n < 2 {
		n = 2
	}
	if n > syntheticMaxTicks {
		n = syntheticMaxTicks
	}

	// Drift toward the take-profit target in the signal's direction.
	target := entry + cfg.TakeProfitPips*pipValue
	if sig.Side == domain.SideSell {
		target = entry - cfg.TakeProfitPips*pipValue
	}
	drift := (target - entry) / float64(n)

	rng := rand.New(rand.NewSource(seedFor(sig.ID)))
	step := pipValue * 2

	ticks := make([]domain.Tick, 0, n)
	price := entry
	for i := 0; i < n; i++ {
		price += drift + (rng.Float64()-0.5)*step
		if rng.Float64() < syntheticJumpProb {
			price += (rng.Float64() - 0.5) * step * 10
		}

		spreadPips := syntheticSpreadMinPip + rng.Float64()*(syntheticSpreadMaxPip-syntheticSpreadMinPip)
		spread := spreadPips * pipValue
		ticks = append(ticks, domain.Tick{
			Timestamp: sig.Timestamp.Add(time.Duration(i) * syntheticTickInterval),
			Bid:       price,
			Ask:       price + spread,
			Spread:    spread,
		})
	}
	return ticks
}

// seedFor derives a stable seed from a signal id.
func seedFor(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}
