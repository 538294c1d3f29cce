// Package engine implements the grid-averaging simulation: per-signal entry,
// averaging levels on adverse moves, and take-profit/stop-loss/trailing exits,
// all in fixed-point decimal arithmetic.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"gridback/internal/domain"
	"gridback/internal/fin"
)

// Engine runs one signal at a time through the grid state machine. It is not
// safe for concurrent use; each run owns its own instance.
type Engine struct {
	cfg      domain.BacktestConfig
	pipValue decimal.Decimal
	pipsDist decimal.Decimal
	tpPips   decimal.Decimal
	slPips   decimal.Decimal

	sig    domain.TradingSignal
	source domain.TickSource
	open   bool

	levels    []domain.Level
	avgEntry  decimal.Decimal
	totalLots decimal.Decimal
	lastFill  decimal.Decimal
	averaged  int

	trailActive bool
	peakPips    decimal.Decimal

	openedAt time.Time
}

// New creates an Engine for the given run configuration.
func New(cfg domain.BacktestConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		pipValue: fin.D(cfg.EffectivePipValue()),
		pipsDist: fin.D(cfg.PipsDistance),
		tpPips:   fin.D(cfg.TakeProfitPips),
		slPips:   fin.D(cfg.StopLossPips),
	}
}

// StartSignal resets all per-signal state. Must be called before
// OpenInitialOrders for each new signal.
func (e *Engine) StartSignal(sig domain.TradingSignal, source domain.TickSource) {
	e.sig = sig
	e.source = source
	e.open = false
	e.levels = nil
	e.avgEntry = decimal.Zero
	e.totalLots = decimal.Zero
	e.lastFill = decimal.Zero
	e.averaged = 0
	e.trailActive = false
	e.peakPips = decimal.Zero
	e.openedAt = time.Time{}
}

// Open reports whether the current signal has open positions.
func (e *Engine) Open() bool { return e.open }

// OpenInitialOrders fills the initial grid at the given price.
func (e *Engine) OpenInitialOrders(price float64, ts time.Time) {
	n := e.cfg.NumOrders
	if n <= 0 {
		n = 1
	}
	if e.cfg.Restriction == domain.RestrictionRiskOnly {
		n = 1
	}

	for i := 0; i < n; i++ {
		e.levels = append(e.levels, domain.Level{
			Level:      len(e.levels),
			EntryPrice: price,
			LotSize:    e.cfg.LotSize,
			OpenedAt:   ts,
		})
	}
	e.lastFill = fin.D(price)
	e.openedAt = ts
	e.open = true
	e.recalcAverage()
}

// maxAveraging returns how many averaging fills the restriction allows on top
// of the initial orders.
func (e *Engine) maxAveraging() int {
	switch e.cfg.Restriction {
	case domain.RestrictionRiskOnly, domain.RestrictionNoAveraging:
		return 0
	case domain.RestrictionSingleAveraging:
		if e.cfg.MaxLevels < 1 {
			return e.cfg.MaxLevels
		}
		return 1
	default:
		return e.cfg.MaxLevels
	}
}

// ProcessTick advances the state machine by one tick. When an exit condition
// fires it returns the closed trade and true; otherwise the zero trade and
// false.
func (e *Engine) ProcessTick(t domain.Tick) (domain.Trade, bool) {
	if !e.open {
		return domain.Trade{}, false
	}

	price := e.executionPrice(t)
	e.maybeAverage(price, t.Timestamp)

	floating := fin.Pips(e.avgEntry, price, e.sig.Side, e.pipValue)

	// Take profit.
	if floating.GreaterThanOrEqual(e.tpPips) {
		return e.closeAll(price, domain.ExitTakeProfit, t.Timestamp), true
	}

	// Stop loss.
	if e.cfg.UseStopLoss && e.cfg.StopLossPips > 0 && floating.LessThanOrEqual(e.slPips.Neg()) {
		return e.closeAll(price, domain.ExitStopLoss, t.Timestamp), true
	}

	// Trailing stop: arms once floating profit crosses the activation
	// threshold, then follows the peak and closes on retracement to the line.
	if e.cfg.UseTrailingSL && e.cfg.TrailingSLPercent > 0 {
		pct := fin.D(e.cfg.TrailingSLPercent).Div(fin.D(100))
		activation := e.tpPips.Mul(pct)
		if !e.trailActive && floating.GreaterThanOrEqual(activation) {
			e.trailActive = true
			e.peakPips = floating
		}
		if e.trailActive {
			if floating.GreaterThan(e.peakPips) {
				e.peakPips = floating
			}
			giveback := e.tpPips.Mul(decimal.NewFromInt(1).Sub(pct))
			line := e.peakPips.Sub(giveback)
			if floating.LessThanOrEqual(line) {
				return e.closeAll(price, domain.ExitTrailingSL, t.Timestamp), true
			}
		}
	}

	return domain.Trade{}, false
}

// ForceClose closes all open levels at the given price regardless of grid
// state, for paired close signals and end-of-window flattening.
func (e *Engine) ForceClose(price float64, ts time.Time) (domain.Trade, bool) {
	if !e.open {
		return domain.Trade{}, false
	}
	return e.closeAll(fin.D(price), domain.ExitCloseSignal, ts), true
}

// executionPrice returns the price an exit would fill at: bid for closing a
// BUY, ask for closing a SELL.
func (e *Engine) executionPrice(t domain.Tick) decimal.Decimal {
	if e.sig.Side == domain.SideBuy {
		return fin.D(t.Bid)
	}
	return fin.D(t.Ask)
}

// maybeAverage opens one more level each time price has moved adversely by
// PipsDistance pips from the last fill.
func (e *Engine) maybeAverage(price decimal.Decimal, ts time.Time) {
	if e.averaged >= e.maxAveraging() || e.cfg.PipsDistance <= 0 {
		return
	}

	step := e.pipsDist.Mul(e.pipValue)
	var adverse bool
	if e.sig.Side == domain.SideBuy {
		adverse = price.LessThanOrEqual(e.lastFill.Sub(step))
	} else {
		adverse = price.GreaterThanOrEqual(e.lastFill.Add(step))
	}
	if !adverse {
		return
	}

	fillPrice, _ := price.Float64()
	e.levels = append(e.levels, domain.Level{
		Level:      len(e.levels),
		EntryPrice: fillPrice,
		LotSize:    e.cfg.LotSize,
		OpenedAt:   ts,
	})
	e.lastFill = price
	e.averaged++
	e.recalcAverage()
}

func (e *Engine) recalcAverage() {
	avg, ok := fin.AveragePrice(e.levels)
	if !ok {
		e.avgEntry = decimal.Zero
		e.totalLots = decimal.Zero
		return
	}
	e.avgEntry = avg
	total := decimal.Zero
	for _, lv := range e.levels {
		total = total.Add(fin.D(lv.LotSize))
	}
	e.totalLots = total
}

func (e *Engine) closeAll(price decimal.Decimal, reason domain.ExitReason, ts time.Time) domain.Trade {
	pips := fin.Pips(e.avgEntry, price, e.sig.Side, e.pipValue)
	profit := fin.Profit(pips, e.totalLots, e.pipValue)
	exitPrice, _ := price.Float64()

	trade := domain.Trade{
		SignalID:   e.sig.ID,
		Side:       e.sig.Side,
		Levels:     e.levels,
		ExitPrice:  exitPrice,
		ExitReason: reason,
		Profit:     profit,
		ProfitPips: pips,
		DurationMs: ts.Sub(e.openedAt).Milliseconds(),
		Source:     e.source,
		OpenedAt:   e.openedAt,
		ClosedAt:   ts,
	}

	e.open = false
	e.levels = nil
	return trade
}

// Simulate runs one signal against its ordered tick window and returns the
// resulting trade. Entry fills at the signal's entry price when set, otherwise
// at the first tick. Remaining positions are flattened at the close timestamp
// or at the last tick of the window.
func (e *Engine) Simulate(sig domain.TradingSignal, ticks []domain.Tick, source domain.TickSource) (domain.Trade, bool) {
	if len(ticks) == 0 {
		return domain.Trade{}, false
	}

	e.StartSignal(sig, source)

	entry := sig.EntryPrice
	if entry <= 0 {
		entry = ticks[0].Mid()
	}
	e.OpenInitialOrders(entry, sig.Timestamp)

	for _, t := range ticks {
		if t.Timestamp.Before(sig.Timestamp) {
			continue
		}
		if sig.HasClose() && !t.Timestamp.Before(sig.CloseTimestamp) {
			price := sig.ClosePrice
			if price <= 0 {
				p, _ := e.executionPrice(t).Float64()
				price = p
			}
			return e.ForceClose(price, sig.CloseTimestamp)
		}
		if trade, closed := e.ProcessTick(t); closed {
			return trade, true
		}
	}

	last := ticks[len(ticks)-1]
	price, _ := e.executionPrice(last).Float64()
	return e.ForceClose(price, last.Timestamp)
}
