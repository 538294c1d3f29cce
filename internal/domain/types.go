// Package domain defines the core types shared across the backtesting
// system: market ticks, trading signals, grid trades, and run results.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Tick is a single bid/ask quote at a point in time.
type Tick struct {
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Spread    float64   `json:"spread"`
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// DayKey is the UTC calendar-day partition key format used throughout the
// tick cache and stores.
const DayKey = "2006-01-02"

// Day returns the tick's UTC calendar-day key.
func (t Tick) Day() string {
	return t.Timestamp.UTC().Format(DayKey)
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradingSignal is one paired open/close trading intent replayed by the
// simulator. EntryPrice may be zero when the source carried no price hint;
// it is then enriched from real tick data before simulation.
type TradingSignal struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Side           Side      `json:"side"`
	EntryPrice     float64   `json:"entryPrice"`
	CloseTimestamp time.Time `json:"closeTimestamp,omitzero"` // zero when unmatched
	ClosePrice     float64   `json:"closePrice,omitempty"`
	RangeID        string    `json:"rangeId"`
	MessageID      int64     `json:"messageId"`
	Confidence     float64   `json:"confidence"`
}

// HasClose reports whether the signal carries a paired close event.
func (s TradingSignal) HasClose() bool {
	return !s.CloseTimestamp.IsZero()
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Restriction limits how the averaging grid may grow for a run.
type Restriction string

const (
	// RestrictionRiskOnly opens a single order and never averages.
	RestrictionRiskOnly Restriction = "RISK_ONLY"
	// RestrictionNoAveraging keeps the initial orders but adds no levels.
	RestrictionNoAveraging Restriction = "NO_AVERAGING"
	// RestrictionSingleAveraging allows at most one averaging level.
	RestrictionSingleAveraging Restriction = "SINGLE_AVERAGING"
)

// BacktestConfig fully determines the behaviour of one simulation run. It is
// immutable once a run starts and is the input to the result-cache key.
type BacktestConfig struct {
	StrategyName      string      `json:"strategyName" yaml:"strategy_name"`
	Symbol            string      `json:"symbol" yaml:"symbol"`
	LotSize           float64     `json:"lotSize" yaml:"lot_size"`
	NumOrders         int         `json:"numOrders" yaml:"num_orders"`
	PipsDistance      float64     `json:"pipsDistance" yaml:"pips_distance"`
	MaxLevels         int         `json:"maxLevels" yaml:"max_levels"`
	TakeProfitPips    float64     `json:"takeProfitPips" yaml:"take_profit_pips"`
	StopLossPips      float64     `json:"stopLossPips,omitempty" yaml:"stop_loss_pips"`
	UseStopLoss       bool        `json:"useStopLoss" yaml:"use_stop_loss"`
	UseTrailingSL     bool        `json:"useTrailingSL,omitempty" yaml:"use_trailing_sl"`
	TrailingSLPercent float64     `json:"trailingSLPercent,omitempty" yaml:"trailing_sl_percent"`
	Restriction       Restriction `json:"restriction,omitempty" yaml:"restriction"`
	SignalsSource     string      `json:"signalsSource" yaml:"signals_source"`
	InitialCapital    float64     `json:"initialCapital,omitempty" yaml:"initial_capital"`
	UseRealPrices     bool        `json:"useRealPrices" yaml:"use_real_prices"`
	// PipValue is the price increment of one pip (0.10 for XAUUSD).
	PipValue float64 `json:"pipValue,omitempty" yaml:"pip_value"`
}

// EffectivePipValue returns the configured pip value or the XAUUSD default.
func (c BacktestConfig) EffectivePipValue() float64 {
	if c.PipValue > 0 {
		return c.PipValue
	}
	return 0.10
}

// ---------------------------------------------------------------------------
// Trades and results
// ---------------------------------------------------------------------------

// ExitReason states why a trade group was closed.
type ExitReason string

const (
	ExitTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitTrailingSL  ExitReason = "TRAILING_SL"
	ExitCloseSignal ExitReason = "CLOSE_SIGNAL"
)

// TickSource records whether a trade was simulated against real recorded
// ticks or a synthetic fallback walk. Consumers that need strict
// real-data-only statistics filter on this tag.
type TickSource string

const (
	TickSourceReal      TickSource = "real"
	TickSourceSynthetic TickSource = "synthetic"
)

// Level is one grid fill. Levels are appended as price moves adversely and
// are only removed when the whole trade closes.
type Level struct {
	Level      int       `json:"level"`
	EntryPrice float64   `json:"entryPrice"`
	LotSize    float64   `json:"lotSize"`
	OpenedAt   time.Time `json:"openedAt"`
}

// Trade is one closed position group produced for a signal: the initial
// orders plus any averaging levels, closed together at ExitPrice.
type Trade struct {
	SignalID   string          `json:"signalId"`
	Side       Side            `json:"side"`
	Levels     []Level         `json:"levels"`
	ExitPrice  float64         `json:"exitPrice"`
	ExitReason ExitReason      `json:"exitReason"`
	Profit     decimal.Decimal `json:"profit"`
	ProfitPips decimal.Decimal `json:"profitPips"`
	DurationMs int64           `json:"durationMs"`
	Source     TickSource      `json:"source"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   time.Time       `json:"closedAt"`
}

// EquityPoint is one sample of the running equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// BacktestResult is the terminal aggregate of a run.
type BacktestResult struct {
	Trades      []Trade `json:"trades"`
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`

	TotalProfit     decimal.Decimal `json:"totalProfit"`
	TotalProfitPips decimal.Decimal `json:"totalProfitPips"`
	GrossProfit     decimal.Decimal `json:"grossProfit"`
	GrossLoss       decimal.Decimal `json:"grossLoss"`

	WinRate float64 `json:"winRate"`
	// ProfitFactor is +Inf when there are profits but no losses and 0 when
	// there is no profit at all.
	ProfitFactor       float64         `json:"-"`
	MaxDrawdown        decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownPercent float64         `json:"maxDrawdownPercent"`
	SharpeRatio        float64         `json:"sharpeRatio"`
	CalmarRatio        float64         `json:"calmarRatio"`
	Expectancy         decimal.Decimal `json:"expectancy"`

	InitialCapital decimal.Decimal `json:"initialCapital"`
	FinalCapital   decimal.Decimal `json:"finalCapital"`
	Equity         []EquityPoint   `json:"equity,omitempty"`

	// SyntheticTrades counts trades simulated on synthetic ticks; when it is
	// non-zero the headline figures mix real and synthetic data.
	SyntheticTrades int `json:"syntheticTrades"`
}

// ---------------------------------------------------------------------------
// Progress and jobs
// ---------------------------------------------------------------------------

// Phase describes what a chunked run is currently doing.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
)

// ChunkProgress is a throttled progress snapshot emitted between chunks.
type ChunkProgress struct {
	CurrentChunk     int     `json:"currentChunk"`
	TotalChunks      int     `json:"totalChunks"`
	SignalsProcessed int     `json:"signalsProcessed"`
	TotalSignals     int     `json:"totalSignals"`
	Phase            Phase   `json:"phase"`
	Message          string  `json:"message"`
	MemoryMB         float64 `json:"memoryMB"`
}

// JobStatus is the lifecycle state of an asynchronous backtest job.
// COMPLETED, FAILED, and CANCELLED are terminal; a job never leaves them.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one asynchronous backtest execution.
type Job struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Config        BacktestConfig  `json:"config"`
	SignalLimit   int             `json:"signalLimit,omitempty"`
	Progress      float64         `json:"progress"`
	CurrentSignal int             `json:"currentSignal"`
	TotalSignals  int             `json:"totalSignals"`
	Result        *BacktestResult `json:"results,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     time.Time       `json:"startedAt,omitzero"`
	FinishedAt    time.Time       `json:"finishedAt,omitzero"`
}
