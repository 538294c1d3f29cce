// Package optimizer sweeps a grid of backtest configurations to find the
// best-performing parameters for a signal source.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gridback/internal/backtest"
	"gridback/internal/domain"
)

// Default sweep ranges when a dimension is left empty.
var (
	defaultPipsDistance = []float64{5, 10, 15, 20}
	defaultMaxLevels    = []int{1, 2, 3, 4, 5, 6}
	defaultTakeProfit   = []float64{10, 15, 20, 25, 30}
	defaultTrailingSL   = []float64{30, 40, 50, 60, 70}
)

// Params defines the sweep: one slice per swept dimension plus the fixed
// parameters shared by every variant.
type Params struct {
	PipsDistanceRange []float64 `json:"pipsDistanceRange,omitempty" yaml:"pips_distance_range"`
	MaxLevelsRange    []int     `json:"maxLevelsRange,omitempty" yaml:"max_levels_range"`
	TakeProfitRange   []float64 `json:"takeProfitRange,omitempty" yaml:"take_profit_range"`
	TrailingSLRange   []float64 `json:"trailingSLRange,omitempty" yaml:"trailing_sl_range"`

	LotSize        float64            `json:"lotSize,omitempty" yaml:"lot_size"`
	NumOrders      int                `json:"numOrders,omitempty" yaml:"num_orders"`
	UseStopLoss    bool               `json:"useStopLoss,omitempty" yaml:"use_stop_loss"`
	StopLossPips   float64            `json:"stopLossPips,omitempty" yaml:"stop_loss_pips"`
	UseTrailingSL  bool               `json:"useTrailingSL,omitempty" yaml:"use_trailing_sl"`
	Restriction    domain.Restriction `json:"restriction,omitempty" yaml:"restriction"`
	InitialCapital float64            `json:"initialCapital,omitempty" yaml:"initial_capital"`
	PipValue       float64            `json:"pipValue,omitempty" yaml:"pip_value"`
	Symbol         string             `json:"symbol,omitempty" yaml:"symbol"`
}

// Metric selects the ranking objective.
type Metric string

const (
	MetricTotalProfit  Metric = "totalProfit"
	MetricWinRate      Metric = "winRate"
	MetricProfitFactor Metric = "profitFactor"
	MetricSharpeRatio  Metric = "sharpeRatio"
	MetricCalmarRatio  Metric = "calmarRatio"
	MetricExpectancy   Metric = "expectancy"
	// MetricMinDrawdown maximizes profit per unit of drawdown.
	MetricMinDrawdown Metric = "minDrawdown"
)

// Options controls one sweep.
type Options struct {
	SignalsSource string `json:"signalsSource" yaml:"signals_source"`
	SignalLimit   int    `json:"signalLimit,omitempty" yaml:"signal_limit"`
	Metric        Metric `json:"metric,omitempty" yaml:"metric"`
	UseRealPrices bool   `json:"useRealPrices" yaml:"use_real_prices"`
	// MaxDrawdownPercent disqualifies variants whose drawdown exceeds it.
	MaxDrawdownPercent float64 `json:"maxDrawdownPercent,omitempty" yaml:"max_drawdown_percent"`
}

// Result is one ranked variant.
type Result struct {
	Config domain.BacktestConfig `json:"config"`
	Result domain.BacktestResult `json:"result"`
	Score  float64               `json:"score"`
	Rank   int                   `json:"rank"`
}

// Progress reports sweep advancement after each variant.
type Progress struct {
	Current    int                   `json:"current"`
	Total      int                   `json:"total"`
	Config     domain.BacktestConfig `json:"currentConfig"`
	BestSoFar  *Result               `json:"bestSoFar,omitempty"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// ProgressFunc receives a Progress snapshot per completed variant.
type ProgressFunc func(Progress)

// Optimizer drives the runner over a configuration grid. All variants share
// the runner's day cache: tick I/O dominates sweep cost, so cache reuse is
// what makes a sweep of hundreds of variants tractable.
type Optimizer struct {
	runner *backtest.Runner
	log    *slog.Logger
}

// New creates an Optimizer over a shared runner.
func New(runner *backtest.Runner, log *slog.Logger) *Optimizer {
	return &Optimizer{runner: runner, log: log.With("component", "optimizer")}
}

// Combinations expands the sweep parameters into the full cartesian grid.
func Combinations(p Params) []domain.BacktestConfig {
	pipsDistances := p.PipsDistanceRange
	if len(pipsDistances) == 0 {
		pipsDistances = defaultPipsDistance
	}
	maxLevels := p.MaxLevelsRange
	if len(maxLevels) == 0 {
		maxLevels = defaultMaxLevels
	}
	takeProfits := p.TakeProfitRange
	if len(takeProfits) == 0 {
		takeProfits = defaultTakeProfit
	}
	trailing := p.TrailingSLRange
	if len(trailing) == 0 {
		trailing = defaultTrailingSL
	}
	if !p.UseTrailingSL {
		// One pass per grid point; the trailing percent is inert when the
		// trailing stop is disabled.
		trailing = trailing[:1]
	}

	lotSize := p.LotSize
	if lotSize <= 0 {
		lotSize = 0.1
	}
	numOrders := p.NumOrders
	if numOrders <= 0 {
		numOrders = 1
	}
	capital := p.InitialCapital
	if capital <= 0 {
		capital = 10000
	}

	var out []domain.BacktestConfig
	for _, pd := range pipsDistances {
		for _, ml := range maxLevels {
			for _, tp := range takeProfits {
				for _, tr := range trailing {
					out = append(out, domain.BacktestConfig{
						StrategyName:      fmt.Sprintf("Optimized_%gp_%dL_%gTP", pd, ml, tp),
						Symbol:            p.Symbol,
						LotSize:           lotSize,
						NumOrders:         numOrders,
						PipsDistance:      pd,
						MaxLevels:         ml,
						TakeProfitPips:    tp,
						StopLossPips:      p.StopLossPips,
						UseStopLoss:       p.UseStopLoss,
						UseTrailingSL:     p.UseTrailingSL,
						TrailingSLPercent: tr,
						Restriction:       p.Restriction,
						InitialCapital:    capital,
						PipValue:          p.PipValue,
					})
				}
			}
		}
	}
	return out
}

// Score reduces a result to the chosen objective. Variants whose drawdown
// exceeds maxDrawdownPercent score -Inf and never rank first.
func Score(res domain.BacktestResult, metric Metric, maxDrawdownPercent float64) float64 {
	if maxDrawdownPercent > 0 && res.MaxDrawdownPercent > maxDrawdownPercent {
		return math.Inf(-1)
	}

	totalProfit, _ := res.TotalProfit.Float64()
	switch metric {
	case MetricTotalProfit:
		return totalProfit
	case MetricWinRate:
		return res.WinRate
	case MetricProfitFactor:
		return res.ProfitFactor
	case MetricSharpeRatio:
		return res.SharpeRatio
	case MetricCalmarRatio:
		return res.CalmarRatio
	case MetricExpectancy:
		e, _ := res.Expectancy.Float64()
		return e
	case MetricMinDrawdown:
		return totalProfit / (res.MaxDrawdownPercent + 1)
	default:
		pf := res.ProfitFactor
		if math.IsInf(pf, 1) {
			pf = 100
		}
		return totalProfit * res.WinRate * pf / (res.MaxDrawdownPercent + 1)
	}
}

// Run executes the full sweep and returns variants ranked best first. A
// variant that fails is logged and skipped; cancellation aborts the sweep.
func (o *Optimizer) Run(ctx context.Context, params Params, opts Options, onProgress ProgressFunc) ([]Result, error) {
	combinations := Combinations(params)
	began := time.Now()
	o.log.Info("optimization started",
		"variants", len(combinations),
		"source", opts.SignalsSource,
		"metric", opts.Metric,
	)

	var results []Result
	var best *Result

	for i, cfg := range combinations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg.SignalsSource = opts.SignalsSource
		cfg.UseRealPrices = opts.UseRealPrices

		res, _, err := o.runner.Execute(ctx, cfg, opts.SignalLimit, nil)
		if err != nil {
			o.log.Warn("variant failed", "strategy", cfg.StrategyName, "error", err)
			continue
		}

		r := Result{
			Config: cfg,
			Result: res,
			Score:  Score(res, opts.Metric, opts.MaxDrawdownPercent),
		}
		results = append(results, r)
		if best == nil || r.Score > best.Score {
			copied := r
			best = &copied
		}

		if onProgress != nil {
			onProgress(Progress{
				Current:   i + 1,
				Total:     len(combinations),
				Config:    cfg,
				BestSoFar: best,
				Elapsed:   time.Since(began),
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	for i := range results {
		results[i].Rank = i + 1
	}

	o.log.Info("optimization finished",
		"ranked", len(results),
		"elapsed", time.Since(began),
	)
	return results, nil
}

// QuickPresets returns three curated sweeps keyed by name, from conservative
// to aggressive.
func QuickPresets() map[string]Params {
	return map[string]Params{
		"conservative": {
			PipsDistanceRange: []float64{15, 20},
			MaxLevelsRange:    []int{1, 2},
			TakeProfitRange:   []float64{15, 20},
			TrailingSLRange:   []float64{40, 50},
			UseTrailingSL:     true,
		},
		"balanced": {
			PipsDistanceRange: []float64{10, 15},
			MaxLevelsRange:    []int{2, 3, 4},
			TakeProfitRange:   []float64{15, 20, 25},
			TrailingSLRange:   []float64{40, 50, 60},
			UseTrailingSL:     true,
		},
		"aggressive": {
			PipsDistanceRange: []float64{5, 10},
			MaxLevelsRange:    []int{3, 4, 5, 6},
			TakeProfitRange:   []float64{20, 25, 30},
			TrailingSLRange:   []float64{50, 60, 70},
			UseTrailingSL:     true,
		},
	}
}
