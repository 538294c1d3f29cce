package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"gridback/internal/domain"
	"gridback/internal/fin"
)

// Aggregator accumulates closed trades into a running equity curve and the
// terminal result figures.
type Aggregator struct {
	initialCapital decimal.Decimal
	equity         decimal.Decimal
	peak           decimal.Decimal
	maxDrawdown    decimal.Decimal

	trades       []domain.Trade
	equitySeries []domain.EquityPoint
	synthetic    int
}

// NewAggregator creates an Aggregator starting from the given capital.
func NewAggregator(initialCapital float64) *Aggregator {
	start := fin.D(initialCapital)
	return &Aggregator{
		initialCapital: start,
		equity:         start,
		peak:           start,
	}
}

// Add records one closed trade and advances the equity curve.
func (a *Aggregator) Add(trade domain.Trade) {
	a.trades = append(a.trades, trade)
	a.equity = a.equity.Add(trade.Profit)
	a.equitySeries = append(a.equitySeries, domain.EquityPoint{
		Timestamp: trade.ClosedAt,
		Equity:    a.equity,
	})

	if a.equity.GreaterThan(a.peak) {
		a.peak = a.equity
	}
	if dd := a.peak.Sub(a.equity); dd.GreaterThan(a.maxDrawdown) {
		a.maxDrawdown = dd
	}

	if trade.Source == domain.TickSourceSynthetic {
		a.synthetic++
	}
}

// TradeCount returns the number of trades recorded so far.
func (a *Aggregator) TradeCount() int { return len(a.trades) }

// Result computes the terminal aggregate over all recorded trades.
func (a *Aggregator) Result() domain.BacktestResult {
	res := domain.BacktestResult{
		Trades:          a.trades,
		TotalTrades:     len(a.trades),
		InitialCapital:  a.initialCapital,
		FinalCapital:    a.equity,
		Equity:          a.equitySeries,
		MaxDrawdown:     a.maxDrawdown,
		SyntheticTrades: a.synthetic,
	}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range a.trades {
		res.TotalProfit = res.TotalProfit.Add(t.Profit)
		res.TotalProfitPips = res.TotalProfitPips.Add(t.ProfitPips)
		if t.Profit.IsPositive() {
			res.Wins++
			grossProfit = grossProfit.Add(t.Profit)
		} else {
			res.Losses++
			grossLoss = grossLoss.Add(t.Profit)
		}
	}
	res.GrossProfit = grossProfit
	res.GrossLoss = grossLoss

	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.TotalTrades)
		res.Expectancy = res.TotalProfit.Div(decimal.NewFromInt(int64(res.TotalTrades)))
	}

	res.ProfitFactor = profitFactor(grossProfit, grossLoss)
	res.SharpeRatio = sharpeRatio(a.trades)

	if !a.initialCapital.IsZero() {
		ddPct, _ := a.maxDrawdown.Div(a.initialCapital).Float64()
		res.MaxDrawdownPercent = ddPct * 100
	}
	if a.maxDrawdown.IsPositive() {
		calmar, _ := res.TotalProfit.Div(a.maxDrawdown).Float64()
		res.CalmarRatio = calmar
	}

	return res
}

// profitFactor is grossProfit / |grossLoss|: +Inf when there are profits but
// no losses, 0 when there is no profit at all.
func profitFactor(grossProfit, grossLoss decimal.Decimal) float64 {
	if !grossProfit.IsPositive() {
		return 0
	}
	if grossLoss.IsZero() {
		return math.Inf(1)
	}
	pf, _ := grossProfit.Div(grossLoss.Abs()).Float64()
	return pf
}

// sharpeRatio over per-trade returns, scaled by sqrt(n).
func sharpeRatio(trades []domain.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}

	returns := make([]float64, len(trades))
	var sum float64
	for i, t := range trades {
		r, _ := t.Profit.Float64()
		returns[i] = r
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}

	return mean / math.Sqrt(variance) * math.Sqrt(float64(len(returns)))
}
