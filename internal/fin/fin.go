// Package fin provides fixed-point decimal arithmetic for price, pip, and
// money calculations. Backtests sum thousands of small deltas; binary float
// error compounds into visible P&L drift over long runs, so every financial
// figure goes through shopspring/decimal instead.
package fin

import (
	"github.com/shopspring/decimal"

	"gridback/internal/domain"
)

func init() {
	// 20 significant digits of division precision covers every instrument we
	// replay; shopspring rounds half away from zero on truncation.
	decimal.DivisionPrecision = 20
}

// D converts a float price or size into a Decimal.
func D(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// Pips converts a price move between entry and exit into signed pips for the
// given side: positive when the move is favourable.
func Pips(entry, exit decimal.Decimal, side domain.Side, pipValue decimal.Decimal) decimal.Decimal {
	if side == domain.SideBuy {
		return exit.Sub(entry).Div(pipValue)
	}
	return entry.Sub(exit).Div(pipValue)
}

// Profit converts a pip result into money for the given lot size.
// profit = pips * lots / pipValue.
func Profit(pips, lots, pipValue decimal.Decimal) decimal.Decimal {
	return pips.Mul(lots).Div(pipValue)
}

// AveragePrice returns the lot-weighted average entry price across levels.
// The second return value is false when there are no levels or zero lots.
func AveragePrice(levels []domain.Level) (decimal.Decimal, bool) {
	totalLots := decimal.Zero
	weighted := decimal.Zero
	for _, lv := range levels {
		lots := D(lv.LotSize)
		totalLots = totalLots.Add(lots)
		weighted = weighted.Add(D(lv.EntryPrice).Mul(lots))
	}
	if totalLots.IsZero() {
		return decimal.Zero, false
	}
	return weighted.Div(totalLots), true
}
