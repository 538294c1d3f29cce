package engine

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridback/internal/domain"
	"gridback/internal/fin"
)

var testStart = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func baseConfig() domain.BacktestConfig {
	return domain.BacktestConfig{
		StrategyName:   "grid",
		Symbol:         "XAUUSD",
		LotSize:        0.1,
		NumOrders:      1,
		PipsDistance:   10,
		MaxLevels:      4,
		TakeProfitPips: 20,
		PipValue:       0.1,
	}
}

func tickAt(offset time.Duration, bid float64) domain.Tick {
	return domain.Tick{Timestamp: testStart.Add(offset), Bid: bid, Ask: bid + 0.2, Spread: 0.2}
}

func buySignal(entry float64) domain.TradingSignal {
	return domain.TradingSignal{
		ID:         "sig-1",
		Timestamp:  testStart,
		Side:       domain.SideBuy,
		EntryPrice: entry,
	}
}

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

func TestBuyTakeProfitOnRisingTicks(t *testing.T) {
	// One BUY at 1900.0 with ticks rising monotonically to 1920.0: no adverse
	// move, so no averaging; exit at take profit with ~20 pips and ~20 money.
	e := New(baseConfig())

	ticks := make([]domain.Tick, 0, 60)
	for i := 0; i < 60; i++ {
		price := 1900.0 + float64(i)*(20.0/59.0)
		ticks = append(ticks, tickAt(time.Duration(i)*time.Minute, price))
	}

	trade, closed := e.Simulate(buySignal(1900.0), ticks, domain.TickSourceReal)
	if !closed {
		t.Fatal("simulation did not close the trade")
	}
	if trade.ExitReason != domain.ExitTakeProfit {
		t.Fatalf("exit reason = %s, want TAKE_PROFIT", trade.ExitReason)
	}
	if len(trade.Levels) != 1 {
		t.Errorf("levels = %d, want 1 (no averaging on favourable move)", len(trade.Levels))
	}

	pips, _ := trade.ProfitPips.Float64()
	if pips < 20 || pips > 21 {
		t.Errorf("profit pips = %v, want ~20", pips)
	}
	profit, _ := trade.Profit.Float64()
	if profit < 20 || profit > 21 {
		t.Errorf("profit = %v, want ~20", profit)
	}
	if trade.Source != domain.TickSourceReal {
		t.Errorf("source = %s, want real", trade.Source)
	}
}

func TestForcedCloseProfitIsExact(t *testing.T) {
	// Without averaging, profit pips must equal (exit-entry)/pipValue exactly.
	sig := buySignal(1900.0)
	sig.CloseTimestamp = testStart.Add(10 * time.Minute)
	sig.ClosePrice = 1903.5

	e := New(baseConfig())
	ticks := []domain.Tick{
		tickAt(time.Minute, 1900.5),
		tickAt(11*time.Minute, 1903.5),
	}
	trade, closed := e.Simulate(sig, ticks, domain.TickSourceReal)
	if !closed {
		t.Fatal("simulation did not close the trade")
	}
	if trade.ExitReason != domain.ExitCloseSignal {
		t.Fatalf("exit reason = %s, want CLOSE_SIGNAL", trade.ExitReason)
	}
	if want := decimal.RequireFromString("35"); !trade.ProfitPips.Equal(want) {
		t.Errorf("profit pips = %s, want exactly 35", trade.ProfitPips)
	}
	if trade.DurationMs != (10 * time.Minute).Milliseconds() {
		t.Errorf("duration = %d ms, want 600000 (entry to close signal)", trade.DurationMs)
	}
}

func TestSellProfitSignMirrors(t *testing.T) {
	sig := domain.TradingSignal{
		ID:             "sell-1",
		Timestamp:      testStart,
		Side:           domain.SideSell,
		EntryPrice:     1910.0,
		CloseTimestamp: testStart.Add(10 * time.Minute),
		ClosePrice:     1906.0,
	}

	e := New(baseConfig())
	ticks := []domain.Tick{
		tickAt(time.Minute, 1909.0),
		tickAt(11*time.Minute, 1906.0),
	}
	trade, closed := e.Simulate(sig, ticks, domain.TickSourceReal)
	if !closed {
		t.Fatal("simulation did not close the trade")
	}
	// SELL from 1910 closed at 1906 is +40 pips.
	if want := decimal.RequireFromString("40"); !trade.ProfitPips.Equal(want) {
		t.Errorf("profit pips = %s, want exactly 40", trade.ProfitPips)
	}
}

func TestStopLoss(t *testing.T) {
	cfg := baseConfig()
	cfg.UseStopLoss = true
	cfg.StopLossPips = 30
	cfg.MaxLevels = 0 // isolate the stop from averaging

	e := New(cfg)
	e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
	e.OpenInitialOrders(1900.0, testStart)

	if _, closed := e.ProcessTick(tickAt(time.Minute, 1897.5)); closed {
		t.Fatal("closed at -25 pips, stop is 30")
	}
	trade, closed := e.ProcessTick(tickAt(2*time.Minute, 1896.9))
	if !closed {
		t.Fatal("stop loss did not fire at -31 pips")
	}
	if trade.ExitReason != domain.ExitStopLoss {
		t.Errorf("exit reason = %s, want STOP_LOSS", trade.ExitReason)
	}
	if !trade.Profit.IsNegative() {
		t.Errorf("stop-loss profit = %s, want negative", trade.Profit)
	}
}

func TestTrailingStopLocksGains(t *testing.T) {
	cfg := baseConfig()
	cfg.UseTrailingSL = true
	cfg.TrailingSLPercent = 50 // arms at 10 pips, gives back 10 from the peak

	e := New(cfg)
	e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
	e.OpenInitialOrders(1900.0, testStart)

	if _, closed := e.ProcessTick(tickAt(1*time.Minute, 1901.2)); closed {
		t.Fatal("closed on the arming tick")
	}
	if _, closed := e.ProcessTick(tickAt(2*time.Minute, 1901.5)); closed {
		t.Fatal("closed while still advancing")
	}
	trade, closed := e.ProcessTick(tickAt(3*time.Minute, 1900.4))
	if !closed {
		t.Fatal("trailing stop did not fire on retracement")
	}
	if trade.ExitReason != domain.ExitTrailingSL {
		t.Errorf("exit reason = %s, want TRAILING_SL", trade.ExitReason)
	}
	// Peak was 15 pips, line at 5; close at +4 pips keeps the gain positive.
	if !trade.Profit.IsPositive() {
		t.Errorf("trailing exit profit = %s, want positive", trade.Profit)
	}
}

func TestTakeProfitBeatsTrailingOnSameTick(t *testing.T) {
	cfg := baseConfig()
	cfg.UseTrailingSL = true
	cfg.TrailingSLPercent = 50

	e := New(cfg)
	e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
	e.OpenInitialOrders(1900.0, testStart)

	trade, closed := e.ProcessTick(tickAt(time.Minute, 1902.5))
	if !closed {
		t.Fatal("take profit did not fire")
	}
	if trade.ExitReason != domain.ExitTakeProfit {
		t.Errorf("exit reason = %s, want TAKE_PROFIT over trailing", trade.ExitReason)
	}
}

// ---------------------------------------------------------------------------
// Averaging
// ---------------------------------------------------------------------------

func TestAveragingLowersBlendedEntry(t *testing.T) {
	e := New(baseConfig())
	e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
	e.OpenInitialOrders(1900.0, testStart)

	// 10 pips adverse (1.0 in price) from the last fill opens a level.
	if _, closed := e.ProcessTick(tickAt(time.Minute, 1899.0)); closed {
		t.Fatal("trade closed during averaging")
	}
	// Blended entry is now 1899.5; TP 20 pips above that is 1901.5.
	trade, closed := e.ProcessTick(tickAt(2*time.Minute, 1901.5))
	if !closed {
		t.Fatal("take profit did not fire from the blended entry")
	}
	if len(trade.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(trade.Levels))
	}
	if trade.Levels[1].EntryPrice != 1899.0 {
		t.Errorf("averaging fill = %v, want 1899.0", trade.Levels[1].EntryPrice)
	}
	if want := decimal.RequireFromString("20"); !trade.ProfitPips.Equal(want) {
		t.Errorf("profit pips = %s, want exactly 20", trade.ProfitPips)
	}
	// 20 pips on 0.2 total lots at pip value 0.1.
	if want := decimal.RequireFromString("40"); !trade.Profit.Equal(want) {
		t.Errorf("profit = %s, want exactly 40", trade.Profit)
	}
}

func TestAveragingStopsAtMaxLevels(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxLevels = 2

	e := New(cfg)
	e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
	e.OpenInitialOrders(1900.0, testStart)

	for i, bid := range []float64{1899.0, 1898.0, 1897.0, 1896.0} {
		if _, closed := e.ProcessTick(tickAt(time.Duration(i+1)*time.Minute, bid)); closed {
			t.Fatal("trade closed while walking down")
		}
	}

	trade, closed := e.ForceClose(1896.0, testStart.Add(time.Hour))
	if !closed {
		t.Fatal("force close failed")
	}
	if len(trade.Levels) != 3 { // 1 initial + 2 averaging
		t.Errorf("levels = %d, want 3 (max 2 averaging fills)", len(trade.Levels))
	}
}

func TestRestrictions(t *testing.T) {
	cases := []struct {
		restriction domain.Restriction
		numOrders   int
		wantLevels  int
	}{
		{domain.RestrictionRiskOnly, 3, 1},         // single order, no averaging
		{domain.RestrictionNoAveraging, 2, 2},      // initial orders only
		{domain.RestrictionSingleAveraging, 1, 2},  // one averaging fill
		{"", 1, 4},                                 // unrestricted: 1 + maxLevels 3
	}
	for _, c := range cases {
		cfg := baseConfig()
		cfg.Restriction = c.restriction
		cfg.NumOrders = c.numOrders
		cfg.MaxLevels = 3

		e := New(cfg)
		e.StartSignal(buySignal(1900.0), domain.TickSourceReal)
		e.OpenInitialOrders(1900.0, testStart)
		for i, bid := range []float64{1899.0, 1898.0, 1897.0, 1896.0} {
			if _, closed := e.ProcessTick(tickAt(time.Duration(i+1)*time.Minute, bid)); closed {
				t.Fatalf("%s: closed while walking down", c.restriction)
			}
		}
		trade, _ := e.ForceClose(1896.0, testStart.Add(time.Hour))
		if len(trade.Levels) != c.wantLevels {
			t.Errorf("%q: levels = %d, want %d", c.restriction, len(trade.Levels), c.wantLevels)
		}
	}
}

// ---------------------------------------------------------------------------
// Window handling
// ---------------------------------------------------------------------------

func TestSimulateFlattensAtWindowEnd(t *testing.T) {
	e := New(baseConfig())
	ticks := []domain.Tick{
		tickAt(time.Minute, 1900.5),
		tickAt(2*time.Minute, 1900.8),
	}
	trade, closed := e.Simulate(buySignal(1900.0), ticks, domain.TickSourceReal)
	if !closed {
		t.Fatal("open position not flattened at window end")
	}
	if trade.ExitReason != domain.ExitCloseSignal {
		t.Errorf("exit reason = %s, want CLOSE_SIGNAL", trade.ExitReason)
	}
	if trade.ExitPrice != 1900.8 {
		t.Errorf("exit price = %v, want last bid 1900.8", trade.ExitPrice)
	}
}

func TestSimulateEnrichesZeroEntryFromFirstTick(t *testing.T) {
	sig := buySignal(0)
	e := New(baseConfig())
	ticks := []domain.Tick{
		tickAt(time.Minute, 1905.0),
		tickAt(2*time.Minute, 1905.1),
	}
	trade, closed := e.Simulate(sig, ticks, domain.TickSourceReal)
	if !closed {
		t.Fatal("simulation did not close")
	}
	if got := trade.Levels[0].EntryPrice; got != ticks[0].Mid() {
		t.Errorf("entry = %v, want first tick mid %v", got, ticks[0].Mid())
	}
}

func TestSimulateEmptyTicks(t *testing.T) {
	e := New(baseConfig())
	if _, closed := e.Simulate(buySignal(1900.0), nil, domain.TickSourceReal); closed {
		t.Error("empty tick window must not produce a trade")
	}
}

// ---------------------------------------------------------------------------
// Synthetic fallback
// ---------------------------------------------------------------------------

func TestSyntheticTicksDeterministic(t *testing.T) {
	sig := buySignal(1900.0)
	sig.CloseTimestamp = testStart.Add(20 * time.Minute)

	a := SyntheticTicks(sig, baseConfig())
	b := SyntheticTicks(sig, baseConfig())
	if len(a) == 0 {
		t.Fatal("no synthetic ticks generated")
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("tick %d differs between identically seeded runs", i)
		}
	}

	// A different signal id walks differently.
	other := sig
	other.ID = "sig-2"
	c := SyntheticTicks(other, baseConfig())
	same := len(a) == len(c)
	if same {
		same = a[1].Bid == c[1].Bid
	}
	if same {
		t.Error("different signal ids produced identical walks")
	}
}

func TestSyntheticTicksSpreadBand(t *testing.T) {
	sig := buySignal(1900.0)
	sig.CloseTimestamp = testStart.Add(20 * time.Minute)

	for _, tick := range SyntheticTicks(sig, baseConfig()) {
		// 15 to 22 pips at pip value 0.1.
		if tick.Spread < 1.5 || tick.Spread > 2.2 {
			t.Fatalf("spread %v outside the 15..22 pip band", tick.Spread)
		}
		if tick.Ask <= tick.Bid {
			t.Fatalf("ask %v not above bid %v", tick.Ask, tick.Bid)
		}
	}
}

func TestSyntheticTicksRequireEntryPrice(t *testing.T) {
	if got := SyntheticTicks(buySignal(0), baseConfig()); got != nil {
		t.Errorf("synthetic ticks without an entry price = %d ticks, want none", len(got))
	}
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func closedTrade(profit string, source domain.TickSource, at time.Time) domain.Trade {
	return domain.Trade{
		Profit:     decimal.RequireFromString(profit),
		ProfitPips: decimal.RequireFromString(profit),
		Source:     source,
		ClosedAt:   at,
	}
}

func TestAggregatorBasics(t *testing.T) {
	a := NewAggregator(1000)
	a.Add(closedTrade("50", domain.TickSourceReal, testStart))
	a.Add(closedTrade("-20", domain.TickSourceReal, testStart.Add(time.Hour)))
	a.Add(closedTrade("30", domain.TickSourceSynthetic, testStart.Add(2*time.Hour)))

	res := a.Result()
	if res.TotalTrades != 3 || res.Wins != 2 || res.Losses != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", res.TotalTrades, res.Wins, res.Losses)
	}
	if want := decimal.RequireFromString("60"); !res.TotalProfit.Equal(want) {
		t.Errorf("total profit = %s, want 60", res.TotalProfit)
	}
	if res.WinRate != 2.0/3.0 {
		t.Errorf("win rate = %v, want 2/3", res.WinRate)
	}
	if got := res.ProfitFactor; got != 4 { // 80 / 20
		t.Errorf("profit factor = %v, want 4", got)
	}
	if want := decimal.RequireFromString("20"); !res.MaxDrawdown.Equal(want) {
		t.Errorf("max drawdown = %s, want 20 (peak 1050 to 1030)", res.MaxDrawdown)
	}
	if want := decimal.RequireFromString("1060"); !res.FinalCapital.Equal(want) {
		t.Errorf("final capital = %s, want 1060", res.FinalCapital)
	}
	if want := decimal.RequireFromString("20"); !res.Expectancy.Equal(want) {
		t.Errorf("expectancy = %s, want 20", res.Expectancy)
	}
	if res.SyntheticTrades != 1 {
		t.Errorf("synthetic trades = %d, want 1", res.SyntheticTrades)
	}
	if len(res.Equity) != 3 {
		t.Errorf("equity points = %d, want 3", len(res.Equity))
	}
}

func TestProfitFactorEdgeCases(t *testing.T) {
	// All winners: +Inf.
	a := NewAggregator(0)
	a.Add(closedTrade("10", domain.TickSourceReal, testStart))
	if pf := a.Result().ProfitFactor; !math.IsInf(pf, 1) {
		t.Errorf("profit factor with no losses = %v, want +Inf", pf)
	}

	// No profit at all: 0.
	b := NewAggregator(0)
	b.Add(closedTrade("-10", domain.TickSourceReal, testStart))
	if pf := b.Result().ProfitFactor; pf != 0 {
		t.Errorf("profit factor with no profit = %v, want 0", pf)
	}

	// No trades: 0.
	if pf := NewAggregator(0).Result().ProfitFactor; pf != 0 {
		t.Errorf("profit factor with no trades = %v, want 0", pf)
	}
}

func TestDecimalSumIsExact(t *testing.T) {
	sum := fin.D(0.1).Add(fin.D(0.2))
	if want := decimal.RequireFromString("0.3"); !sum.Equal(want) {
		t.Errorf("0.1 + 0.2 = %s, want exactly 0.3", sum)
	}
	var x, y float64 = 0.1, 0.2
	if native := x + y; native == 0.3 {
		t.Error("native float addition unexpectedly exact; decimal guard is moot")
	}
}
