package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridback/internal/config"
	"gridback/internal/domain"
	"gridback/internal/resultcache"
	"gridback/internal/tickcache"
	"gridback/internal/util"
)

type memStore struct {
	ticks []domain.Tick
}

func (m *memStore) WriteTicks(_ context.Context, _ string, ticks []domain.Tick) error {
	m.ticks = append(m.ticks, ticks...)
	return nil
}

func (m *memStore) ReadTicks(_ context.Context, _ string, start, end time.Time) ([]domain.Tick, error) {
	var out []domain.Tick
	for _, t := range m.ticks {
		if !t.Timestamp.Before(start) && !t.Timestamp.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListSymbols(_ context.Context) ([]string, error) {
	return []string{"XAUUSD"}, nil
}

const signalsFile = "signals.csv"

func writeSignals(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, signalsFile), []byte(content), 0o644); err != nil {
		t.Fatalf("writing signals: %v", err)
	}
}

func newTestRunner(t *testing.T, ms *memStore, dir string) *Runner {
	t.Helper()
	log := util.NewLogger("error")
	cache := tickcache.New(ms, "XAUUSD", 10*time.Minute, log)
	results := resultcache.New(time.Hour, 10, log)
	defaults := config.Default().Backtest
	return NewRunner(cache, results, dir, defaults, log)
}

func risingTicks(from time.Time, start, end float64, n int) []domain.Tick {
	ticks := make([]domain.Tick, n)
	for i := range ticks {
		price := start + (end-start)*float64(i)/float64(n-1)
		ticks[i] = domain.Tick{
			Timestamp: from.Add(time.Duration(i) * time.Minute),
			Bid:       price,
			Ask:       price + 0.2,
			Spread:    0.2,
		}
	}
	return ticks
}

func testRunConfig() domain.BacktestConfig {
	return domain.BacktestConfig{
		StrategyName:   "grid",
		Symbol:         "XAUUSD",
		LotSize:        0.1,
		NumOrders:      1,
		PipsDistance:   10,
		MaxLevels:      4,
		TakeProfitPips: 20,
		PipValue:       0.1,
		SignalsSource:  signalsFile,
		UseRealPrices:  true,
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	entry := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	ms := &memStore{ticks: risingTicks(entry, 1900.0, 1920.0, 60)}

	dir := t.TempDir()
	writeSignals(t, dir, "2025-01-10T09:00:00Z;range_open;BUY;1900.0;r1;1;0.9\n")

	r := newTestRunner(t, ms, dir)
	result, fromCache, err := r.Execute(context.Background(), testRunConfig(), 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fromCache {
		t.Error("first run reported as cached")
	}
	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", result.TotalTrades)
	}
	if got := result.Trades[0].ExitReason; got != domain.ExitTakeProfit {
		t.Errorf("exit reason = %s, want TAKE_PROFIT", got)
	}
	if result.SyntheticTrades != 0 {
		t.Errorf("synthetic trades = %d, want 0", result.SyntheticTrades)
	}
}

func TestExecuteServesSecondRunFromCache(t *testing.T) {
	entry := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	ms := &memStore{ticks: risingTicks(entry, 1900.0, 1920.0, 60)}

	dir := t.TempDir()
	writeSignals(t, dir, "2025-01-10T09:00:00Z;range_open;BUY;1900.0;r1;1;0.9\n")

	r := newTestRunner(t, ms, dir)
	ctx := context.Background()
	cfg := testRunConfig()

	first, _, err := r.Execute(ctx, cfg, 0, nil)
	if err != nil {
		t.Fatalf("Execute (first): %v", err)
	}
	second, fromCache, err := r.Execute(ctx, cfg, 0, nil)
	if err != nil {
		t.Fatalf("Execute (second): %v", err)
	}
	if !fromCache {
		t.Error("second identical run not served from cache")
	}
	if !second.TotalProfit.Equal(first.TotalProfit) {
		t.Errorf("cached profit = %s, want %s unchanged", second.TotalProfit, first.TotalProfit)
	}

	// Changing a hashed field forces a recompute.
	cfg.TakeProfitPips = 25
	_, fromCache, err = r.Execute(ctx, cfg, 0, nil)
	if err != nil {
		t.Fatalf("Execute (variant): %v", err)
	}
	if fromCache {
		t.Error("changed config incorrectly served from cache")
	}
}

func TestExecuteFallsBackToSyntheticTicks(t *testing.T) {
	dir := t.TempDir()
	writeSignals(t, dir,
		"2025-01-10T09:00:00Z;range_open;BUY;1900.0;r1;1;0.9\n"+
			"2025-01-10T09:30:00Z;range_close;;;r1;2;\n")

	r := newTestRunner(t, &memStore{}, dir) // no real ticks at all
	result, _, err := r.Execute(context.Background(), testRunConfig(), 0, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", result.TotalTrades)
	}
	if result.SyntheticTrades != 1 {
		t.Errorf("synthetic trades = %d, want 1 (no real coverage)", result.SyntheticTrades)
	}
	if got := result.Trades[0].Source; got != domain.TickSourceSynthetic {
		t.Errorf("trade source = %s, want synthetic", got)
	}
}

func TestExecuteSignalLimit(t *testing.T) {
	dir := t.TempDir()
	writeSignals(t, dir,
		"2025-01-10T09:00:00Z;range_open;BUY;1900.0;r1;1;0.9\n"+
			"2025-01-10T10:00:00Z;range_open;BUY;1901.0;r2;2;0.9\n"+
			"2025-01-10T11:00:00Z;range_open;BUY;1902.0;r3;3;0.9\n")

	r := newTestRunner(t, &memStore{}, dir)
	result, _, err := r.Execute(context.Background(), testRunConfig(), 2, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.TotalTrades != 2 {
		t.Errorf("trades = %d, want 2 (limit applied)", result.TotalTrades)
	}
}

func TestExecuteMissingSourceFails(t *testing.T) {
	r := newTestRunner(t, &memStore{}, t.TempDir())
	if _, _, err := r.Execute(context.Background(), testRunConfig(), 0, nil); err == nil {
		t.Error("Execute with a missing signal file should fail")
	}
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	writeSignals(t, dir,
		"2025-01-10T09:00:00Z;range_open;BUY;1900.0;r1;1;0.9\n"+
			"2025-01-10T10:00:00Z;range_open;SELL;1910.0;r2;2;0.8\n"+
			"2025-01-10T11:00:00Z;range_close;;;r2;3;\n")

	r := newTestRunner(t, &memStore{}, dir)
	info, err := r.Info(signalsFile)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Count != 2 || info.Buys != 1 || info.Sells != 1 {
		t.Errorf("info = %+v, want 2 signals, 1 buy, 1 sell", info)
	}
	if info.WithoutClose != 1 {
		t.Errorf("signals without close = %d, want 1", info.WithoutClose)
	}
	if !info.First.Before(info.Last) {
		t.Errorf("first %v not before last %v", info.First, info.Last)
	}
}
