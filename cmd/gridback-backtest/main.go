package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"gridback/internal/backtest"
	"gridback/internal/config"
	"gridback/internal/domain"
	"gridback/internal/resultcache"
	"gridback/internal/store"
	"gridback/internal/tickcache"
	"gridback/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	source := flag.String("signals", "", "signals CSV file name inside the signals dir (required)")
	strategy := flag.String("strategy", "cli", "strategy name used for the cache key")
	lotSize := flag.Float64("lot", 0.1, "lot size per order")
	numOrders := flag.Int("orders", 1, "initial orders per signal")
	pipsDistance := flag.Float64("distance", 10, "pips between averaging levels")
	maxLevels := flag.Int("levels", 4, "maximum averaging levels")
	takeProfit := flag.Float64("tp", 20, "take profit in pips from the average entry")
	stopLoss := flag.Float64("sl", 0, "stop loss in pips (0 disables)")
	trailing := flag.Float64("trailing", 0, "trailing stop activation percent of TP (0 disables)")
	restriction := flag.String("restriction", "", "grid restriction: RISK_ONLY, NO_AVERAGING, or SINGLE_AVERAGING")
	realPrices := flag.Bool("real", false, "simulate against recorded ticks instead of synthetic walks")
	limit := flag.Int("limit", 0, "process at most N signals (0 = all)")
	capital := flag.Float64("capital", 10000, "initial capital")
	asJSON := flag.Bool("json", false, "emit the full result as JSON")
	flag.Parse()

	if *source == "" {
		flag.Usage()
		log.Fatal("-signals is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	ts, err := store.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open tick store: %v", err)
	}

	ticks := tickcache.New(ts, cfg.Backtest.Symbol, cfg.Backtest.TickCacheTTL(), logger)
	results := resultcache.New(cfg.Backtest.ResultCacheTTL(), cfg.Backtest.ResultCacheSize, logger)
	runner := backtest.NewRunner(ticks, results, cfg.Storage.SignalsDir, cfg.Backtest, logger)

	run := domain.BacktestConfig{
		StrategyName:      *strategy,
		Symbol:            cfg.Backtest.Symbol,
		LotSize:           *lotSize,
		NumOrders:         *numOrders,
		PipsDistance:      *pipsDistance,
		MaxLevels:         *maxLevels,
		TakeProfitPips:    *takeProfit,
		StopLossPips:      *stopLoss,
		UseStopLoss:       *stopLoss > 0,
		UseTrailingSL:     *trailing > 0,
		TrailingSLPercent: *trailing,
		Restriction:       domain.Restriction(*restriction),
		SignalsSource:     *source,
		InitialCapital:    *capital,
		UseRealPrices:     *realPrices,
		PipValue:          cfg.Backtest.PipValue,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, fromCache, err := runner.Execute(ctx, run, *limit, func(p domain.ChunkProgress) {
		slog.Info("progress",
			"phase", p.Phase,
			"chunk", fmt.Sprintf("%d/%d", p.CurrentChunk, p.TotalChunks),
			"signals", fmt.Sprintf("%d/%d", p.SignalsProcessed, p.TotalSignals),
		)
	})
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("encoding result: %v", err)
		}
		return
	}

	printSummary(result, fromCache)
}

func printSummary(r domain.BacktestResult, fromCache bool) {
	fmt.Printf("Trades:        %d (%d wins / %d losses)\n", r.TotalTrades, r.Wins, r.Losses)
	fmt.Printf("Win rate:      %.1f%%\n", r.WinRate)
	fmt.Printf("Total profit:  %s (%s pips)\n", r.TotalProfit.StringFixed(2), r.TotalProfitPips.StringFixed(1))
	fmt.Printf("Profit factor: %s\n", formatRatio(r.ProfitFactor))
	fmt.Printf("Max drawdown:  %s (%.1f%%)\n", r.MaxDrawdown.StringFixed(2), r.MaxDrawdownPercent)
	fmt.Printf("Sharpe:        %.2f   Calmar: %.2f\n", r.SharpeRatio, r.CalmarRatio)
	fmt.Printf("Expectancy:    %s per trade\n", r.Expectancy.StringFixed(2))
	fmt.Printf("Capital:       %s -> %s\n", r.InitialCapital.StringFixed(2), r.FinalCapital.StringFixed(2))
	if r.SyntheticTrades > 0 {
		fmt.Printf("Note:          %d of %d trades ran on synthetic ticks\n", r.SyntheticTrades, r.TotalTrades)
	}
	if fromCache {
		fmt.Println("(served from result cache)")
	}
}

func formatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
