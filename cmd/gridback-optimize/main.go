package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gridback/internal/backtest"
	"gridback/internal/config"
	"gridback/internal/optimizer"
	"gridback/internal/resultcache"
	"gridback/internal/store"
	"gridback/internal/tickcache"
	"gridback/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	source := flag.String("signals", "", "signals CSV file name inside the signals dir (required)")
	distances := flag.String("distances", "", "comma-separated pips distances to sweep (default 5,10,15,20)")
	levels := flag.String("levels", "", "comma-separated max levels to sweep (default 1..6)")
	takeProfits := flag.String("tps", "", "comma-separated take profits to sweep (default 10,15,20,25,30)")
	trailing := flag.String("trailing", "", "comma-separated trailing percents; enables the trailing stop")
	preset := flag.String("preset", "", "quick preset instead of explicit ranges: conservative, balanced, or aggressive")
	metric := flag.String("metric", string(optimizer.MetricTotalProfit), "ranking metric")
	maxDD := flag.Float64("max-dd", 0, "disqualify variants whose drawdown percent exceeds this (0 = off)")
	realPrices := flag.Bool("real", false, "simulate against recorded ticks instead of synthetic walks")
	limit := flag.Int("limit", 0, "process at most N signals per variant (0 = all)")
	topN := flag.Int("top", 10, "print the top N variants")
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
	opt := optimizer.New(runner, logger)

	params, err := buildParams(*preset, *distances, *levels, *takeProfits, *trailing)
	if err != nil {
		log.Fatalf("invalid sweep ranges: %v", err)
	}
	params.Symbol = cfg.Backtest.Symbol
	params.PipValue = cfg.Backtest.PipValue

	opts := optimizer.Options{
		SignalsSource:      *source,
		SignalLimit:        *limit,
		Metric:             optimizer.Metric(*metric),
		UseRealPrices:      *realPrices,
		MaxDrawdownPercent: *maxDD,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	total := len(optimizer.Combinations(params))
	slog.Info("starting sweep", "variants", total, "metric", opts.Metric, "signals", *source)

	ranked, err := opt.Run(ctx, params, opts, func(p optimizer.Progress) {
		if p.Current%10 == 0 || p.Current == p.Total {
			slog.Info("sweep progress", "done", p.Current, "total", p.Total, "elapsed", p.Elapsed.Round(time.Second))
		}
	})
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}

	if *topN > 0 && *topN < len(ranked) {
		ranked = ranked[:*topN]
	}
	printRanked(ranked)
}

// buildParams resolves a named preset or assembles explicit ranges. Empty
// range flags fall back to the optimizer defaults.
func buildParams(preset, distances, levels, takeProfits, trailing string) (optimizer.Params, error) {
	if preset != "" {
		presets := optimizer.QuickPresets()
		p, ok := presets[preset]
		if !ok {
			names := make([]string, 0, len(presets))
			for name := range presets {
				names = append(names, name)
			}
			return optimizer.Params{}, fmt.Errorf("unknown preset %q (have: %s)", preset, strings.Join(names, ", "))
		}
		return p, nil
	}

	var p optimizer.Params
	var err error
	if p.PipsDistanceRange, err = parseFloats(distances); err != nil {
		return p, fmt.Errorf("-distances: %w", err)
	}
	if p.MaxLevelsRange, err = parseInts(levels); err != nil {
		return p, fmt.Errorf("-levels: %w", err)
	}
	if p.TakeProfitRange, err = parseFloats(takeProfits); err != nil {
		return p, fmt.Errorf("-tps: %w", err)
	}
	if p.TrailingSLRange, err = parseFloats(trailing); err != nil {
		return p, fmt.Errorf("-trailing: %w", err)
	}
	p.UseTrailingSL = len(p.TrailingSLRange) > 0
	return p, nil
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func printRanked(ranked []optimizer.Result) {
	fmt.Printf("%-4s %-28s %8s %7s %8s %8s %8s\n",
		"Rank", "Strategy", "Trades", "Win%", "Profit", "MaxDD%", "Score")
	for _, r := range ranked {
		fmt.Printf("%-4d %-28s %8d %6.1f%% %8s %7.1f%% %8s\n",
			r.Rank,
			r.Config.StrategyName,
			r.Result.TotalTrades,
			r.Result.WinRate,
			r.Result.TotalProfit.StringFixed(2),
			r.Result.MaxDrawdownPercent,
			formatScore(r.Score),
		)
	}
}

func formatScore(v float64) string {
	if math.IsInf(v, -1) {
		return "excl"
	}
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
