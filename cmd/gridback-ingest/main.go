package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridback/internal/config"
	"gridback/internal/ingest"
	"gridback/internal/store"
	"gridback/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	csvPath := flag.String("csv", "", "tick CSV file or directory to import")
	alpaca := flag.Bool("alpaca", false, "backfill quotes from the Alpaca historical API")
	startStr := flag.String("start", "", "backfill start day, YYYY-MM-DD (with -alpaca)")
	endStr := flag.String("end", "", "backfill end day, YYYY-MM-DD (default: today)")
	symbol := flag.String("symbol", "", "symbol override (default: configured backtest symbol)")
	perMinute := flag.Int("rate", 200, "Alpaca requests per minute")
	flag.Parse()

	if *csvPath == "" && !*alpaca {
		flag.Usage()
		log.Fatal("nothing to do: pass -csv or -alpaca")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = config.Default()
	}
	if *symbol == "" {
		*symbol = cfg.Backtest.Symbol
	}

	logger := util.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	ts, err := store.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open tick store: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *csvPath != "" {
		importCSV(ctx, cfg, ts, *symbol, *csvPath)
	}
	if *alpaca {
		backfillAlpaca(ctx, cfg, ts, *symbol, *startStr, *endStr, *perMinute)
	}
}

func importCSV(ctx context.Context, cfg *config.Config, ts store.TickStore, symbol, path string) {
	im, err := ingest.NewImporter(ts, symbol, cfg.Storage.DataDir, slog.Default())
	if err != nil {
		log.Fatalf("failed to create importer: %v", err)
	}
	defer im.Close()

	info, err := os.Stat(path)
	if err != nil {
		log.Fatalf("cannot stat %s: %v", path, err)
	}

	var n int
	if info.IsDir() {
		n, err = im.ImportDir(ctx, path)
	} else {
		n, err = im.ImportFile(ctx, path)
	}
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	slog.Info("csv import finished", "path", path, "ticks", n)
}

func backfillAlpaca(ctx context.Context, cfg *config.Config, ts store.TickStore, symbol, startStr, endStr string, perMinute int) {
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("Alpaca credentials missing: set alpaca.api_key/api_secret or APCA_API_KEY_ID/APCA_API_SECRET_KEY")
	}
	if startStr == "" {
		log.Fatal("-start is required with -alpaca")
	}

	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if endStr != "" {
		if end, err = time.Parse("2006-01-02", endStr); err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
	}

	g := ingest.NewQuoteGatherer(cfg.Alpaca, ts, symbol, perMinute, slog.Default())
	n, err := g.Gather(ctx, start, end)
	if err != nil {
		log.Fatalf("backfill failed after %d ticks: %v", n, err)
	}
	slog.Info("alpaca backfill finished", "symbol", symbol, "ticks", n)
}
