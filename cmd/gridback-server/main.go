package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridback/internal/backtest"
	"gridback/internal/config"
	"gridback/internal/httpapi"
	"gridback/internal/jobs"
	"gridback/internal/optimizer"
	"gridback/internal/resultcache"
	"gridback/internal/store"
	"gridback/internal/tickcache"
	"gridback/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	if p := os.Getenv("GRIDBACK_CONFIG"); p != "" {
		*cfgPath = p
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

	orchestrator := jobs.New(runner, cfg.Jobs, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	orchestrator.Start(ctx)

	api := httpapi.NewServer(runner, orchestrator, optimizer.New(runner, logger), ticks, results, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		slog.Info("gridback-server listening",
			"addr", srv.Addr,
			"backend", cfg.Storage.Backend,
			"signalsDir", cfg.Storage.SignalsDir,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	orchestrator.Stop()
}
