// Package httpapi exposes the backtesting core over HTTP: synchronous runs,
// asynchronous jobs, cache inspection, and parameter optimization.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gridback/internal/backtest"
	"gridback/internal/jobs"
	"gridback/internal/optimizer"
	"gridback/internal/resultcache"
	"gridback/internal/tickcache"
)

// Server serves the backtesting HTTP API.
type Server struct {
	runner  *backtest.Runner
	jobs    *jobs.Orchestrator
	opt     *optimizer.Optimizer
	ticks   *tickcache.DayCache
	results *resultcache.Cache
	log     *slog.Logger
}

// NewServer creates a Server over the shared runner, orchestrator, and
// caches.
func NewServer(
	runner *backtest.Runner,
	orchestrator *jobs.Orchestrator,
	opt *optimizer.Optimizer,
	ticks *tickcache.DayCache,
	results *resultcache.Cache,
	log *slog.Logger,
) *Server {
	return &Server{
		runner:  runner,
		jobs:    orchestrator,
		opt:     opt,
		ticks:   ticks,
		results: results,
		log:     log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /api/cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache", s.handleClearCache)
	mux.HandleFunc("GET /api/signals/info", s.handleSignalsInfo)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// validSource rejects empty sources and path traversal out of the signals
// directory.
func validSource(source string) bool {
	if source == "" {
		return false
	}
	return !strings.Contains(source, "..") && !strings.ContainsAny(source, "/\\")
}

// ---------------------------------------------------------------------------
// Backtest
// ---------------------------------------------------------------------------

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validSource(req.Config.SignalsSource) {
		writeError(w, http.StatusBadRequest, "signalsSource required")
		return
	}

	began := time.Now()
	result, fromCache, err := s.runner.Execute(r.Context(), req.Config, req.SignalLimit, nil)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, BacktestResponse{
		Results:   NewResultPayload(result),
		FromCache: fromCache,
		ElapsedMs: time.Since(began).Milliseconds(),
	})
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validSource(req.Config.SignalsSource) {
		writeError(w, http.StatusBadRequest, "signalsSource required")
		return
	}

	job, err := s.jobs.Create(req.Config, req.SignalLimit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, NewJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	listing := s.jobs.List()

	resp := JobListResponse{Counts: listing.Counts}
	for _, j := range listing.Active {
		resp.Active = append(resp.Active, NewJobResponse(j))
	}
	for _, j := range listing.Queued {
		resp.Queued = append(resp.Queued, NewJobResponse(j))
	}
	for _, j := range listing.Completed {
		resp.Completed = append(resp.Completed, NewJobResponse(j))
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, NewJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobs.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.jobs.Cancel(id) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, map[string]string{"id": id, "status": "cancelling"})
}

// ---------------------------------------------------------------------------
// Caches
// ---------------------------------------------------------------------------

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	entries := s.results.Entries()
	summaries := make([]CacheEntrySummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, CacheEntrySummary{
			Hash:     e.Hash,
			Strategy: e.Config.StrategyName,
			Source:   e.Source,
			Trades:   e.Result.TotalTrades,
			CachedAt: e.CachedAt,
		})
	}

	writeJSON(w, CacheResponse{
		Results: s.results.Stats(),
		Entries: summaries,
		Ticks:   s.ticks.Stats(),
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if source := r.URL.Query().Get("source"); source != "" {
		removed := s.results.InvalidateSource(source)
		writeJSON(w, map[string]int{"removed": removed})
		return
	}
	s.results.Clear()
	s.ticks.Invalidate()
	writeJSON(w, map[string]string{"status": "cleared"})
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

func (s *Server) handleSignalsInfo(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if !validSource(source) {
		writeError(w, http.StatusBadRequest, "source query parameter required")
		return
	}

	info, err := s.runner.Info(source)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, info)
}

// ---------------------------------------------------------------------------
// Optimization
// ---------------------------------------------------------------------------

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validSource(req.Options.SignalsSource) {
		writeError(w, http.StatusBadRequest, "signalsSource required")
		return
	}

	began := time.Now()
	ranked, err := s.opt.Run(r.Context(), req.Params, req.Options, nil)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	variants := len(ranked)
	if req.TopN > 0 && req.TopN < len(ranked) {
		ranked = ranked[:req.TopN]
	}
	payloads := make([]OptimizeResultPayload, 0, len(ranked))
	for _, r := range ranked {
		payloads = append(payloads, NewOptimizeResultPayload(r))
	}
	writeJSON(w, OptimizeResponse{
		Results:   payloads,
		Variants:  variants,
		ElapsedMs: time.Since(began).Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
