package httpapi

import (
	"math"
	"time"

	"gridback/internal/domain"
	"gridback/internal/jobs"
	"gridback/internal/optimizer"
	"gridback/internal/resultcache"
	"gridback/internal/tickcache"
)

// BacktestRequest is the body of POST /api/backtest and POST /api/jobs.
type BacktestRequest struct {
	Config      domain.BacktestConfig `json:"config"`
	SignalLimit int                   `json:"signalLimit,omitempty"`
}

// BacktestResponse carries a synchronous run's outcome.
type BacktestResponse struct {
	Results   ResultPayload `json:"results"`
	FromCache bool          `json:"fromCache"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// OptimizeRequest is the body of POST /api/optimize.
type OptimizeRequest struct {
	Params  optimizer.Params  `json:"params"`
	Options optimizer.Options `json:"options"`
	// TopN truncates the ranked response; 0 returns everything.
	TopN int `json:"topN,omitempty"`
}

// OptimizeResponse carries the ranked sweep outcome.
type OptimizeResponse struct {
	Results   []OptimizeResultPayload `json:"results"`
	Variants  int                     `json:"variants"`
	ElapsedMs int64                   `json:"elapsedMs"`
}

// OptimizeResultPayload is one ranked variant with JSON-safe score and
// result. Scores can be infinite (drawdown-disqualified variants score -Inf,
// the profit-factor metric scores +Inf on loss-free runs), which a plain JSON
// number cannot carry.
type OptimizeResultPayload struct {
	Config domain.BacktestConfig `json:"config"`
	Result ResultPayload         `json:"result"`
	Score  any                   `json:"score"`
	Rank   int                   `json:"rank"`
}

// NewOptimizeResultPayload wraps a ranked variant for encoding.
func NewOptimizeResultPayload(r optimizer.Result) OptimizeResultPayload {
	var score any = r.Score
	switch {
	case math.IsInf(r.Score, 1):
		score = "Infinity"
	case math.IsInf(r.Score, -1):
		score = "-Infinity"
	}
	return OptimizeResultPayload{
		Config: r.Config,
		Result: NewResultPayload(r.Result),
		Score:  score,
		Rank:   r.Rank,
	}
}

// JobResponse is one job snapshot with a JSON-safe result.
type JobResponse struct {
	ID            string                `json:"id"`
	Status        domain.JobStatus      `json:"status"`
	Config        domain.BacktestConfig `json:"config"`
	Progress      float64               `json:"progress"`
	CurrentSignal int                   `json:"currentSignal"`
	TotalSignals  int                   `json:"totalSignals"`
	Results       *ResultPayload        `json:"results,omitempty"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	StartedAt     time.Time             `json:"startedAt,omitzero"`
	FinishedAt    time.Time             `json:"finishedAt,omitzero"`
}

// JobListResponse groups jobs by lifecycle.
type JobListResponse struct {
	Active    []JobResponse `json:"active"`
	Queued    []JobResponse `json:"queued"`
	Completed []JobResponse `json:"completed"`
	Counts    jobs.Counts   `json:"counts"`
}

// CacheResponse reports both cache layers.
type CacheResponse struct {
	Results resultcache.Stats   `json:"results"`
	Entries []CacheEntrySummary `json:"entries"`
	Ticks   tickcache.Stats     `json:"ticks"`
}

// CacheEntrySummary is one result-cache entry without the full trade list.
type CacheEntrySummary struct {
	Hash     string    `json:"hash"`
	Strategy string    `json:"strategy"`
	Source   string    `json:"signalsSource"`
	Trades   int       `json:"trades"`
	CachedAt time.Time `json:"timestamp"`
}

// ResultPayload is a BacktestResult whose profit factor survives JSON
// encoding: +Inf is not representable as a JSON number, so it is carried as
// the string "Infinity" instead of being dropped silently.
type ResultPayload struct {
	domain.BacktestResult
	ProfitFactor any `json:"profitFactor"`
}

// NewResultPayload wraps a result for encoding.
func NewResultPayload(res domain.BacktestResult) ResultPayload {
	var pf any = res.ProfitFactor
	if math.IsInf(res.ProfitFactor, 1) {
		pf = "Infinity"
	}
	return ResultPayload{BacktestResult: res, ProfitFactor: pf}
}

// NewJobResponse converts an orchestrator job snapshot.
func NewJobResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:            job.ID,
		Status:        job.Status,
		Config:        job.Config,
		Progress:      job.Progress,
		CurrentSignal: job.CurrentSignal,
		TotalSignals:  job.TotalSignals,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
	if job.Result != nil {
		payload := NewResultPayload(*job.Result)
		resp.Results = &payload
	}
	return resp
}
