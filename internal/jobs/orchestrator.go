// Package jobs manages asynchronous backtest executions: a bounded worker
// pool consuming a queue of jobs, with progress reporting and cooperative
// cancellation.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridback/internal/chunker"
	"gridback/internal/config"
	"gridback/internal/domain"
)

// Executor runs one backtest; satisfied by backtest.Runner.
type Executor interface {
	Execute(ctx context.Context, cfg domain.BacktestConfig, signalLimit int, onProgress chunker.ProgressFunc) (domain.BacktestResult, bool, error)
}

// Orchestrator owns the job table and the worker pool. Jobs move
// QUEUED -> RUNNING -> {COMPLETED | FAILED | CANCELLED}; the three terminal
// states are never left.
type Orchestrator struct {
	executor Executor
	log      *slog.Logger

	workers      int
	keepFinished int
	queue        chan string

	mu      sync.Mutex
	jobs    map[string]*domain.Job
	order   []string
	cancels map[string]context.CancelFunc

	wg      sync.WaitGroup
	stopped bool
}

// Listing groups jobs by lifecycle for the listing APIs.
type Listing struct {
	Active    []domain.Job `json:"active"`
	Queued    []domain.Job `json:"queued"`
	Completed []domain.Job `json:"completed"`
	Counts    Counts       `json:"counts"`
}

// Counts summarizes the job table.
type Counts struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// New creates an Orchestrator; call Start before submitting jobs.
func New(executor Executor, cfg config.JobsConfig, log *slog.Logger) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	keep := cfg.KeepFinished
	if keep <= 0 {
		keep = 50
	}
	return &Orchestrator{
		executor:     executor,
		log:          log.With("component", "jobs"),
		workers:      workers,
		keepFinished: keep,
		queue:        make(chan string, queueSize),
		jobs:         make(map[string]*domain.Job),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool. Workers also exit when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Create enqueues a new job and returns it immediately.
func (o *Orchestrator) Create(cfg domain.BacktestConfig, signalLimit int) (domain.Job, error) {
	job := &domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobQueued,
		Config:      cfg,
		SignalLimit: signalLimit,
		CreatedAt:   time.Now(),
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return domain.Job{}, errors.New("orchestrator stopped")
	}

	// Enqueue and register under one critical section: a worker that receives
	// the id blocks on the mutex until the table holds the job, and a full
	// queue rejects the job before it is ever visible.
	select {
	case o.queue <- job.ID:
	default:
		o.mu.Unlock()
		return domain.Job{}, fmt.Errorf("job queue full (%d pending)", cap(o.queue))
	}
	o.jobs[job.ID] = job
	o.order = append(o.order, job.ID)
	o.pruneFinishedLocked()
	o.mu.Unlock()

	o.log.Info("job queued", "job", job.ID, "source", cfg.SignalsSource)
	return *job, nil
}

// Get returns a snapshot of one job.
func (o *Orchestrator) Get(id string) (domain.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

// Cancel requests cancellation. A queued job is cancelled immediately; a
// running job stops after its in-flight chunk. Returns false for unknown or
// already-terminal jobs.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok || job.Status.Terminal() {
		return false
	}

	switch job.Status {
	case domain.JobQueued:
		job.Status = domain.JobCancelled
		job.FinishedAt = time.Now()
		o.log.Info("queued job cancelled", "job", id)
	case domain.JobRunning:
		if cancel := o.cancels[id]; cancel != nil {
			cancel()
		}
		o.log.Info("cancellation requested", "job", id)
	}
	return true
}

// List returns all jobs grouped by lifecycle, newest first within each group.
func (o *Orchestrator) List() Listing {
	o.mu.Lock()
	defer o.mu.Unlock()

	var l Listing
	for _, id := range o.order {
		job := *o.jobs[id]
		switch job.Status {
		case domain.JobRunning:
			l.Active = append(l.Active, job)
			l.Counts.Active++
		case domain.JobQueued:
			l.Queued = append(l.Queued, job)
			l.Counts.Queued++
		case domain.JobCompleted:
			l.Completed = append(l.Completed, job)
			l.Counts.Completed++
		case domain.JobFailed:
			l.Completed = append(l.Completed, job)
			l.Counts.Failed++
		case domain.JobCancelled:
			l.Completed = append(l.Completed, job)
			l.Counts.Cancelled++
		}
	}

	for _, group := range [][]domain.Job{l.Active, l.Queued, l.Completed} {
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
	}
	return l
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

func (o *Orchestrator) worker(ctx context.Context, n int) {
	defer o.wg.Done()
	log := o.log.With("worker", n)

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-o.queue:
			if !ok {
				return
			}
			o.run(ctx, id, log)
		}
	}
}

// run executes one job; the orchestrator never crashes on a job failure.
func (o *Orchestrator) run(ctx context.Context, id string, log *slog.Logger) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.Status != domain.JobQueued {
		// Pruned or cancelled while queued.
		o.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	o.cancels[id] = cancel
	job.Status = domain.JobRunning
	job.StartedAt = time.Now()
	cfg := job.Config
	limit := job.SignalLimit
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
	}()

	log.Info("job started", "job", id)
	result, _, err := o.executor.Execute(jobCtx, cfg, limit, func(p domain.ChunkProgress) {
		o.updateProgress(id, p)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	job.FinishedAt = time.Now()

	switch {
	case err == nil:
		job.Status = domain.JobCompleted
		job.Result = &result
		job.Progress = 1
		log.Info("job completed", "job", id, "trades", result.TotalTrades)
	case errors.Is(err, context.Canceled):
		// No partial result is kept.
		job.Status = domain.JobCancelled
		log.Info("job cancelled", "job", id)
	default:
		job.Status = domain.JobFailed
		job.Error = err.Error()
		log.Error("job failed", "job", id, "error", err)
	}
}

func (o *Orchestrator) updateProgress(id string, p domain.ChunkProgress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok || job.Status != domain.JobRunning {
		return
	}
	if p.TotalSignals > 0 {
		job.Progress = float64(p.SignalsProcessed) / float64(p.TotalSignals)
	}
	job.CurrentSignal = p.SignalsProcessed
	job.TotalSignals = p.TotalSignals
}

// pruneFinishedLocked drops the oldest terminal jobs beyond keepFinished.
// Caller holds o.mu.
func (o *Orchestrator) pruneFinishedLocked() {
	finished := 0
	for _, id := range o.order {
		if o.jobs[id].Status.Terminal() {
			finished++
		}
	}
	if finished <= o.keepFinished {
		return
	}

	excess := finished - o.keepFinished
	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && o.jobs[id].Status.Terminal() {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}
