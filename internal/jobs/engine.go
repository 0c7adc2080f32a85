// Package jobs implements the asynchronous job engine: idempotent
// submission, a lease-based worker pool with heartbeats, stale-lease
// reclaim, cooperative cancellation and a durable per-job event log.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/metrics"
	"github.com/marcus-qen/quaesitor/internal/storage"
	"github.com/marcus-qen/quaesitor/internal/tracing"
	"github.com/marcus-qen/quaesitor/internal/webhook"
)

const (
	pollInterval = 500 * time.Millisecond
	// queryPreview bounds how much of the query the submitted event records.
	queryPreview = 200
)

var (
	// ErrAtCapacity means queued+running jobs already fill the queue budget.
	ErrAtCapacity = errors.New("job queue at capacity")
	// ErrJobTerminal means the operation needs a live job but got a finished one.
	ErrJobTerminal = errors.New("job already terminal")
)

// Runner executes one type of job. Progress goes through the sink, which
// persists each event before fanning it out to subscribers. The returned
// bytes become the job result on success.
type Runner interface {
	Run(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error) {
	return f(ctx, job, sink)
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	// Type selects the registered runner.
	Type string
	// Params is the full submission payload, stored verbatim on the job.
	Params []byte
	// Identity holds the fields that determine idempotency.
	Identity Identity
	// IdempotencyKey, when set by the client, replaces the computed key.
	IdempotencyKey string
	// ForceNew bypasses idempotency matching.
	ForceNew bool
}

// SubmitResult reports what Submit did. Existing means an active job with
// the same key was returned instead of a new one; Cached means a finished
// job's result was returned. A retried submission is a fresh job whose
// RetryOf field names the failed prior.
type SubmitResult struct {
	Job      *storage.Job
	Existing bool
	Cached   bool
}

// Engine owns the worker pool and the job lifecycle.
type Engine struct {
	store    storage.Store
	bus      *events.Bus
	notifier *webhook.Notifier
	cfg      config.JobsConfig
	logger   *zap.Logger
	workerID string

	runnerMu sync.RWMutex
	runners  map[string]Runner

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the engine. The bus and notifier may be nil, which
// disables fan-out and webhooks respectively (tests mostly run that way).
func NewEngine(store storage.Store, bus *events.Bus, notifier *webhook.Notifier, cfg config.JobsConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 2
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.QueueMax < 1 {
		cfg.QueueMax = 100
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "quaesitor"
	}
	return &Engine{
		store:    store,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("jobs"),
		workerID: host + "-" + uuid.NewString()[:8],
		runners:  make(map[string]Runner),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// RegisterRunner binds a job type to its runner. Later registrations for
// the same type replace earlier ones.
func (e *Engine) RegisterRunner(jobType string, r Runner) {
	e.runnerMu.Lock()
	e.runners[jobType] = r
	e.runnerMu.Unlock()
}

// Start launches the worker pool. It is safe to call Start multiple times.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	for i := 0; i < e.cfg.Concurrency; i++ {
		name := fmt.Sprintf("%s-%d", e.workerID, i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker(loopCtx, name)
		}()
	}
	e.logger.Info("worker pool started",
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Duration("lease_timeout", e.cfg.LeaseTimeout))
}

// Stop halts the pool and waits for in-flight jobs to release. Jobs still
// running when the context dies keep their rows in running state; the
// stale-lease sweep returns them to the queue.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.cancel = nil
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit creates a job, or resolves the submission against an existing
// one when the idempotency key matches within its window.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Type == "" {
		return nil, errors.New("job type is required")
	}
	key := CanonicalKey(req.IdempotencyKey, req.Identity)
	now := time.Now().UTC()

	retryOf := ""
	if !req.ForceNew {
		prior, err := e.store.FindJobByIdempotencyKey(ctx, key, now)
		switch {
		case err == nil && !storage.IsTerminalStatus(prior.Status):
			return &SubmitResult{Job: prior, Existing: true}, nil
		case err == nil && prior.Status == storage.JobStatusSucceeded:
			return &SubmitResult{Job: prior, Cached: true}, nil
		case err == nil:
			// Failed or canceled inside the window: run again, keep the link.
			retryOf = prior.ID
		case !storage.IsNotFound(err):
			return nil, err
		}
	}

	counts, err := e.store.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	if counts[storage.JobStatusQueued]+counts[storage.JobStatusRunning] >= e.cfg.QueueMax {
		return nil, ErrAtCapacity
	}

	expiry := now.Add(e.cfg.IdempotencyTTL)
	job := &storage.Job{
		ID:                   "job-" + uuid.NewString(),
		Type:                 req.Type,
		Params:               req.Params,
		Status:               storage.JobStatusQueued,
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       key,
		IdempotencyExpiresAt: &expiry,
		RetryOf:              retryOf,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"type":            req.Type,
		"idempotency_key": key,
	}
	if q := req.Identity.Query; q != "" {
		payload["query"] = truncateRunes(q, queryPreview)
	}
	if retryOf != "" {
		payload["retry_of"] = retryOf
	}
	e.appendEvent(ctx, job.ID, storage.EventSubmitted, payload)

	e.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("type", req.Type),
		zap.Bool("retry", retryOf != ""))
	return &SubmitResult{Job: job}, nil
}

// Cancel marks a job canceled and signals its worker if one is running.
// Canceling a finished job returns the job unchanged with ErrJobTerminal.
func (e *Engine) Cancel(ctx context.Context, id string) (*storage.Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if storage.IsTerminalStatus(job.Status) {
		return job, ErrJobTerminal
	}
	if err := e.store.SetJobStatus(ctx, id, storage.JobStatusCanceled, nil); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// The worker finished first; report what actually happened.
			if cur, gerr := e.store.GetJob(ctx, id); gerr == nil {
				return cur, ErrJobTerminal
			}
		}
		return nil, err
	}
	e.appendEvent(ctx, id, storage.EventCanceled, map[string]any{"requested_by": "client"})
	metrics.RecordJobTerminal(storage.JobStatusCanceled, time.Since(job.CreatedAt))
	e.signalCancel(id)
	job.Status = storage.JobStatusCanceled
	e.notifyTerminal(job, storage.JobStatusCanceled, "canceled by client", nil)
	e.logger.Info("job canceled", zap.String("job_id", id))
	return job, nil
}

// ReclaimStale returns running jobs whose heartbeat predates the lease
// window to the queue. Intended to run on a timer.
func (e *Engine) ReclaimStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.LeaseTimeout)
	ids, err := e.store.ReclaimStaleLeases(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.appendEvent(ctx, id, storage.EventProgress, map[string]any{
			"phase":  "requeued",
			"reason": "lease_expired",
		})
	}
	if len(ids) > 0 {
		e.logger.Warn("reclaimed stale leases", zap.Strings("job_ids", ids))
	}
	return ids, nil
}

// Sink returns the durable event sink for one job: every Emit is written
// to storage before any subscriber sees it.
func (e *Engine) Sink(jobID string) events.Sink {
	return events.SinkFunc(func(eventType string, payload map[string]any) {
		e.appendEvent(context.Background(), jobID, eventType, payload)
	})
}

// appendEvent writes the event to storage first, then fans it out. An
// event the store rejected is never published.
func (e *Engine) appendEvent(ctx context.Context, jobID, eventType string, payload map[string]any) {
	evt, err := e.store.AppendJobEvent(ctx, jobID, eventType, payload)
	if err != nil {
		e.logger.Warn("append job event failed",
			zap.String("job_id", jobID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	if e.bus != nil {
		e.bus.Publish(*evt)
	}
	metrics.RecordJobEvent(eventType)
}

func (e *Engine) worker(ctx context.Context, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := e.store.ClaimNextJob(ctx, name, time.Now().UTC())
		switch {
		case errors.Is(err, storage.ErrNoJobs):
			e.sleep(ctx)
			continue
		case err != nil:
			if ctx.Err() == nil {
				e.logger.Warn("claim failed", zap.String("worker", name), zap.Error(err))
			}
			e.sleep(ctx)
			continue
		}
		e.execute(ctx, name, job)
	}
}

// sleep waits one poll interval with ±20% jitter, or until shutdown.
func (e *Engine) sleep(ctx context.Context) {
	span := int64(pollInterval / 5)
	d := pollInterval + time.Duration(rand.Int63n(2*span+1)-span)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) execute(ctx context.Context, worker string, job *storage.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(job.ID, cancel)
	defer e.clearCancel(job.ID)

	runCtx, span := tracing.StartJobSpan(runCtx, job.ID, job.Type, job.Attempts)
	spanStatus, spanErr := storage.JobStatusFailed, error(nil)
	defer func() { tracing.EndJobSpan(span, spanStatus, spanErr) }()

	metrics.RecordJobStarted()
	defer metrics.RecordJobFinished()

	start := time.Now()
	e.appendEvent(ctx, job.ID, storage.EventStarted, map[string]any{
		"attempt": job.Attempts,
		"worker":  worker,
	})

	stopHB := e.startHeartbeat(job.ID, cancel)

	e.runnerMu.RLock()
	runner := e.runners[job.Type]
	e.runnerMu.RUnlock()

	var result []byte
	var runErr error
	if runner == nil {
		runErr = fmt.Errorf("no runner registered for job type %q", job.Type)
	} else {
		result, runErr = e.invoke(runCtx, runner, job)
	}
	stopHB()

	if runErr == nil {
		spanStatus = storage.JobStatusSucceeded
		e.finishJob(job, storage.JobStatusSucceeded, result, "", start)
		return
	}
	spanErr = runErr

	if runCtx.Err() != nil {
		// Distinguish a client cancel (the row is already canceled and
		// carries its terminal event) from an engine shutdown, where the
		// row stays running for the reclaim sweep to requeue.
		cur, err := e.store.GetJob(context.Background(), job.ID)
		if err == nil && cur.Status == storage.JobStatusCanceled {
			spanStatus, spanErr = storage.JobStatusCanceled, nil
			e.logger.Info("job run stopped by cancel", zap.String("job_id", job.ID))
			return
		}
		if ctx.Err() != nil {
			spanStatus, spanErr = "interrupted", nil
			e.logger.Info("worker stopped mid-job, leaving lease to expire",
				zap.String("job_id", job.ID))
			return
		}
	}
	e.finishJob(job, storage.JobStatusFailed, nil, runErr.Error(), start)
}

// invoke runs the runner with a panic guard so one bad job cannot take
// down the worker.
func (e *Engine) invoke(ctx context.Context, r Runner, job *storage.Job) (result []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("job runner panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec))
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()
	return r.Run(ctx, job, e.Sink(job.ID))
}

// startHeartbeat extends the lease and the idempotency window every
// LeaseTimeout/3. A rejected heartbeat means the job was canceled or
// reclaimed, so the run context is canceled to stop the worker.
func (e *Engine) startHeartbeat(jobID string, cancelRun context.CancelFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(e.cfg.LeaseTimeout / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				now := time.Now().UTC()
				err := e.store.HeartbeatJob(context.Background(), jobID, now, now.Add(e.cfg.IdempotencyTTL))
				if err != nil {
					e.logger.Warn("heartbeat rejected, stopping run",
						zap.String("job_id", jobID),
						zap.Error(err))
					cancelRun()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// finishJob records a terminal status. Losing the write to a concurrent
// cancel is fine: the cancel path owns the terminal event in that case.
func (e *Engine) finishJob(job *storage.Job, status string, result []byte, errMsg string, start time.Time) {
	stored := result
	if status == storage.JobStatusFailed {
		stored, _ = json.Marshal(map[string]string{"error": errMsg})
	}
	if err := e.store.SetJobStatus(context.Background(), job.ID, status, stored); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			e.logger.Error("set terminal status failed",
				zap.String("job_id", job.ID),
				zap.String("status", status),
				zap.Error(err))
		}
		return
	}

	dur := time.Since(start)
	if status == storage.JobStatusSucceeded {
		e.appendEvent(context.Background(), job.ID, storage.EventCompleted, map[string]any{
			"duration_ms": dur.Milliseconds(),
		})
	} else {
		e.appendEvent(context.Background(), job.ID, storage.EventError, map[string]any{
			"error": errMsg,
		})
	}
	metrics.RecordJobTerminal(status, dur)
	e.notifyTerminal(job, status, errMsg, result)

	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", status),
		zap.Duration("duration", dur))
}

// notifyTerminal posts the webhook for jobs that asked for one. Delivery
// runs in the background and never affects the job outcome.
func (e *Engine) notifyTerminal(job *storage.Job, status, errMsg string, result []byte) {
	if e.notifier == nil {
		return
	}
	url := notifyTarget(job.Params)
	if url == "" {
		return
	}
	p := webhook.Payload{
		JobID:    job.ID,
		Status:   status,
		Event:    terminalEvent(status),
		Error:    errMsg,
		ReportID: reportIDFrom(result),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.notifier.Notify(context.Background(), url, p)
	}()
}

func terminalEvent(status string) string {
	switch status {
	case storage.JobStatusSucceeded:
		return storage.EventCompleted
	case storage.JobStatusCanceled:
		return storage.EventCanceled
	default:
		return storage.EventError
	}
}

func reportIDFrom(result []byte) int64 {
	if len(result) == 0 {
		return 0
	}
	var r struct {
		ReportID int64 `json:"report_id"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return 0
	}
	return r.ReportID
}

func (e *Engine) registerCancel(jobID string, fn context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[jobID] = fn
	e.cancelMu.Unlock()
}

func (e *Engine) clearCancel(jobID string) {
	e.cancelMu.Lock()
	delete(e.cancels, jobID)
	e.cancelMu.Unlock()
}

func (e *Engine) signalCancel(jobID string) {
	e.cancelMu.Lock()
	fn := e.cancels[jobID]
	e.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
