package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

func testEngine(t *testing.T, cfg config.JobsConfig) (*Engine, *storage.MemoryStore, *events.Bus) {
	t.Helper()
	store := storage.NewMemory(storage.Options{EmbedDim: 8}, nil)
	bus := events.NewBus(256)
	return NewEngine(store, bus, nil, cfg, zap.NewNop()), store, bus
}

func submitReq(query string) SubmitRequest {
	params, _ := json.Marshal(map[string]any{"query": query})
	return SubmitRequest{
		Type:   "research",
		Params: params,
		Identity: Identity{
			Query:          query,
			CostPreference: "low",
			AudienceLevel:  "intermediate",
			OutputFormat:   "report",
			IncludeSources: true,
		},
	}
}

func waitEvent(t *testing.T, ch <-chan storage.JobEvent, eventType string) storage.JobEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func eventTypes(t *testing.T, store storage.Store, jobID string) []string {
	t.Helper()
	evts, err := store.GetJobEvents(context.Background(), jobID, 0, 100)
	if err != nil {
		t.Fatalf("GetJobEvents: %v", err)
	}
	types := make([]string, len(evts))
	for i, evt := range evts {
		types[i] = evt.Type
	}
	return types
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	res, err := e.Submit(ctx, submitReq("how do heat pumps work"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Existing || res.Cached {
		t.Fatalf("fresh submit flagged existing=%v cached=%v", res.Existing, res.Cached)
	}
	if res.Job.Status != storage.JobStatusQueued {
		t.Fatalf("status = %q, want queued", res.Job.Status)
	}
	if !strings.HasPrefix(res.Job.IdempotencyKey, "rq:") {
		t.Fatalf("computed key %q missing rq: prefix", res.Job.IdempotencyKey)
	}
	if got := eventTypes(t, store, res.Job.ID); len(got) != 1 || got[0] != storage.EventSubmitted {
		t.Fatalf("events = %v, want [submitted]", got)
	}
}

func TestSubmitIdempotentResubmit(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	first, err := e.Submit(ctx, submitReq("solid state batteries"))
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	// Trivial reformatting maps to the same job.
	second, err := e.Submit(ctx, submitReq("  Solid  STATE batteries "))
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !second.Existing {
		t.Fatal("resubmit not flagged existing")
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("resubmit returned %s, want %s", second.Job.ID, first.Job.ID)
	}
	if got := eventTypes(t, store, first.Job.ID); len(got) != 1 {
		t.Fatalf("resubmit appended events: %v", got)
	}
}

func TestSubmitReturnsCachedResult(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	first, err := e.Submit(ctx, submitReq("ocean thermal gradients"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	result := []byte(`{"report_id":7}`)
	if err := store.SetJobStatus(ctx, first.Job.ID, storage.JobStatusSucceeded, result); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}

	second, err := e.Submit(ctx, submitReq("ocean thermal gradients"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Cached {
		t.Fatal("succeeded match not flagged cached")
	}
	if string(second.Job.Result) != string(result) {
		t.Fatalf("cached result = %s", second.Job.Result)
	}
}

func TestSubmitRetriesFailedJob(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	first, err := e.Submit(ctx, submitReq("fusion ignition"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := store.SetJobStatus(ctx, first.Job.ID, storage.JobStatusFailed, nil); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}

	second, err := e.Submit(ctx, submitReq("fusion ignition"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Existing || second.Cached {
		t.Fatalf("retry flagged existing=%v cached=%v", second.Existing, second.Cached)
	}
	if second.Job.ID == first.Job.ID {
		t.Fatal("retry reused the failed job id")
	}
	if second.Job.RetryOf != first.Job.ID {
		t.Fatalf("retry_of = %q, want %q", second.Job.RetryOf, first.Job.ID)
	}
}

func TestSubmitForceNew(t *testing.T) {
	e, _, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	first, err := e.Submit(ctx, submitReq("graphene production"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := submitReq("graphene production")
	req.ForceNew = true
	second, err := e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("force_new Submit: %v", err)
	}
	if second.Existing || second.Cached || second.Job.ID == first.Job.ID {
		t.Fatalf("force_new matched prior job %s", first.Job.ID)
	}
}

func TestSubmitClientKeyWins(t *testing.T) {
	e, _, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	req := submitReq("desalination methods")
	req.IdempotencyKey = "client-key-1"
	first, err := e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Job.IdempotencyKey != "client-key-1" {
		t.Fatalf("key = %q", first.Job.IdempotencyKey)
	}

	other := submitReq("a completely different question")
	other.IdempotencyKey = "client-key-1"
	second, err := e.Submit(ctx, other)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !second.Existing || second.Job.ID != first.Job.ID {
		t.Fatal("client key did not bind the submissions together")
	}
}

func TestSubmitAtCapacity(t *testing.T) {
	e, _, _ := testEngine(t, config.JobsConfig{QueueMax: 1})
	ctx := context.Background()

	if _, err := e.Submit(ctx, submitReq("first question")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := e.Submit(ctx, submitReq("second question"))
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
}

func TestWorkerRunsJobToCompletion(t *testing.T) {
	e, store, bus := testEngine(t, config.JobsConfig{Concurrency: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	e.RegisterRunner("research", RunnerFunc(func(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error) {
		sink.Emit(storage.EventProgress, map[string]any{"phase": "working"})
		return []byte(`{"report_id":42}`), nil
	}))

	res, err := e.Submit(ctx, submitReq("tidal energy"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch := bus.SubscribeJob("test", res.Job.ID)
	defer bus.Unsubscribe("test")

	e.Start(ctx)
	defer e.Stop()

	waitEvent(t, ch, storage.EventCompleted)

	job, err := store.GetJob(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobStatusSucceeded {
		t.Fatalf("status = %q, want succeeded", job.Status)
	}
	if string(job.Result) != `{"report_id":42}` {
		t.Fatalf("result = %s", job.Result)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}

	want := []string{
		storage.EventSubmitted,
		storage.EventStarted,
		storage.EventProgress,
		storage.EventCompleted,
	}
	got := eventTypes(t, store, job.ID)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	e, store, bus := testEngine(t, config.JobsConfig{Concurrency: 1})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	runnerExited := make(chan struct{})
	e.RegisterRunner("research", RunnerFunc(func(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error) {
		defer close(runnerExited)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	res, err := e.Submit(ctx, submitReq("long running question"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch := bus.SubscribeJob("test", res.Job.ID)
	defer bus.Unsubscribe("test")

	e.Start(ctx)
	defer e.Stop()

	waitEvent(t, ch, storage.EventStarted)

	job, err := e.Cancel(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status != storage.JobStatusCanceled {
		t.Fatalf("status = %q, want canceled", job.Status)
	}

	select {
	case <-runnerExited:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}

	// Give the worker a moment to (wrongly) append a terminal event.
	time.Sleep(50 * time.Millisecond)
	got := eventTypes(t, store, res.Job.ID)
	var terminals int
	for _, typ := range got {
		switch typ {
		case storage.EventCanceled, storage.EventCompleted, storage.EventError:
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("want exactly one terminal event, got %v", got)
	}

	if _, err := e.Cancel(ctx, res.Job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("second Cancel err = %v, want ErrJobTerminal", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	res, err := e.Submit(ctx, submitReq("never picked up"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := e.Cancel(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status != storage.JobStatusCanceled {
		t.Fatalf("status = %q, want canceled", job.Status)
	}
	got := eventTypes(t, store, res.Job.ID)
	if len(got) != 2 || got[1] != storage.EventCanceled {
		t.Fatalf("events = %v, want [submitted canceled]", got)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e, _, _ := testEngine(t, config.JobsConfig{})
	if _, err := e.Cancel(context.Background(), "job-missing"); !storage.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMissingRunnerFailsJob(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	res, err := e.Submit(ctx, submitReq("orphaned type"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := store.ClaimNextJob(ctx, "w-test", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	e.execute(ctx, "w-test", job)

	job, err = store.GetJob(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if !strings.Contains(string(job.Result), "no runner registered") {
		t.Fatalf("result = %s", job.Result)
	}
}

func TestRunnerPanicFailsJob(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{})
	ctx := context.Background()

	e.RegisterRunner("research", RunnerFunc(func(ctx context.Context, job *storage.Job, sink events.Sink) ([]byte, error) {
		panic("boom")
	}))

	res, err := e.Submit(ctx, submitReq("panicky question"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := store.ClaimNextJob(ctx, "w-test", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	e.execute(ctx, "w-test", job)

	job, err = store.GetJob(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if !strings.Contains(string(job.Result), "runner panic") {
		t.Fatalf("result = %s", job.Result)
	}
}

func TestReclaimStaleRequeues(t *testing.T) {
	e, store, _ := testEngine(t, config.JobsConfig{LeaseTimeout: time.Minute})
	ctx := context.Background()

	res, err := e.Submit(ctx, submitReq("stalled question"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Claim with a heartbeat already older than the lease window.
	stale := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := store.ClaimNextJob(ctx, "w-dead", stale); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	ids, err := e.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != res.Job.ID {
		t.Fatalf("reclaimed = %v, want [%s]", ids, res.Job.ID)
	}
	job, err := store.GetJob(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobStatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	got := eventTypes(t, store, res.Job.ID)
	if got[len(got)-1] != storage.EventProgress {
		t.Fatalf("events = %v, want trailing progress", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	e, _, _ := testEngine(t, config.JobsConfig{Concurrency: 2})
	ctx := context.Background()

	e.Start(ctx)
	e.Start(ctx)
	e.Stop()
	e.Stop()
}
