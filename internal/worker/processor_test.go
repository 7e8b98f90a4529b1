package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/store"
	"automation-backend/internal/store/sqlite"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b > max {
		t.Fatalf("backoff not capped: %s", b)
	}
}

type memoryDLQ struct {
	mu  sync.Mutex
	ids []string
}

func (d *memoryDLQ) DLQPush(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func (d *memoryDLQ) DLQPeek(_ context.Context, n int64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.ids[max(len(d.ids)-int(n), 0):]...)
	slices.Reverse(out)
	return out, nil
}

type harness struct {
	store  *sqlite.Store
	proc   *Processor
	dlq    *memoryDLQ
	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	h := &harness{store: st, dlq: &memoryDLQ{}}
	h.proc = NewProcessor(st, Options{
		WorkerID:          "test-worker",
		Lease:             time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		BackoffInitial:    time.Second,
		BackoffMax:        time.Second,
		DLQ:               h.dlq,
		Sink: events.SinkFunc(func(_ context.Context, e events.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) submit(t *testing.T, jobType string, maxAttempts, timeoutSec int, deps ...string) models.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if deps == nil {
		deps = []string{}
	}
	job := models.Job{
		ID: uuid.NewString(), Type: jobType, Queue: "alpha", Status: models.StatusQueued,
		TimeoutSec: timeoutSec, MaxAttempts: maxAttempts, Input: map[string]any{}, Tags: []string{},
		DependsOn: deps, RunAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := h.store.CreateJobs(context.Background(), store.CreateJobsParams{Jobs: []models.Job{job}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func (h *harness) get(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return job
}

func (h *harness) processNext(t *testing.T) bool {
	t.Helper()
	claimed, err := h.proc.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return claimed
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterHandler("echo", HandlerFunc(func(_ context.Context, job models.Job) (any, error) {
		return map[string]any{"echoed": job.ID}, nil
	}))
	job := h.submit(t, "echo", 3, 10)

	if !h.processNext(t) {
		t.Fatalf("expected a job to be claimed")
	}
	got := h.get(t, job.ID)
	if got.Status != models.StatusSucceeded || got.Attempts != 1 || got.Error != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if res, ok := got.Result.(map[string]any); !ok || res["echoed"] != job.ID {
		t.Fatalf("unexpected result: %#v", got.Result)
	}
	types := h.eventTypes()
	if len(types) != 2 || types[0] != events.JobClaimed || types[1] != events.JobSucceeded {
		t.Fatalf("unexpected events: %v", types)
	}
	if h.processNext(t) {
		t.Fatalf("nothing else should be claimable")
	}
}

func TestRetryThenTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterHandler("flaky", HandlerFunc(func(context.Context, models.Job) (any, error) {
		return nil, Fail("UPSTREAM_DOWN", "upstream returned 503")
	}))
	job := h.submit(t, "flaky", 2, 10)

	h.processNext(t)
	got := h.get(t, job.ID)
	if got.Status != models.StatusQueued || got.Attempts != 1 || got.Error != nil {
		t.Fatalf("expected a scheduled retry without a terminal error: %+v", got)
	}
	if !got.RunAt.After(time.Now()) {
		t.Fatalf("retry should be delayed, run_at %s", got.RunAt)
	}
	if h.processNext(t) {
		t.Fatalf("a delayed retry must not be claimed early")
	}

	h.proc.now = func() time.Time { return time.Now().Add(time.Minute) }
	if !h.processNext(t) {
		t.Fatalf("expected the retry to be claimed")
	}
	got = h.get(t, job.ID)
	if got.Status != models.StatusFailed || got.Attempts != 2 || got.Result != nil {
		t.Fatalf("expected terminal failure: %+v", got)
	}
	if got.Error == nil || got.Error.Code != "UPSTREAM_DOWN" {
		t.Fatalf("handler code not recorded: %+v", got.Error)
	}
	if len(h.dlq.ids) != 1 || h.dlq.ids[0] != job.ID {
		t.Fatalf("expected job in dead-letter queue, got %v", h.dlq.ids)
	}
	if h.processNext(t) {
		t.Fatalf("attempts must never exceed max_attempts")
	}
}

func TestTimeoutRecordsTimeoutCode(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, _ models.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	job := h.submit(t, "slow", 1, 1)

	h.processNext(t)
	got := h.get(t, job.ID)
	if got.Status != models.StatusFailed || got.Error == nil || got.Error.Code != models.CodeTimeout {
		t.Fatalf("expected TIMEOUT failure: %+v", got)
	}
}

func TestPlainErrorsAndMissingHandlers(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterHandler("broken", HandlerFunc(func(context.Context, models.Job) (any, error) {
		return nil, errors.New("boom")
	}))
	h.proc.RegisterHandler("panics", HandlerFunc(func(context.Context, models.Job) (any, error) {
		panic("bad input")
	}))
	broken := h.submit(t, "broken", 1, 10)
	panics := h.submit(t, "panics", 1, 10)
	unknown := h.submit(t, "nobody.handles.this", 1, 10)
	for h.processNext(t) {
	}

	for _, id := range []string{broken.ID, panics.ID, unknown.ID} {
		got := h.get(t, id)
		if got.Status != models.StatusFailed || got.Error == nil || got.Error.Code != models.CodeExecutionFailed {
			t.Fatalf("expected EXECUTION_FAILED for %s: %+v", got.Type, got)
		}
	}
	if h.get(t, broken.ID).Error.Message != "boom" {
		t.Fatalf("plain error message not kept")
	}
}

func TestDependentsRunAfterSuccessAndFailOnFailure(t *testing.T) {
	h := newHarness(t)
	var order []string
	h.proc.RegisterHandler("ok", HandlerFunc(func(_ context.Context, job models.Job) (any, error) {
		order = append(order, job.ID)
		return "done", nil
	}))
	h.proc.RegisterHandler("bad", HandlerFunc(func(context.Context, models.Job) (any, error) {
		return nil, errors.New("nope")
	}))

	first := h.submit(t, "ok", 1, 10)
	second := h.submit(t, "ok", 1, 10, first.ID)
	for h.processNext(t) {
	}
	if len(order) != 2 || order[0] != first.ID || order[1] != second.ID {
		t.Fatalf("dependency order violated: %v", order)
	}

	failing := h.submit(t, "bad", 1, 10)
	child := h.submit(t, "ok", 1, 10, failing.ID)
	grandchild := h.submit(t, "ok", 1, 10, child.ID)
	for h.processNext(t) {
	}
	for _, id := range []string{child.ID, grandchild.ID} {
		got := h.get(t, id)
		if got.Status != models.StatusFailed || got.Error.Code != models.CodeDependencyFailed || got.Attempts != 0 {
			t.Fatalf("dependent not cascade-failed: %+v", got)
		}
	}
	if len(order) != 2 {
		t.Fatalf("dependents of a failed job must never run, ran %v", order)
	}
}

func TestCancelStopsRunningHandler(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	h.proc.RegisterHandler("wait", HandlerFunc(func(ctx context.Context, _ models.Job) (any, error) {
		close(started)
		<-ctx.Done()
		stopped <- context.Cause(ctx)
		return nil, ctx.Err()
	}))
	job := h.submit(t, "wait", 3, 30)

	go func() {
		<-started
		_, _, _ = h.store.CancelJob(context.Background(), job.ID, time.Now())
	}()
	h.processNext(t)

	select {
	case cause := <-stopped:
		if !errors.Is(cause, errLeaseLost) {
			t.Fatalf("unexpected cancel cause: %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler was not cancelled")
	}
	got := h.get(t, job.ID)
	if got.Status != models.StatusCancelled || got.Error != nil || got.Attempts != 1 {
		t.Fatalf("cancelled job was modified by the worker: %+v", got)
	}
}

func TestMaintainReclaimsExpiredLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.submit(t, "stuck", 2, 10)
	if _, ok, err := h.store.ClaimNext(ctx, store.ClaimParams{WorkerID: "gone", Now: time.Now(), Lease: -time.Second}); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := h.proc.Maintain(ctx); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	got := h.get(t, job.ID)
	if got.Status != models.StatusQueued || got.Attempts != 1 || got.WorkerID != nil {
		t.Fatalf("expected lease to be reclaimed: %+v", got)
	}
	logs, _ := h.store.ListEvents(ctx, job.ID, 10)
	if len(logs) == 0 || logs[len(logs)-1].Event != "lease_expired" {
		t.Fatalf("missing lease_expired log: %+v", logs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.proc.opts.Concurrency = 3
	h.proc.opts.PollInterval = 10 * time.Millisecond
	var mu sync.Mutex
	done := map[string]bool{}
	h.proc.RegisterHandler("ok", HandlerFunc(func(_ context.Context, job models.Job) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if done[job.ID] {
			t.Errorf("job %s executed twice", job.ID)
		}
		done[job.ID] = true
		return nil, nil
	}))
	for i := 0; i < 20; i++ {
		h.submit(t, "ok", 1, 10)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.proc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(done)
		mu.Unlock()
		if n == 20 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if len(done) != 20 {
		t.Fatalf("processed %d of 20 jobs", len(done))
	}
}
