package schedule

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"automation-backend/internal/admission"
	"automation-backend/internal/apperr"
	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
	"automation-backend/internal/store"
	"automation-backend/internal/store/sqlite"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	admin = models.Principal{Name: "admin", Role: models.RoleAdmin}
	alpha = models.Principal{Name: "alpha-admin", Role: models.RoleAdmin, QueueAllowlist: []string{"alpha"}}
	base  = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *sqlite.Store
	service *Service
	engine  *Engine
	sink    *recordingSink
}

func newFixture(t *testing.T, allowlist []string) fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Defaults{TimeoutSec: 300, MaxAttempts: 3})
	registry.RegisterBuiltins(reg, nil)

	sink := &recordingSink{}
	pipeline := admission.New(st, reg, admission.Options{Logger: logger})
	engine := NewEngine(st, pipeline, EngineOptions{Allowlist: allowlist, Sink: sink, Logger: logger})
	engine.now = func() time.Time { return base.Add(time.Second) }
	svc := NewService(st, reg, engine, logger)
	svc.now = func() time.Time { return base }
	return fixture{store: st, service: svc, engine: engine, sink: sink}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

func deref[T any](p *T) T {
	var v T
	if p != nil {
		v = *p
	}
	return v
}

func wantCode(t *testing.T, err error, code string) *apperr.Error {
	t.Helper()
	e, ok := apperr.As(err)
	if !ok || e.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
	return e
}

func TestCadencePatchClearsTheOtherField(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.service.Create(ctx, admin, CreateRequest{
		Name: "report", Type: "report.generate", Queue: "alpha", IntervalSec: intPtr(60),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sc.NextRunAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("next_run_at = %v", sc.NextRunAt)
	}

	sc, err = f.service.Update(ctx, admin, sc.ID, UpdateRequest{Cron: strPtr("*/5 * * * *")})
	if err != nil {
		t.Fatalf("patch cron: %v", err)
	}
	if sc.IntervalSec != nil || deref(sc.Cron) != "*/5 * * * *" {
		t.Fatalf("after cron patch interval=%v cron=%v", sc.IntervalSec, sc.Cron)
	}
	if !sc.NextRunAt.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("cron next_run_at = %v", sc.NextRunAt)
	}

	if _, err := f.service.Update(ctx, admin, sc.ID, UpdateRequest{IntervalSec: intPtr(120)}); err != nil {
		t.Fatalf("patch interval: %v", err)
	}
	stored, err := f.service.Get(ctx, admin, sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Cron != nil || deref(stored.IntervalSec) != 120 {
		t.Fatalf("after interval patch interval=%v cron=%v", stored.IntervalSec, stored.Cron)
	}

	_, err = f.service.Update(ctx, admin, sc.ID, UpdateRequest{IntervalSec: intPtr(60), Cron: strPtr("@hourly")})
	wantCode(t, err, apperr.CodeValidation)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{"no cadence", CreateRequest{Name: "n", Type: "report.generate"}, "exactly one of interval_sec or cron"},
		{"both cadences", CreateRequest{Name: "n", Type: "report.generate", IntervalSec: intPtr(60), Cron: strPtr("@daily")}, "exactly one"},
		{"interval too small", CreateRequest{Name: "n", Type: "report.generate", IntervalSec: intPtr(3)}, "interval_sec"},
		{"bad cron", CreateRequest{Name: "n", Type: "report.generate", Cron: strPtr("every day")}, "cron"},
		{"missing name", CreateRequest{Type: "report.generate", IntervalSec: intPtr(60)}, "name"},
		{"bad template", CreateRequest{Name: "n", Type: registry.TypeToolExec, IntervalSec: intPtr(60)}, "command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, admin, tc.req)
			e := wantCode(t, err, apperr.CodeValidation)
			if !strings.Contains(e.Message, tc.want) {
				t.Fatalf("message %q does not mention %q", e.Message, tc.want)
			}
		})
	}
}

func TestScheduleQueueScoping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.Create(ctx, alpha, CreateRequest{Name: "n", Type: "report.generate", Queue: "beta", IntervalSec: intPtr(60)})
	e := wantCode(t, err, apperr.CodeForbidden)
	if got := e.Details["allowed_queues"].([]string); !slices.Equal(got, []string{"alpha"}) {
		t.Fatalf("allowed_queues = %v", got)
	}

	own, err := f.service.Create(ctx, alpha, CreateRequest{Name: "n", Type: "report.generate", Queue: "alpha", IntervalSec: intPtr(60)})
	if err != nil {
		t.Fatalf("create in alpha: %v", err)
	}
	_, err = f.service.Update(ctx, alpha, own.ID, UpdateRequest{Queue: strPtr("beta")})
	wantCode(t, err, apperr.CodeForbidden)

	other, err := f.service.Create(ctx, admin, CreateRequest{Name: "b", Type: "report.generate", Queue: "beta", IntervalSec: intPtr(60)})
	if err != nil {
		t.Fatalf("create in beta: %v", err)
	}
	_, err = f.service.Get(ctx, alpha, other.ID)
	wantCode(t, err, apperr.CodeNotFound)
	_, err = f.service.Update(ctx, alpha, other.ID, UpdateRequest{Enabled: boolPtr(false)})
	wantCode(t, err, apperr.CodeNotFound)

	list, err := f.service.List(ctx, alpha, ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != own.ID {
		t.Fatalf("alpha sees %d schedules", len(list))
	}
	_, err = f.service.List(ctx, alpha, ListQuery{Queue: "beta"})
	wantCode(t, err, apperr.CodeForbidden)
}

func TestTickFiresEachSlotOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.service.Create(ctx, admin, CreateRequest{
		Name: "nightly", Type: "report.generate", Queue: "alpha",
		Input: map[string]any{"source": "q"}, Priority: intPtr(7), IntervalSec: intPtr(60), RunNow: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fired, err := f.engine.Tick(ctx)
	if err != nil || fired != 1 {
		t.Fatalf("tick fired %d, err %v", fired, err)
	}
	jobs, err := f.store.ListJobs(ctx, store.JobFilter{Queues: []string{"alpha"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Type != "report.generate" || jobs[0].Priority != 7 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	after, err := f.service.Get(ctx, admin, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if deref(after.LastJobID) != jobs[0].ID || !after.NextRunAt.Equal(base.Add(61*time.Second)) {
		t.Fatalf("schedule not advanced: last_job=%v next=%v", after.LastJobID, after.NextRunAt)
	}

	if fired, _ := f.engine.Tick(ctx); fired != 0 {
		t.Fatalf("second tick fired %d", fired)
	}
	// A cooperating engine holding the stale slot replays the same job and
	// loses the conditional advance.
	ok, err := f.engine.fire(ctx, sc, base.Add(2*time.Second))
	if err != nil || ok {
		t.Fatalf("stale fire = %v, %v", ok, err)
	}
	jobs, _ = f.store.ListJobs(ctx, store.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("stale fire created %d jobs", len(jobs))
	}
	if got := len(f.sink.ofType(events.ScheduleFired)); got != 1 {
		t.Fatalf("schedule.fired published %d times", got)
	}
}

func TestChangedDefinitionDoesNotRefireSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.service.Create(ctx, admin, CreateRequest{
		Name: "n", Type: "report.generate", Queue: "alpha",
		Input: map[string]any{"source": "v2"}, IntervalSec: intPtr(60), RunNow: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The slot was already submitted with the previous input before the edit.
	earlier := requestFor(sc)
	earlier.Input = map[string]any{"source": "v1"}
	prior, err := f.engine.submitter.Submit(ctx, f.engine.principal, earlier, slotKey(sc))
	if err != nil {
		t.Fatalf("earlier submit: %v", err)
	}

	if fired, err := f.engine.Tick(ctx); err != nil || fired != 0 {
		t.Fatalf("tick fired %d, err %v", fired, err)
	}
	jobs, _ := f.store.ListJobs(ctx, store.JobFilter{})
	if len(jobs) != 1 || jobs[0].ID != prior.Jobs[0].ID {
		t.Fatalf("slot fired twice: %d jobs", len(jobs))
	}
	after, err := f.service.Get(ctx, admin, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.NextRunAt.Equal(base.Add(61*time.Second)) || after.FailureCount != 0 || after.LastError != nil {
		t.Fatalf("slot not skipped: next=%v failures=%d err=%v", after.NextRunAt, after.FailureCount, after.LastError)
	}
	if got := len(f.sink.ofType(events.ScheduleFailed)); got != 0 {
		t.Fatalf("schedule.failed published %d times", got)
	}
}

func TestSubmissionFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t, []string{"alpha"})
	ctx := context.Background()

	sc, err := f.service.Create(ctx, admin, CreateRequest{Name: "b", Type: "report.generate", Queue: "beta", IntervalSec: intPtr(60), RunNow: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if fired, err := f.engine.Tick(ctx); err != nil || fired != 0 {
			t.Fatalf("tick %d fired %d, err %v", i, fired, err)
		}
	}
	after, err := f.service.Get(ctx, admin, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.FailureCount != 2 || !strings.Contains(deref(after.LastError), "not allowed") {
		t.Fatalf("failure not recorded: count=%d err=%v", after.FailureCount, after.LastError)
	}
	if !after.Enabled || !after.NextRunAt.Equal(sc.NextRunAt) {
		t.Fatalf("failing schedule was disabled or advanced")
	}
	failed := f.sink.ofType(events.ScheduleFailed)
	if len(failed) != 2 || failed[0].Code != apperr.CodeForbidden || failed[0].ScheduleID != sc.ID {
		t.Fatalf("unexpected schedule.failed events %+v", failed)
	}
}

func TestUpdateRunNowKeepsCadence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.service.Create(ctx, admin, CreateRequest{Name: "n", Type: "report.generate", Cron: strPtr("@hourly")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	after, err := f.service.Update(ctx, admin, sc.ID, UpdateRequest{RunNow: true})
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if after.LastJobID == nil || !after.NextRunAt.Equal(sc.NextRunAt) {
		t.Fatalf("run_now changed cadence or did not fire: %+v", after)
	}
	if !after.NextRunAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("next_run_at = %v", after.NextRunAt)
	}
}

func TestNextRunIsStrictlyAfterNow(t *testing.T) {
	sc := models.Schedule{}
	sc.SetCron("*/5 * * * *")
	at := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	next, err := NextRun(sc, at)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(at.Add(5 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}

	sc.SetInterval(90)
	next, _ = NextRun(sc, at)
	if !next.Equal(at.Add(90 * time.Second)) {
		t.Fatalf("interval next = %v", next)
	}
}
