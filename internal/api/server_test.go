package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automation-backend/internal/admission"
	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/jobs"
	"automation-backend/internal/metrics"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
	"automation-backend/internal/schedule"
	"automation-backend/internal/store"
	"automation-backend/internal/store/sqlite"
)

const (
	adminKey = "admin-key"
	readKey  = "read-key"
	alphaKey = "alpha-key"
)

type testServer struct {
	store   *sqlite.Store
	jobs    *jobs.Service
	handler http.Handler
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Defaults{TimeoutSec: 300, MaxAttempts: 3})
	registry.RegisterBuiltins(reg, nil)

	hub := events.NewHub()
	pipeline := admission.New(st, reg, admission.Options{Sink: hub, Logger: logger})
	jobSvc := jobs.NewService(st, hub, logger)
	engine := schedule.NewEngine(st, pipeline, schedule.EngineOptions{Sink: hub, Logger: logger})

	cfg := config.Config{APIKeys: []config.APIKey{
		{Key: adminKey, Name: "ops", Role: models.RoleAdmin, SSE: true},
		{Key: readKey, Name: "viewer", Role: models.RoleRead},
		{Key: alphaKey, Name: "alpha-team", Role: models.RoleAdmin, Queues: []string{"alpha"}},
	}}
	srv := New(Deps{
		Config:     cfg,
		Admission:  pipeline,
		Jobs:       jobSvc,
		Schedules:  schedule.NewService(st, reg, engine, logger),
		Aggregator: metrics.NewAggregator(metrics.NewMemoryCounters(), st, metrics.Thresholds{}, logger),
		Registry:   reg,
		Hub:        hub,
		Health:     st.Ping,
		Logger:     logger,
	})
	srv.pollInterval = 20 * time.Millisecond
	return testServer{store: st, jobs: jobSvc, handler: srv.Router()}
}

func (ts testServer) do(t *testing.T, method, path, key, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func wantError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Error.Code != code {
		t.Fatalf("error code = %q, want %q", body.Error.Code, code)
	}
	return body
}

func jobBody(queue string) string {
	return fmt.Sprintf(`{"type":"tool.exec","queue":%q,"input":{"command":"echo hi"}}`, queue)
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)

	wantError(t, ts.do(t, http.MethodGet, "/jobs", "", ""), http.StatusUnauthorized, "UNAUTHORIZED")
	wantError(t, ts.do(t, http.MethodGet, "/jobs", "nope", ""), http.StatusUnauthorized, "UNAUTHORIZED")
	wantError(t, ts.do(t, http.MethodPost, "/jobs", readKey, jobBody("beta")), http.StatusForbidden, "FORBIDDEN")

	rec := ts.do(t, http.MethodGet, "/jobs", "", "", "X-API-Key", readKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("read key via X-API-Key: status %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	first := ts.do(t, http.MethodPost, "/jobs", adminKey, jobBody("beta"), "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first submit status = %d: %s", first.Code, first.Body.String())
	}
	created := decode[submitResponse](t, first)
	if !created.Created || created.Job.Status != models.StatusQueued {
		t.Fatalf("unexpected first response %+v", created)
	}

	replay := ts.do(t, http.MethodPost, "/jobs", adminKey, jobBody("beta"), "Idempotency-Key", "k-1")
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status = %d", replay.Code)
	}
	again := decode[submitResponse](t, replay)
	if again.Created || again.Job.ID != created.Job.ID {
		t.Fatalf("replay returned %+v, want job %s", again, created.Job.ID)
	}

	wantError(t, ts.do(t, http.MethodPost, "/jobs", adminKey, jobBody("gamma"), "Idempotency-Key", "k-1"),
		http.StatusConflict, "IDEMPOTENCY_KEY_REUSE_MISMATCH")
}

func TestQueueScoping(t *testing.T) {
	ts := newTestServer(t)

	body := wantError(t, ts.do(t, http.MethodPost, "/jobs", alphaKey, jobBody("beta")), http.StatusForbidden, "FORBIDDEN")
	allowed, _ := body.Error.Details["allowed_queues"].([]any)
	if len(allowed) != 1 || allowed[0] != "alpha" {
		t.Fatalf("allowed_queues = %v", body.Error.Details["allowed_queues"])
	}

	beta := decode[submitResponse](t, ts.do(t, http.MethodPost, "/jobs", adminKey, jobBody("beta")))
	wantError(t, ts.do(t, http.MethodGet, "/jobs/"+beta.Job.ID, alphaKey, ""), http.StatusNotFound, "NOT_FOUND")
	wantError(t, ts.do(t, http.MethodPost, "/jobs/"+beta.Job.ID+"/cancel", alphaKey, ""), http.StatusNotFound, "NOT_FOUND")

	alpha := ts.do(t, http.MethodPost, "/jobs", alphaKey, jobBody("alpha"))
	if alpha.Code != http.StatusCreated {
		t.Fatalf("alpha submit status = %d", alpha.Code)
	}
	list := decode[struct {
		Jobs []models.Job `json:"jobs"`
	}](t, ts.do(t, http.MethodGet, "/jobs", alphaKey, ""))
	if len(list.Jobs) != 1 || list.Jobs[0].Queue != "alpha" {
		t.Fatalf("alpha key listed %+v", list.Jobs)
	}
	wantError(t, ts.do(t, http.MethodGet, "/jobs?queue=beta", alphaKey, ""), http.StatusForbidden, "FORBIDDEN")
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	wantError(t, ts.do(t, http.MethodPost, "/jobs", adminKey, "{"), http.StatusBadRequest, "VALIDATION_ERROR")
	wantError(t, ts.do(t, http.MethodPost, "/jobs", adminKey, ""), http.StatusBadRequest, "VALIDATION_ERROR")
	wantError(t, ts.do(t, http.MethodPost, "/jobs", adminKey, `{"type":"tool.exec","input":{}}`), http.StatusBadRequest, "VALIDATION_ERROR")
	wantError(t, ts.do(t, http.MethodGet, "/jobs?limit=x", adminKey, ""), http.StatusBadRequest, "VALIDATION_ERROR")
	wantError(t, ts.do(t, http.MethodGet, "/stats?window=soon", adminKey, ""), http.StatusBadRequest, "VALIDATION_ERROR")
	wantError(t, ts.do(t, http.MethodGet, "/jobs/missing", adminKey, ""), http.StatusNotFound, "NOT_FOUND")
}

func TestBatchAndIntent(t *testing.T) {
	ts := newTestServer(t)

	batch := `{"jobs":[` + jobBody("beta") + `,{"type":"tool.exec","queue":"beta","input":{"command":"ls"},"depends_on_idx":[1]}]}`
	rec := ts.do(t, http.MethodPost, "/jobs/batch", adminKey, batch)
	if rec.Code != http.StatusCreated {
		t.Fatalf("batch status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[batchResponse](t, rec)
	if len(res.Jobs) != 2 || len(res.Jobs[1].Job.DependsOn) != 1 || res.Jobs[1].Job.DependsOn[0] != res.Jobs[0].Job.ID {
		t.Fatalf("unexpected batch %+v", res.Jobs)
	}

	intent := `{"text":"list the files","jobs":[{"type":"tool.exec","queue":"beta","input":{"command":"ls -la"}}]}`
	rec = ts.do(t, http.MethodPost, "/jobs/intent", adminKey, intent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("intent status = %d: %s", rec.Code, rec.Body.String())
	}
	res = decode[batchResponse](t, rec)
	if len(res.Jobs) != 2 || res.Jobs[0].Kind != admission.KindToolDoc || res.Jobs[1].Kind != admission.KindIntent {
		t.Fatalf("unexpected intent %+v", res.Jobs)
	}
}

func TestSchedulesScopedToQueues(t *testing.T) {
	ts := newTestServer(t)

	create := `{"name":"nightly","type":"tool.exec","queue":%q,"input":{"command":"date"},"interval_sec":60}`
	wantError(t, ts.do(t, http.MethodPost, "/schedules", alphaKey, fmt.Sprintf(create, "beta")),
		http.StatusForbidden, "FORBIDDEN")

	rec := ts.do(t, http.MethodPost, "/schedules", alphaKey, fmt.Sprintf(create, "alpha"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	sc := decode[struct {
		Schedule models.Schedule `json:"schedule"`
	}](t, rec).Schedule

	wantError(t, ts.do(t, http.MethodPatch, "/schedules/"+sc.ID, alphaKey, `{"queue":"beta"}`),
		http.StatusForbidden, "FORBIDDEN")
	wantError(t, ts.do(t, http.MethodPatch, "/schedules/"+sc.ID, alphaKey, `{"interval_sec":30,"cron":"* * * * *"}`),
		http.StatusBadRequest, "VALIDATION_ERROR")

	rec = ts.do(t, http.MethodPatch, "/schedules/"+sc.ID, alphaKey, `{"cron":"*/5 * * * *"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	patched := decode[struct {
		Schedule models.Schedule `json:"schedule"`
	}](t, rec).Schedule
	if patched.IntervalSec != nil || patched.Cron == nil {
		t.Fatalf("cadence not switched: %+v", patched)
	}

	list := decode[struct {
		Schedules []models.Schedule `json:"schedules"`
	}](t, ts.do(t, http.MethodGet, "/schedules?enabled=true", readKey, ""))
	if len(list.Schedules) != 1 {
		t.Fatalf("listed %d schedules, want 1", len(list.Schedules))
	}
	wantError(t, ts.do(t, http.MethodGet, "/schedules?enabled=maybe", readKey, ""), http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestStreamRequiresSSE(t *testing.T) {
	ts := newTestServer(t)
	job := decode[submitResponse](t, ts.do(t, http.MethodPost, "/jobs", alphaKey, jobBody("alpha"))).Job

	wantError(t, ts.do(t, http.MethodGet, "/jobs/"+job.ID+"/stream", alphaKey, ""), http.StatusForbidden, "FORBIDDEN")
}

func TestStreamSendsSnapshotThenUpdates(t *testing.T) {
	ts := newTestServer(t)
	job := decode[submitResponse](t, ts.do(t, http.MethodPost, "/jobs", adminKey, jobBody("beta"))).Job

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/jobs/"+job.ID+"/stream", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	name, snapshot := readEvent(t, reader)
	if name != "snapshot" || snapshot.Status != models.StatusQueued {
		t.Fatalf("first event %s %+v", name, snapshot)
	}

	admin := models.Principal{Name: "ops", Role: models.RoleAdmin}
	if _, err := ts.jobs.Cancel(ctx, admin, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	name, update := readEvent(t, reader)
	if name != "update" || update.Status != models.StatusCancelled {
		t.Fatalf("second event %s %+v", name, update)
	}
	if _, err := reader.ReadString('\n'); !errors.Is(err, io.EOF) {
		t.Fatalf("stream should end after a terminal state, got %v", err)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (string, models.Job) {
	t.Helper()
	var name string
	var job models.Job
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &job); err != nil {
				t.Fatalf("decode event data: %v", err)
			}
		case line == "":
			return name, job
		}
	}
}

func TestJobTypes(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/job-types", readKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	items := decode[struct {
		Items []jobTypeView `json:"items"`
	}](t, rec).Items
	if len(items) == 0 {
		t.Fatal("expected the builtin job types")
	}
	var found bool
	for i, it := range items {
		if i > 0 && items[i-1].Type >= it.Type {
			t.Fatalf("job types not sorted: %q before %q", items[i-1].Type, it.Type)
		}
		if it.Type == registry.TypeToolExec {
			found = it.Enabled && it.Defaults.TimeoutSec > 0 && it.Defaults.MaxAttempts > 0
		}
	}
	if !found {
		t.Fatalf("tool.exec missing or without defaults: %+v", items)
	}
	wantError(t, ts.do(t, http.MethodGet, "/job-types", "", ""), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestDLQFallsBackToFailedJobs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	body := `{"type":"tool.exec","queue":"alpha","max_attempts":1,"input":{"command":"false"}}`
	job := decode[submitResponse](t, ts.do(t, http.MethodPost, "/jobs", adminKey, body)).Job
	other := decode[submitResponse](t, ts.do(t, http.MethodPost, "/jobs", adminKey,
		`{"type":"tool.exec","queue":"beta","max_attempts":1,"input":{"command":"false"}}`)).Job

	now := time.Now().UTC()
	for range 2 {
		claimed, ok, err := ts.store.ClaimNext(ctx, store.ClaimParams{WorkerID: "w1", Now: now, Lease: time.Minute})
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		status, _, err := ts.store.FailAttempt(ctx, store.FailAttemptParams{
			ID:    claimed.ID,
			Error: models.JobError{Code: models.CodeExecutionFailed, Message: "exit status 1"},
			Now:   now,
		})
		if err != nil || status != models.StatusFailed {
			t.Fatalf("fail attempt: status=%s err=%v", status, err)
		}
	}

	items := decode[struct {
		Items []models.Job `json:"items"`
	}](t, ts.do(t, http.MethodGet, "/dlq", alphaKey, "")).Items
	if len(items) != 1 || items[0].ID != job.ID {
		t.Fatalf("alpha dlq = %+v, want only %s (not %s)", items, job.ID, other.ID)
	}
}
