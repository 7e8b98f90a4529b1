package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"automation-backend/internal/admission"
	"automation-backend/internal/apperr"
	"automation-backend/internal/jobs"
	"automation-backend/internal/metrics"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

type submitRequest struct {
	admission.Request
	IdempotencyKey string `json:"idempotency_key"`
}

type submitResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

type createdJob struct {
	Kind string     `json:"kind"`
	Job  models.Job `json:"job"`
}

type batchResponse struct {
	Jobs    []createdJob `json:"jobs"`
	Created bool         `json:"created"`
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return body
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Admission.Submit(r.Context(), principalFrom(r.Context()), req.Request, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, createdStatus(res.Created), submitResponse{Job: res.Jobs[0], Created: res.Created})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req admission.BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	res, err := s.Admission.SubmitBatch(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, createdStatus(res.Created), batchResponse{Jobs: withKinds(res), Created: res.Created})
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req admission.IntentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	res, err := s.Admission.SubmitIntent(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, createdStatus(res.Created), batchResponse{Jobs: withKinds(res), Created: res.Created})
}

func withKinds(res admission.Result) []createdJob {
	out := make([]createdJob, len(res.Jobs))
	for i, job := range res.Jobs {
		out[i] = createdJob{Kind: admission.KindIntent, Job: job}
		if i < len(res.Kinds) {
			out[i].Kind = res.Kinds[i]
		}
	}
	return out
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := s.Jobs.List(r.Context(), principalFrom(r.Context()), jobs.ListQuery{
		Queue:  q.Get("queue"),
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Cancel(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.Jobs.Events(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": logs})
}

// handleStream writes server-sent events: the job snapshot first, then the
// job after every change until it reaches a terminal state. Hub events are
// hints; the job is always re-read, and a poll covers missed events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	if !p.SSE {
		s.writeError(w, r, apperr.New(apperr.CodeForbidden, "this key is not allowed to open streams", nil))
		return
	}
	id := chi.URLParam(r, "id")
	var hints <-chan struct{}
	if s.Hub != nil {
		sub := s.Hub.Subscribe(id)
		defer sub.Close()
		hints = eventHints(sub.C())
	}
	job, err := s.Jobs.Get(ctx, p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", job); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	last := job
	for !models.IsTerminal(last.Status) {
		select {
		case <-ctx.Done():
			return
		case <-hints:
		case <-ticker.C:
		}
		current, err := s.Jobs.Get(ctx, p, id)
		if err != nil {
			return
		}
		if current.UpdatedAt.Equal(last.UpdatedAt) && current.Status == last.Status {
			continue
		}
		if err := writeEvent(w, "update", current); err != nil {
			return
		}
		flusher.Flush()
		last = current
	}
}

// eventHints turns a subscription into a wake-up channel that never blocks the hub.
func eventHints[T any](in <-chan T) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range in {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}

func writeEvent(w http.ResponseWriter, event string, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := metrics.Query{Queue: r.URL.Query().Get("queue")}
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			s.writeError(w, r, apperr.Validation("window must be a positive duration such as 15m"))
			return
		}
		q.Window = window
	}
	report, err := s.Aggregator.Report(r.Context(), principalFrom(r.Context()), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type jobTypeView struct {
	Type     string            `json:"type"`
	Enabled  bool              `json:"enabled"`
	Defaults registry.Defaults `json:"defaults"`
}

// handleJobTypes lists the registered job types and their execution defaults.
func (s *Server) handleJobTypes(w http.ResponseWriter, r *http.Request) {
	items := []jobTypeView{}
	if s.Registry != nil {
		for _, def := range s.Registry.Types() {
			items = append(items, jobTypeView{Type: def.Type, Enabled: def.Enabled, Defaults: def.Defaults})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDLQ lists dead-lettered jobs visible to the caller.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	if s.DLQ == nil {
		list, err := s.Jobs.List(ctx, p, jobs.ListQuery{Status: models.StatusFailed, Limit: 100})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list})
		return
	}
	ids, err := s.DLQ.DLQPeek(ctx, 100)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read dlq: %w", err))
		return
	}
	items := []models.Job{}
	for _, id := range ids {
		job, err := s.Jobs.Get(ctx, p, id)
		if apperr.IsCode(err, apperr.CodeNotFound) {
			continue
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = append(items, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
