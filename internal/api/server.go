// Package api is the HTTP transport in front of the job engine: API key
// authentication, JSON request decoding and the {"error": {...}} envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"automation-backend/internal/admission"
	"automation-backend/internal/apperr"
	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/jobs"
	"automation-backend/internal/metrics"
	"automation-backend/internal/queue"
	"automation-backend/internal/registry"
	"automation-backend/internal/schedule"
	"automation-backend/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Deps are the engine components served over HTTP.
type Deps struct {
	Config     config.Config
	Admission  *admission.Pipeline
	Jobs       *jobs.Service
	Schedules  *schedule.Service
	Aggregator *metrics.Aggregator
	Registry   *registry.Registry
	// Hub feeds job streams; without it streams poll.
	Hub *events.Hub
	// DLQ lists dead-lettered ids; without it GET /dlq lists failed jobs.
	DLQ     queue.DeadLetters
	Metrics *telemetry.Metrics
	Health  func(ctx context.Context) error
	Logger  *slog.Logger
}

// Server wires HTTP handlers for the job engine.
type Server struct {
	Deps
	keys         keyring
	pollInterval time.Duration
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{Deps: deps, keys: newKeyring(deps.Config.APIKeys), pollInterval: 2 * time.Second}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.Mount("/metrics", s.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/batch", s.handleSubmitBatch)
		r.Post("/jobs/intent", s.handleSubmitIntent)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
		r.Get("/jobs/{id}/stream", s.handleStream)

		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Get("/schedules/{id}", s.handleGetSchedule)
		r.Patch("/schedules/{id}", s.handleUpdateSchedule)

		r.Get("/job-types", s.handleJobTypes)
		r.Get("/stats", s.handleStats)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorEnvelope struct {
	Error *apperr.Error `json:"error"`
}

// writeError renders err in the error envelope. Errors without a code are
// logged and reported as INTERNAL.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		e = apperr.New(apperr.CodeInternal, "internal error", nil)
	}
	writeJSON(w, apperr.HTTPStatus(e.Code), errorEnvelope{Error: e})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return apperr.Validation("request body is empty")
	case errors.As(err, &tooLarge):
		return apperr.Validation("request body exceeds %d bytes", maxBodyBytes)
	default:
		return apperr.Validation("invalid json body: %v", err)
	}
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return v, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Validation("%s must be true or false", name)
	}
	return &v, nil
}
