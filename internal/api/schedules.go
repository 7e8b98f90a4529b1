package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"automation-backend/internal/schedule"
)

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.Schedules.Create(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": sc})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Schedules.List(r.Context(), principalFrom(r.Context()), schedule.ListQuery{
		Queue:   r.URL.Query().Get("queue"),
		Enabled: enabled,
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.Schedules.Get(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sc})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.UpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.Schedules.Update(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sc})
}
