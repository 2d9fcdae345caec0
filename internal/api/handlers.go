package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/farmhand/internal/audit"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Rank:          s.config.Rank,
		GroupSize:     s.config.GroupSize,
		LastEventID:   s.events.LastID(),
	})
}

// handleEventsPoll handles GET /v1/events?since=N. It never blocks.
func (s *Server) handleEventsPoll(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	evs := s.events.SnapshotSince(since)
	next := since
	if len(evs) > 0 {
		next = evs[len(evs)-1].ID
	}
	respondJSON(w, http.StatusOK, EventsResponse{Events: evs, Next: next})
}

// handleLatestRun handles GET /v1/runs/latest.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "auditing is disabled")
		return
	}
	run, err := s.runs.LatestRun(r.Context())
	if err != nil {
		s.runError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: *run})
}

// handleGetRun handles GET /v1/runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "auditing is disabled")
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.runError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: *run})
}

// handleAssignments handles GET /v1/runs/{runID}/assignments.
func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "auditing is disabled")
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		s.runError(w, err)
		return
	}

	list, err := s.runs.Assignments(r.Context(), runID)
	if err != nil {
		s.runError(w, err)
		return
	}
	if list == nil {
		list = []audit.Assignment{}
	}
	byWorker := make(map[int]int)
	for _, a := range list {
		byWorker[a.WorkerID]++
	}
	respondJSON(w, http.StatusOK, AssignmentsResponse{RunID: runID, Assignments: list, ByWorker: byWorker})
}

func (s *Server) runError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("failed to read run ledger", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to read run ledger")
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
