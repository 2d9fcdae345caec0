package api

import (
	"github.com/mattjoyce/farmhand/internal/audit"
	"github.com/mattjoyce/farmhand/internal/events"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Rank          int    `json:"rank"`
	GroupSize     int    `json:"group_size"`
	LastEventID   int64  `json:"last_event_id"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	// Next is the since value that continues after this page.
	Next int64 `json:"next"`
}

// RunResponse is returned by GET /v1/runs/latest and /v1/runs/{runID}.
type RunResponse struct {
	Run audit.Run `json:"run"`
}

// AssignmentsResponse is returned by GET /v1/runs/{runID}/assignments.
type AssignmentsResponse struct {
	RunID       string             `json:"run_id"`
	Assignments []audit.Assignment `json:"assignments"`
	// ByWorker counts assignments per worker rank.
	ByWorker map[int]int `json:"by_worker"`
}
