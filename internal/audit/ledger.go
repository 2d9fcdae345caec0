// Package audit records dispatch runs and their job assignments in SQLite.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/farmhand/internal/dispatch"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	GroupSize   int        `json:"group_size"`
	Boss        int        `json:"boss"`
	IncludeBoss bool       `json:"include_boss"`
	Jobs        int        `json:"jobs"`
	ConfigHash  string     `json:"config_hash,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Assignment records that a job was handed to a worker.
type Assignment struct {
	RunID        string    `json:"run_id"`
	JobID        int       `json:"job_id"`
	WorkerID     int       `json:"worker_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// RunSpec describes a run about to start.
type RunSpec struct {
	GroupSize   int
	Boss        int
	IncludeBoss bool
	Jobs        int
	ConfigHash  string
}

// Ledger persists runs and assignments.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// BeginRun inserts a running row and returns its generated ID.
func (l *Ledger) BeginRun(ctx context.Context, spec RunSpec) (*Run, error) {
	run := &Run{
		ID:          uuid.NewString(),
		StartedAt:   l.now().UTC(),
		Status:      StatusRunning,
		GroupSize:   spec.GroupSize,
		Boss:        spec.Boss,
		IncludeBoss: spec.IncludeBoss,
		Jobs:        spec.Jobs,
		ConfigHash:  spec.ConfigHash,
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, started_at, status, group_size, boss, include_boss, jobs, config_hash)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, run.ID, run.StartedAt.Format(time.RFC3339Nano), run.Status, run.GroupSize, run.Boss,
		boolInt(run.IncludeBoss), run.Jobs, nullString(run.ConfigHash))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordAssignment stores one dispatch. A job is assigned at most once per run.
func (l *Ledger) RecordAssignment(ctx context.Context, runID string, job dispatch.JobID, worker dispatch.WorkerID) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO assignments(run_id, job_id, worker_id, dispatched_at)
VALUES(?, ?, ?, ?);
`, runID, int(job), int(worker), l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert assignment for job %d: %w", job, err)
	}
	return nil
}

// FinishRun closes a run. A nil runErr marks it succeeded.
func (l *Ledger) FinishRun(ctx context.Context, runID string, runErr error) error {
	status := StatusSucceeded
	var lastErr sql.NullString
	if runErr != nil {
		status = StatusFailed
		lastErr = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := l.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, status = ?, last_error = ?
WHERE id = ? AND status = ?;
`, l.now().UTC().Format(time.RFC3339Nano), status, lastErr, runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %q is not running: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns one run by ID.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	row := l.db.QueryRowContext(ctx, `
SELECT id, started_at, finished_at, status, group_size, boss, include_boss, jobs, config_hash, last_error
FROM runs WHERE id = ?;
`, runID)
	return scanRun(row)
}

// LatestRun returns the most recently started run.
func (l *Ledger) LatestRun(ctx context.Context) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, started_at, finished_at, status, group_size, boss, include_boss, jobs, config_hash, last_error
FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1;
`)
	return scanRun(row)
}

// Assignments lists a run's assignments in job order.
func (l *Ledger) Assignments(ctx context.Context, runID string) ([]Assignment, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT run_id, job_id, worker_id, dispatched_at
FROM assignments WHERE run_id = ?
ORDER BY job_id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var at string
		if err := rows.Scan(&a.RunID, &a.JobID, &a.WorkerID, &at); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if a.DispatchedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse dispatched_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

// Observer returns a dispatch.Observer that records every dispatch of runID.
func (l *Ledger) Observer(runID string) dispatch.Observer {
	return ledgerObserver{ledger: l, runID: runID}
}

type ledgerObserver struct {
	ledger *Ledger
	runID  string
}

func (o ledgerObserver) Dispatched(ctx context.Context, job dispatch.JobID, worker dispatch.WorkerID) error {
	return o.ledger.RecordAssignment(ctx, o.runID, job, worker)
}

func (ledgerObserver) Released(context.Context, dispatch.WorkerID) error { return nil }
func (ledgerObserver) Retired(context.Context, dispatch.WorkerID) error  { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		startedAt  string
		finishedAt sql.NullString
		include    int
		configHash sql.NullString
		lastErr    sql.NullString
	)
	err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.GroupSize, &r.Boss,
		&include, &r.Jobs, &configHash, &lastErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	r.IncludeBoss = include != 0
	r.ConfigHash = configHash.String
	r.LastError = lastErr.String
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
