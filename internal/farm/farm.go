// Package farm hosts the dispatcher: it runs the cooperative poll loop that
// drives a rank's Master and Worker and executes the jobs handed to it.
package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/log"
)

const defaultPollInterval = 10 * time.Millisecond

// Executor runs one job. RunLocal shares one Executor between ranks, so
// implementations used there must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, job dispatch.JobID) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job dispatch.JobID) error

func (f ExecutorFunc) Execute(ctx context.Context, job dispatch.JobID) error { return f(ctx, job) }

// Plan describes a run. Every rank of the group must use the same Boss,
// IncludeBoss, and job set.
type Plan struct {
	Boss int
	// Jobs lists the job IDs explicitly. When nil, NTasks jobs numbered
	// 0..NTasks-1 are used.
	Jobs        []dispatch.JobID
	NTasks      int
	IncludeBoss bool
	// PollInterval is how long a pass that made no progress idles.
	PollInterval time.Duration
	// Observer is only used on the boss rank.
	Observer dispatch.Observer
	Logger   *slog.Logger
}

// Result is what one rank did.
type Result struct {
	Rank     int
	Executed []dispatch.JobID
	// DispatchMap is the full assignment map. Only set on the boss rank.
	DispatchMap map[dispatch.JobID]dispatch.WorkerID
}

// Run executes the plan for the rank c belongs to and returns once this
// rank's part is over: its worker (if any) has been finished and, on the
// boss, every worker has been sent Finish.
func Run(ctx context.Context, c comm.Comm, plan Plan, exec Executor) (*Result, error) {
	if exec == nil {
		return nil, errors.New("farm: nil executor")
	}
	if err := comm.CheckRank(plan.Boss, c.Size()); err != nil {
		return nil, fmt.Errorf("farm: boss: %w", err)
	}
	logger := plan.Logger
	if logger == nil {
		logger = log.WithComponent("farm")
	}
	logger = logger.With("rank", c.Rank())
	interval := plan.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	isBoss := c.Rank() == plan.Boss

	var m *dispatch.Master
	if isBoss {
		if plan.Observer != nil {
			opts = append(opts, dispatch.WithObserver(plan.Observer))
		}
		jobs := plan.Jobs
		if jobs == nil {
			if plan.NTasks < 0 {
				return nil, fmt.Errorf("farm: %w: negative job count %d", dispatch.ErrInvalidJob, plan.NTasks)
			}
			jobs = dispatch.AutorangeJobs(plan.NTasks)
		}
		var err error
		m, err = dispatch.NewMasterForJobs(c, jobs, plan.IncludeBoss, opts...)
		if err != nil {
			return nil, fmt.Errorf("farm: %w", err)
		}
		defer m.Close()
	}

	var w *dispatch.Worker
	if !isBoss || plan.IncludeBoss {
		var err error
		w, err = dispatch.NewWorker(c, dispatch.WorkerID(plan.Boss), opts...)
		if err != nil {
			return nil, fmt.Errorf("farm: %w", err)
		}
	}

	res := &Result{Rank: c.Rank(), Executed: []dispatch.JobID{}}
	start := time.Now()
	logger.Info("run started", "boss", plan.Boss, "size", c.Size(), "include_boss", plan.IncludeBoss)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progressed := false

		if m != nil {
			before := len(m.Queued())
			if err := m.Dispatch(ctx); err != nil {
				return nil, err
			}
			progressed = len(m.Queued()) < before
		}

		if w != nil && !w.IsFinished() {
			if err := w.PollStatus(); err != nil {
				return nil, err
			}
			if job, ok := w.CurrentJob(); ok {
				logger.Debug("executing job", "job_id", int(job))
				if err := exec.Execute(ctx, job); err != nil {
					return nil, fmt.Errorf("execute job %d on rank %d: %w", job, c.Rank(), err)
				}
				res.Executed = append(res.Executed, job)
				if err := w.ReportDone(); err != nil {
					return nil, err
				}
				progressed = true
			}
		}

		if m != nil {
			idle := len(m.Idle())
			if err := m.CheckWorkers(ctx); err != nil {
				return nil, err
			}
			progressed = progressed || len(m.Idle()) > idle
		}

		if (w == nil || w.IsFinished()) && (m == nil || m.Retired()) {
			break
		}
		if progressed {
			continue
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if m != nil {
		res.DispatchMap = m.DispatchMap()
	}
	logger.Info("run finished",
		"executed", len(res.Executed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
