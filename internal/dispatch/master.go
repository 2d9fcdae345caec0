package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

// Master assigns jobs to workers and retires them once the job pool is empty.
// All state is owned by the goroutine calling its methods.
type Master struct {
	comm    comm.Comm
	workers []WorkerID
	index   map[WorkerID]int
	known   map[JobID]struct{}

	// stacks: the top is the last element
	jobs []JobID
	idle []WorkerID

	acks       []comm.Request // per worker index; nil unless an idle report is awaited
	finished   []bool
	finishReqs []comm.Request
	dispatched map[JobID]WorkerID

	observer Observer
	logger   *slog.Logger
}

// NewMaster is the canonical constructor. workers and jobs are offered in
// the order given.
func NewMaster(c comm.Comm, workers []WorkerID, jobs []JobID, opts ...Option) (*Master, error) {
	o := buildOptions(opts)
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}

	index := make(map[WorkerID]int, len(workers))
	for i, w := range workers {
		if err := comm.CheckRank(int(w), c.Size()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWorker, err)
		}
		if _, dup := index[w]; dup {
			return nil, fmt.Errorf("%w: %d listed twice", ErrInvalidWorker, w)
		}
		index[w] = i
	}

	known := make(map[JobID]struct{}, len(jobs))
	for _, j := range jobs {
		if j < 0 {
			return nil, fmt.Errorf("%w: negative id %d", ErrInvalidJob, j)
		}
		if _, dup := known[j]; dup {
			return nil, fmt.Errorf("%w: %d listed twice", ErrInvalidJob, j)
		}
		known[j] = struct{}{}
	}

	m := &Master{
		comm:       c,
		workers:    append([]WorkerID(nil), workers...),
		index:      index,
		known:      known,
		jobs:       make([]JobID, 0, len(jobs)),
		idle:       make([]WorkerID, 0, len(workers)),
		acks:       make([]comm.Request, len(workers)),
		finished:   make([]bool, len(workers)),
		finishReqs: make([]comm.Request, len(workers)),
		dispatched: make(map[JobID]WorkerID, len(jobs)),
		observer:   o.observer,
		logger:     o.logger.With("role", "master", "rank", c.Rank()),
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		m.jobs = append(m.jobs, jobs[i])
	}
	for i := len(workers) - 1; i >= 0; i-- {
		m.idle = append(m.idle, workers[i])
	}

	m.logger.Info("master ready", "workers", len(workers), "jobs", len(jobs))
	return m, nil
}

// NewMasterN numbers jobs 0..ntasks-1 and uses every rank of the group as a
// worker, leaving out the master's own rank unless includeBoss is set.
func NewMasterN(c comm.Comm, ntasks int, includeBoss bool, opts ...Option) (*Master, error) {
	if ntasks < 0 {
		return nil, fmt.Errorf("%w: negative job count %d", ErrInvalidJob, ntasks)
	}
	return NewMasterForJobs(c, AutorangeJobs(ntasks), includeBoss, opts...)
}

// NewMasterForJobs takes an explicit job list and auto-ranges the workers.
func NewMasterForJobs(c comm.Comm, jobs []JobID, includeBoss bool, opts ...Option) (*Master, error) {
	workers, err := AutorangeWorkers(c.Rank(), c.Size(), includeBoss)
	if err != nil {
		return nil, err
	}
	return NewMaster(c, workers, jobs, opts...)
}

// OrderWorker sends job to worker and waits until the transport has taken
// the order. From then on the job is assigned: it leaves the job stack, the
// worker leaves the idle stack, and the dispatch map records the pair even
// if arming the idle listen or the observer fails afterwards.
func (m *Master) OrderWorker(ctx context.Context, worker WorkerID, job JobID) error {
	idx, ok := m.index[worker]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, worker)
	}
	if _, ok := m.known[job]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, job)
	}
	if prev, done := m.dispatched[job]; done {
		return fmt.Errorf("%w: job %d is on worker %d", ErrAlreadyDispatched, job, prev)
	}
	if m.finished[idx] {
		return fmt.Errorf("%w: %d", ErrWorkerRetired, worker)
	}
	if !slices.Contains(m.idle, worker) {
		return fmt.Errorf("%w: %d", ErrWorkerBusy, worker)
	}

	req, err := m.comm.Isend(int(worker), protocol.TagWork, protocol.EncodeJobID(int(job)))
	if err != nil {
		return fmt.Errorf("order job %d to worker %d: %w", job, worker, err)
	}
	if err := req.Wait(ctx); err != nil {
		return fmt.Errorf("order job %d to worker %d: %w", job, worker, err)
	}
	m.dispatched[job] = worker
	m.jobs = remove(m.jobs, job)
	m.idle = remove(m.idle, worker)

	ack, err := m.comm.Irecv(int(worker), protocol.TagPending)
	if err != nil {
		return fmt.Errorf("listen for worker %d: %w", worker, err)
	}
	m.acks[idx] = ack

	m.logger.Debug("ordered worker", "worker", int(worker), "job_id", int(job))
	if err := m.observer.Dispatched(ctx, job, worker); err != nil {
		return fmt.Errorf("observe dispatch of job %d: %w", job, err)
	}
	return nil
}

// Dispatch pairs idle workers with queued jobs until either runs out.
func (m *Master) Dispatch(ctx context.Context) error {
	for len(m.idle) > 0 && len(m.jobs) > 0 {
		worker := m.idle[len(m.idle)-1]
		job := m.jobs[len(m.jobs)-1]
		if err := m.OrderWorker(ctx, worker, job); err != nil {
			return err
		}
	}
	return nil
}

// remove deletes the element nearest the top of stack equal to v.
func remove[T comparable](stack []T, v T) []T {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == v {
			return slices.Delete(stack, i, i+1)
		}
	}
	return stack
}

// CheckWorkers is one polling pass. While jobs remain it moves workers that
// reported idle back onto the idle stack. Once the job stack is empty it
// sends Finish to every worker that has not had one yet.
func (m *Master) CheckWorkers(ctx context.Context) error {
	if len(m.jobs) > 0 {
		for i := 0; i < len(m.workers) && len(m.jobs) > 0; i++ {
			ack := m.acks[i]
			if ack == nil {
				continue
			}
			done, err := ack.Test()
			if err != nil {
				return fmt.Errorf("poll worker %d: %w", m.workers[i], err)
			}
			if !done {
				continue
			}
			// One acknowledgment frees the worker once.
			m.acks[i] = nil
			m.idle = append(m.idle, m.workers[i])
			m.logger.Debug("worker idle", "worker", int(m.workers[i]))
			if err := m.observer.Released(ctx, m.workers[i]); err != nil {
				return fmt.Errorf("observe release of worker %d: %w", m.workers[i], err)
			}
		}
		return nil
	}

	for i, w := range m.workers {
		if m.finished[i] {
			continue
		}
		req, err := m.comm.Isend(int(w), protocol.TagFinish, nil)
		if err != nil {
			return fmt.Errorf("finish worker %d: %w", w, err)
		}
		m.finished[i] = true
		m.finishReqs[i] = req
		m.logger.Debug("worker finish sent", "worker", int(w))
		if err := m.observer.Retired(ctx, w); err != nil {
			return fmt.Errorf("observe retirement of worker %d: %w", w, err)
		}
	}

	for i, req := range m.finishReqs {
		if req == nil {
			continue
		}
		if done, err := req.Test(); done && err != nil {
			return fmt.Errorf("finish worker %d: %w", m.workers[i], err)
		}
	}
	return nil
}

// Retired reports whether every worker has been sent Finish and the
// transport has accepted each of those messages.
func (m *Master) Retired() bool {
	for i := range m.workers {
		if !m.finished[i] {
			return false
		}
		if done, err := m.finishReqs[i].Test(); !done || err != nil {
			return false
		}
	}
	return true
}

// DispatchMap returns a copy of the job -> worker assignments so far.
func (m *Master) DispatchMap() map[JobID]WorkerID {
	out := make(map[JobID]WorkerID, len(m.dispatched))
	for j, w := range m.dispatched {
		out[j] = w
	}
	return out
}

// Queued returns the unassigned jobs in the order they will be handed out.
func (m *Master) Queued() []JobID {
	out := make([]JobID, 0, len(m.jobs))
	for i := len(m.jobs) - 1; i >= 0; i-- {
		out = append(out, m.jobs[i])
	}
	return out
}

// Idle returns the workers believed idle, next-to-be-ordered first.
func (m *Master) Idle() []WorkerID {
	out := make([]WorkerID, 0, len(m.idle))
	for i := len(m.idle) - 1; i >= 0; i-- {
		out = append(out, m.idle[i])
	}
	return out
}

// Workers returns the configured worker set in configuration order.
func (m *Master) Workers() []WorkerID {
	return append([]WorkerID(nil), m.workers...)
}

// Close withdraws acknowledgment listens still outstanding after the run.
func (m *Master) Close() {
	for i, ack := range m.acks {
		if ack != nil {
			ack.Cancel()
			m.acks[i] = nil
		}
	}
}
