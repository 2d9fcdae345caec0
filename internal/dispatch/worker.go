package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

// Worker is one execution slot. It is driven entirely by PollStatus and
// ReportDone and must only be used from one goroutine.
type Worker struct {
	comm   comm.Comm
	id     WorkerID
	boss   WorkerID
	status Status
	job    JobID

	workReq   comm.Request
	finishReq comm.Request
	// idle acknowledgments not yet confirmed by the transport
	acks []comm.Request

	logger *slog.Logger
}

// NewWorker arms the Work and Finish listens against boss.
func NewWorker(c comm.Comm, boss WorkerID, opts ...Option) (*Worker, error) {
	o := buildOptions(opts)
	if err := comm.CheckRank(int(boss), c.Size()); err != nil {
		return nil, fmt.Errorf("boss address: %w", err)
	}

	work, err := c.Irecv(int(boss), protocol.TagWork)
	if err != nil {
		return nil, fmt.Errorf("listen for work: %w", err)
	}
	finish, err := c.Irecv(int(boss), protocol.TagFinish)
	if err != nil {
		work.Cancel()
		return nil, fmt.Errorf("listen for finish: %w", err)
	}

	id := WorkerID(c.Rank())
	return &Worker{
		comm:      c,
		id:        id,
		boss:      boss,
		status:    StatusPending,
		workReq:   work,
		finishReq: finish,
		logger:    o.logger.With("role", "worker", "rank", int(id)),
	}, nil
}

// ID returns this worker's rank.
func (w *Worker) ID() WorkerID { return w.id }

// Status returns the current state.
func (w *Worker) Status() Status { return w.status }

// IsWorking reports whether a job has been received and not yet reported done.
func (w *Worker) IsWorking() bool { return w.status == StatusWorking }

// IsFinished reports whether the worker has been retired.
func (w *Worker) IsFinished() bool { return w.status == StatusFinished }

// CurrentJob returns the job being worked on. ok is false unless working.
func (w *Worker) CurrentJob() (JobID, bool) {
	if w.status != StatusWorking {
		return 0, false
	}
	return w.job, true
}

// PollStatus advances the state machine without blocking. Only a pending
// worker looks at its listens: a work order wins over a finish order.
func (w *Worker) PollStatus() error {
	if err := w.reapAcks(); err != nil {
		return err
	}
	if w.status != StatusPending {
		return nil
	}

	done, err := w.workReq.Test()
	if err != nil {
		return fmt.Errorf("poll work order from %d: %w", w.boss, err)
	}
	if done {
		return w.acceptWork()
	}

	done, err = w.finishReq.Test()
	if err != nil {
		return fmt.Errorf("poll finish order from %d: %w", w.boss, err)
	}
	if !done {
		return nil
	}

	if !w.workReq.Cancel() {
		// The order landed between the two polls. Per-pair ordering puts it
		// ahead of the finish, so it is still ours to run.
		if done, _ := w.workReq.Test(); done {
			return w.acceptWork()
		}
	}
	w.status = StatusFinished
	w.logger.Debug("worker finished")
	return nil
}

func (w *Worker) acceptWork() error {
	id, err := protocol.DecodeJobID(w.workReq.Body())
	if err != nil {
		return fmt.Errorf("work order from %d: %w", w.boss, err)
	}
	w.job = JobID(id)
	w.status = StatusWorking
	w.logger.Debug("worker received job", "job_id", id)
	return nil
}

// ReportDone tells the boss this worker is idle again and re-arms the Work
// listen. It must only be called while working, once per job, after the
// job's side effects are complete.
func (w *Worker) ReportDone() error {
	if w.status != StatusWorking {
		return fmt.Errorf("%w: status is %s", ErrNotWorking, w.status)
	}

	// Arm the next listen first so a failure leaves the worker Working with
	// nothing sent.
	work, err := w.comm.Irecv(int(w.boss), protocol.TagWork)
	if err != nil {
		return fmt.Errorf("listen for work: %w", err)
	}
	ack, err := w.comm.Isend(int(w.boss), protocol.TagPending, nil)
	if err != nil {
		work.Cancel()
		return fmt.Errorf("report idle to %d: %w", w.boss, err)
	}
	w.acks = append(w.acks, ack)

	w.logger.Debug("worker reported job done", "job_id", int(w.job))
	w.workReq = work
	w.status = StatusPending
	return nil
}

// reapAcks drops delivered acknowledgments and surfaces failed ones.
func (w *Worker) reapAcks() error {
	kept := w.acks[:0]
	for _, ack := range w.acks {
		done, err := ack.Test()
		if err != nil {
			return fmt.Errorf("report idle to %d: %w", w.boss, err)
		}
		if !done {
			kept = append(kept, ack)
		}
	}
	w.acks = kept
	return nil
}
