package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/farmhand/internal/log"
)

// JobID identifies one unit of work within a run.
type JobID int

// WorkerID is a worker's rank in the group.
type WorkerID int

// Status is a worker's position in its state machine.
type Status int

const (
	StatusPending Status = iota
	StatusWorking
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusWorking:
		return "working"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// Configuration errors, returned by constructors.
	ErrNoWorkers     = errors.New("no workers available")
	ErrInvalidWorker = errors.New("invalid worker")
	ErrInvalidJob    = errors.New("invalid job")

	// Contract violations.
	ErrNotWorking        = errors.New("worker is not working")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrUnknownJob        = errors.New("unknown job")
	ErrAlreadyDispatched = errors.New("job already dispatched")
	ErrWorkerBusy        = errors.New("worker has an outstanding job")
	ErrWorkerRetired     = errors.New("worker already retired")
)

// Observer is told about master-side progress. Errors are returned to the
// caller of the Master method that triggered the callback.
type Observer interface {
	Dispatched(ctx context.Context, job JobID, worker WorkerID) error
	Released(ctx context.Context, worker WorkerID) error
	Retired(ctx context.Context, worker WorkerID) error
}

type nopObserver struct{}

func (nopObserver) Dispatched(context.Context, JobID, WorkerID) error { return nil }
func (nopObserver) Released(context.Context, WorkerID) error          { return nil }
func (nopObserver) Retired(context.Context, WorkerID) error           { return nil }

type options struct {
	logger   *slog.Logger
	observer Observer
}

// Option configures a Master or a Worker.
type Option func(*options)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers progress callbacks. Workers ignore it.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   log.WithComponent("dispatch"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
