package farm

import (
	"context"

	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/events"
)

// Observers fans callbacks out in order and stops at the first error.
func Observers(obs ...dispatch.Observer) dispatch.Observer {
	kept := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			kept = append(kept, o)
		}
	}
	return kept
}

type multiObserver []dispatch.Observer

func (m multiObserver) Dispatched(ctx context.Context, job dispatch.JobID, worker dispatch.WorkerID) error {
	for _, o := range m {
		if err := o.Dispatched(ctx, job, worker); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) Released(ctx context.Context, worker dispatch.WorkerID) error {
	for _, o := range m {
		if err := o.Released(ctx, worker); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) Retired(ctx context.Context, worker dispatch.WorkerID) error {
	for _, o := range m {
		if err := o.Retired(ctx, worker); err != nil {
			return err
		}
	}
	return nil
}

// HubObserver publishes master progress to hub.
type HubObserver struct {
	Hub   *events.Hub
	RunID string
}

func (h HubObserver) Dispatched(_ context.Context, job dispatch.JobID, worker dispatch.WorkerID) error {
	h.Hub.Publish(events.TypeDispatchOrder, events.DispatchData{RunID: h.RunID, JobID: int(job), Worker: int(worker)})
	return nil
}

func (h HubObserver) Released(_ context.Context, worker dispatch.WorkerID) error {
	h.Hub.Publish(events.TypeWorkerIdle, events.WorkerData{RunID: h.RunID, Worker: int(worker)})
	return nil
}

func (h HubObserver) Retired(_ context.Context, worker dispatch.WorkerID) error {
	h.Hub.Publish(events.TypeWorkerFinish, events.WorkerData{RunID: h.RunID, Worker: int(worker)})
	return nil
}
