package executor

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/mattjoyce/farmhand/internal/dispatch"
)

// Sleep is a synthetic job: it waits Duration, plus up to Jitter more.
type Sleep struct {
	Duration time.Duration
	Jitter   time.Duration
}

func (s Sleep) Execute(ctx context.Context, _ dispatch.JobID) error {
	d := s.Duration
	if s.Jitter > 0 {
		d += rand.N(s.Jitter)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
