package farm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmhand/internal/comm"
)

// RunLocal runs every rank of a size-rank group as goroutines in this
// process. The first rank to fail cancels the others. Results are indexed
// by rank.
func RunLocal(ctx context.Context, size int, plan Plan, exec Executor) ([]*Result, error) {
	group, err := comm.NewLocalGroup(size)
	if err != nil {
		return nil, fmt.Errorf("farm: %w", err)
	}
	defer group.Close()

	results := make([]*Result, size)
	g, gctx := errgroup.WithContext(ctx)
	for rank := range size {
		g.Go(func() error {
			res, err := Run(gctx, group.Comm(rank), plan, exec)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
