package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunFanOut runs fn once per item concurrently, bounded to limit in-flight
// goroutines, and returns the first error encountered (if any), cancelling
// ctx for the remaining items. Grounded on Azure-azure-storage-azcopy's use of
// golang.org/x/sync/errgroup to bound concurrent chunk uploads.
func RunFanOut(ctx context.Context, limit int, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
