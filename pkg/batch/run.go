package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Reducer processes every value of one group. Reducers run concurrently
// across groups and must not share mutable state except through
// concurrency-safe sinks.
type Reducer func(ctx context.Context, key string, values [][]byte) error

// Run feeds the groups of st to reduce on up to workers goroutines. The
// first reducer error cancels the run and is returned.
func Run(ctx context.Context, st *Staging, workers int, reduce Reducer) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanErr := st.Groups(gctx, func(key string, values [][]byte) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			return reduce(gctx, key, values)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return scanErr
}
