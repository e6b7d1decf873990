package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runBounded runs fn(item) for every item with at most limit concurrent
// calls, in the style of pkg/planner's readSlices bounded shard reader.
// One item's failure never cancels the others: every item runs to
// completion and its error, if any, is reported at its own index in errs.
func runBounded[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) []error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	errs := make([]error, len(items))

	for i, item := range items {
		i, item := i, item

		g.Go(func() error {
			if err := fn(gctx, item); err != nil {
				errs[i] = err
			}

			return nil
		})
	}

	_ = g.Wait()

	return errs
}
