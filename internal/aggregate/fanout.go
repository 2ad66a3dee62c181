package aggregate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Parallel runs fns concurrently and returns the first error. The context
// passed to each fn is canceled as soon as one of them fails.
func Parallel(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
