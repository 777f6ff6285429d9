package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many units of work run at once within one invocation.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Each calls fn for every index in [0, n) with at most Size calls in flight and
// returns once all of them have returned. fn reports its outcome through
// captured state; a unit that fails must not stop the others, so fn has no
// error return. Indices not yet started when ctx is done are skipped.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			fn(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
}
