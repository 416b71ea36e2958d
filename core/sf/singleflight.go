package sf

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates calls returning T. The zero value is ready to use.
type Group[T any] struct {
	group singleflight.Group
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. fn receives a context detached from
// the caller's cancellation so one impatient caller does not fail the
// others.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Forget makes the next Do for key run fn even if a call is in flight.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
