// Package sf deduplicates concurrent calls sharing a key.
//
// Only the first caller for a key runs the function; callers arriving while
// it is in flight wait for it and receive the same result. A caller whose
// context ends stops waiting without cancelling the shared call.
//
//	var g sf.Group[int]
//	n, err := g.Do(ctx, "gateway", func(ctx context.Context) (int, error) {
//	    return fetchShardCount(ctx)
//	})
package sf
