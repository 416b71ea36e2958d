// Package cache provides a small key-value cache with LRU eviction and
// per-entry TTLs.
//
//	c := cache.NewTyped[int](cache.NewLRU(cache.LRUOpts{Size: 16}))
//	c.Put("shards", 12, cache.WithTTL(time.Minute))
//	if n, ok := c.Get("shards"); ok {
//	    // use n
//	}
//
// [Nop] never stores anything and stands in where caching is disabled.
package cache
