package cache

import (
	"context"
	"time"
)

type (
	PutOptions struct {
		// TTL bounds how long the entry is served. Zero uses the cache's
		// default.
		TTL time.Duration
	}

	PutOption func(*PutOptions)

	Cache interface {
		Get(key string) (any, bool)
		Put(key string, val any, opts ...PutOption)
		Delete(key string)
	}

	TypedCache[T any] interface {
		Get(key string) (T, bool)
		Put(key string, val T, opts ...PutOption)
		Delete(key string)
	}

	typedCache[T any] struct {
		c Cache
	}
)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

func NewTyped[T any](c Cache) TypedCache[T] { return &typedCache[T]{c: c} }

func (t *typedCache[T]) Get(key string) (T, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

func (t *typedCache[T]) Put(key string, val T, opts ...PutOption) { t.c.Put(key, val, opts...) }

func (t *typedCache[T]) Delete(key string) { t.c.Delete(key) }

// Load returns the cached value for key, or calls load and caches its
// result. Errors are not cached.
func Load[T any](ctx context.Context, c TypedCache[T], key string, load func(ctx context.Context) (T, error), opts ...PutOption) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Put(key, v, opts...)
	return v, nil
}

var _ TypedCache[any] = (*typedCache[any])(nil)
