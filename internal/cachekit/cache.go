// Package cachekit wraps ristretto behind gocache's generic store interface,
// the same pairing the teacher repo declares in go.mod (dgraph-io/ristretto +
// eko/gocache) for its in-process read cache.
package cachekit

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Cache is a generic TTL cache over values of type T.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type ristrettoCache[T any] struct {
	cache *gocache.Cache[T]
}

// New creates an in-process ristretto-backed cache bounded by maxCost (an
// approximate byte budget; ristretto's cost accounting treats each insert's
// cost as len(value) unless a cost function is supplied).
func New[T any](maxCost int64) (Cache[T], error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100 * 10, // ~10x entries vs expected average cost
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := ristretto_store.NewRistretto(r)
	return &ristrettoCache[T]{cache: gocache.New[T](s)}, nil
}

func (c *ristrettoCache[T]) Get(ctx context.Context, key string) (T, bool) {
	v, err := c.cache.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

func (c *ristrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	return c.cache.Set(ctx, key, value, store.WithExpiration(ttl))
}

func (c *ristrettoCache[T]) Delete(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}
