package cachekit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/cachekit"
)

// waitFor polls until cond returns true or the deadline passes, to absorb
// ristretto's asynchronous buffer-to-store propagation.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestCacheSetGetDelete(t *testing.T) {
	ctx := context.Background()
	cache, err := cachekit.New[string](1 << 20)
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "k", "v", 0))
	waitFor(t, func() bool {
		v, ok := cache.Get(ctx, "k")
		return ok && v == "v"
	})

	require.NoError(t, cache.Delete(ctx, "k"))
	waitFor(t, func() bool {
		_, ok := cache.Get(ctx, "k")
		return !ok
	})
}

func TestCacheGetMissingKey(t *testing.T) {
	ctx := context.Background()
	cache, err := cachekit.New[[]int](1 << 20)
	require.NoError(t, err)

	v, ok := cache.Get(ctx, "nope")
	assert.False(t, ok)
	assert.Nil(t, v)
}
