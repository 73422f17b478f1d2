package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	return New(Config{MaxEntriesPerNamespace: 3}, nil)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceEdge, "k1", map[string]int{"a": 1}, time.Minute))

	var dest map[string]int
	ok, err := c.Get(ctx, NamespaceEdge, "k1", &dest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, dest["a"])
}

func TestGetMissIncrementsStats(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	var dest string
	ok, err := c.Get(ctx, NamespaceProp, "missing", &dest)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.NamespaceStats(NamespaceProp).Misses)
}

func TestExpiredEntryRemovedOnAccess(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, NamespaceEdge, "k", 1, -time.Second))

	var dest int
	ok, err := c.Get(ctx, NamespaceEdge, "k", &dest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, NamespaceEdge, "a", 1, time.Minute))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, NamespaceEdge, "b", 2, time.Minute))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, NamespaceEdge, "c", 3, time.Minute))

	// Touch "a" so it is no longer the least-recently-used entry.
	var dest int
	_, _ = c.Get(ctx, NamespaceEdge, "a", &dest)

	require.NoError(t, c.Set(ctx, NamespaceEdge, "d", 4, time.Minute))

	ok, _ := c.Get(ctx, NamespaceEdge, "b", &dest)
	assert.False(t, ok, "least recently used entry should have been evicted")
	ok, _ = c.Get(ctx, NamespaceEdge, "a", &dest)
	assert.True(t, ok, "recently accessed entry should survive eviction")
}

func TestGetOrSetRunsFactoryOnceUnderConcurrency(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	var calls int64

	const goroutines = 20
	done := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			var dest int
			err := c.GetOrSet(ctx, NamespaceCorrelation, "shared-key", time.Minute, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			}, &dest)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestInvalidateGlobPattern(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, NamespaceProp, "prop:nba:1", 1, time.Minute))
	require.NoError(t, c.Set(ctx, NamespaceProp, "prop:nba:2", 1, time.Minute))
	require.NoError(t, c.Set(ctx, NamespaceProp, "prop:nfl:1", 1, time.Minute))

	n, err := c.Invalidate(ctx, "prop:nba:*", NamespaceProp)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var dest int
	ok, _ := c.Get(ctx, NamespaceProp, "prop:nfl:1", &dest)
	assert.True(t, ok)
}

func TestHitRate(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, NamespaceEdge, "k", 1, time.Minute))
	var dest int
	c.Get(ctx, NamespaceEdge, "k", &dest)
	c.Get(ctx, NamespaceEdge, "missing", &dest)
	stats := c.NamespaceStats(NamespaceEdge)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}
