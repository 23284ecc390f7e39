package hotcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/metric"
)

func TestCache_SetGet(t *testing.T) {
	cache, err := New[string](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set("isbn:123", "dune"))

	got, ok := cache.Get("isbn:123")
	assert.True(t, ok)
	assert.Equal(t, "dune", got)

	_, ok = cache.Get("isbn:999")
	assert.False(t, ok)
}

func TestCache_EmptyKeyRejected(t *testing.T) {
	cache, err := New[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	assert.Error(t, cache.Set("", 1))
}

func TestCache_InvalidTTL(t *testing.T) {
	_, err := New[int](context.Background(), 0, time.Minute)
	assert.Error(t, err)
}

func TestCache_PerEntryTTL(t *testing.T) {
	cache, err := New[string](context.Background(), time.Hour, time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.SetWithTTL("short", "a", 20*time.Millisecond))
	require.NoError(t, cache.Set("long", "b"))

	time.Sleep(50 * time.Millisecond)

	_, ok := cache.Get("short")
	assert.False(t, ok, "short-TTL entry should have expired")

	got, ok := cache.Get("long")
	assert.True(t, ok, "default-TTL entry should survive")
	assert.Equal(t, "b", got)
}

func TestCache_BackgroundCleanup(t *testing.T) {
	var evicted []string
	var mu sync.Mutex

	cache, err := New[string](context.Background(), 20*time.Millisecond, 30*time.Millisecond,
		WithEvictionCallback[string](func(key string, _ string) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set("k1", "v1"))
	require.NoError(t, cache.Set("k2", "v2"))

	assert.Eventually(t, func() bool {
		return cache.Size() == 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, evicted, 2)
}

func TestCache_Delete(t *testing.T) {
	cache, err := New[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set("k", 42))
	assert.True(t, cache.Delete("k"))
	assert.False(t, cache.Delete("k"))

	_, ok := cache.Get("k")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	cache, err := New[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(fmt.Sprintf("k%d", i), i))
	}
	assert.Equal(t, 5, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

func TestCache_KeysSkipsExpired(t *testing.T) {
	cache, err := New[string](context.Background(), time.Hour, time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.SetWithTTL("dead", "x", 10*time.Millisecond))
	require.NoError(t, cache.Set("alive", "y"))

	time.Sleep(30 * time.Millisecond)

	keys := cache.Keys()
	assert.Equal(t, []string{"alive"}, keys)
}

func TestCache_Statistics(t *testing.T) {
	cache, err := New[string](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set("k", "v"))
	cache.Get("k")
	cache.Get("k")
	cache.Get("missing")

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Sets())
	assert.InDelta(t, 0.666, stats.HitRate(), 0.01)
}

func TestCache_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	cache, err := New[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "hot"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Set("k", "v"))
	cache.Get("k")

	// Second cache with the same prefix must fail on duplicate registration
	_, err = New[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "hot"))
	assert.Error(t, err)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache, err := New[int](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%20)
				_ = cache.Set(key, n*j)
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, cache.Size())
}

func TestCache_Close(t *testing.T) {
	cache, err := New[string](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, cache.Close())
	// Close is idempotent
	assert.NoError(t, cache.Close())
}
