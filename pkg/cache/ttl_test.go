package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/metric"
)

func newTestCache(t *testing.T, ttl time.Duration, opts ...Option[int]) Cache[int] {
	t.Helper()
	c, err := NewTTL[int](context.Background(), ttl, 5*time.Millisecond, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTTL_SetGet(t *testing.T) {
	c := newTestCache(t, time.Minute)

	created, err := c.Set("a", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", 2)
	require.NoError(t, err)
	assert.False(t, created, "second set updates")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.Equal(t, 1, c.Size())
}

func TestTTL_Expiry(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := newTestCache(t, 20*time.Millisecond, WithEvictionCallback(func(key string, _ int) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	_, err := c.Set("short", 1)
	require.NoError(t, err)
	_, err = c.SetUntil("long", 2, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Size() == 1 }, time.Second, time.Millisecond)
	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"long"}, c.Keys())

	mu.Lock()
	assert.Equal(t, []string{"short"}, evicted)
	mu.Unlock()
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestTTL_LazyEvictionOnGet(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Hour)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SetUntil("past", 1, time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, c.Keys())

	_, ok := c.Get("past")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestTTL_DeleteAndClear(t *testing.T) {
	c := newTestCache(t, time.Minute)
	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)

	existed, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(2), c.Stats().MaxSize())
}

func TestTTL_InvalidInput(t *testing.T) {
	_, err := NewTTL[int](context.Background(), 0, time.Second)
	assert.True(t, errors.IsInvalid(err))

	c := newTestCache(t, time.Minute)
	_, err = c.Set("", 1)
	assert.True(t, errors.IsInvalid(err))
	_, err = c.Delete("")
	assert.True(t, errors.IsInvalid(err))
}

func TestTTL_CloseIdempotent(t *testing.T) {
	c, err := NewTTL[int](context.Background(), time.Minute, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestTTL_ContextStopsCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewTTL[int](ctx, time.Minute, time.Millisecond)
	require.NoError(t, err)
	cancel()
	require.NoError(t, c.Close())
}

func TestTTL_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newTestCache(t, time.Minute, WithMetrics[int](registry, "dedup"))

	_, _ = c.Set("a", 1)
	c.Get("a")
	c.Get("b")

	tc := c.(*ttlCache[int])
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.metrics.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.metrics.size))

	_, err := NewTTL[int](context.Background(), time.Minute, time.Second, WithMetrics[int](registry, "dedup"))
	assert.Error(t, err, "duplicate registration")

	require.NoError(t, c.Close())
	again, err := NewTTL[int](context.Background(), time.Minute, time.Second, WithMetrics[int](registry, "dedup"))
	require.NoError(t, err, "closed cache released its prefix")
	require.NoError(t, again.Close())
}

func TestStatistics_Summary(t *testing.T) {
	s := NewStatistics()
	s.Hit()
	s.Hit()
	s.Miss()
	s.UpdateSize(3)

	sum := s.Summary()
	assert.Equal(t, int64(2), sum.Hits)
	assert.InDelta(t, 2.0/3.0, sum.HitRatio, 0.001)
	assert.Equal(t, int64(3), sum.CurrentSize)

	s.Reset()
	assert.Equal(t, int64(0), s.Hits())
	assert.Equal(t, 0.0, s.HitRatio())
}
