package cache_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/cache"
	"taskhub/internal/config"
	"taskhub/internal/logging"
)

type item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func newMemory(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.NewMemoryStore(64, time.Minute), config.CacheMemory, time.Minute, logging.Discard())
	t.Cleanup(func() { c.Close() })
	return c
}

// counting returns a compute func yielding v and the number of times it ran.
func counting(v any) (func(context.Context) (any, error), *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (any, error) {
		n.Add(1)
		return v, nil
	}, &n
}

func TestListingKey(t *testing.T) {
	a := cache.ListingKey(map[string]any{"page": 1, "status": "pending", "assignee_id": int64(2)})
	b := cache.ListingKey(map[string]any{"assignee_id": int64(2), "status": "pending", "page": 1})
	c := cache.ListingKey(map[string]any{"page": 2, "status": "pending", "assignee_id": int64(2)})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, cache.ListingSpace)
	assert.Equal(t, "task:42", cache.TaskKey(42))
}

func TestReadThroughMemory(t *testing.T) {
	c := newMemory(t)
	ctx := context.Background()
	compute, calls := counting(item{ID: 1, Name: "one"})

	var first, second item
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &first, compute))
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &second, compute))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, item{ID: 1, Name: "one"}, second)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestReadThroughNoop(t *testing.T) {
	c := cache.New(cache.NoopStore{}, config.CacheNone, time.Minute, logging.Discard())
	compute, calls := counting(item{ID: 1})
	var out item
	for i := 0; i < 3; i++ {
		require.NoError(t, c.ReadThrough(context.Background(), cache.TaskKey(1), &out, compute))
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, c.Stats().Hits)
}

func TestComputeErrorNotCached(t *testing.T) {
	c := newMemory(t)
	boom := errors.New("boom")
	var out item
	err := c.ReadThrough(context.Background(), "task:1", &out, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	compute, calls := counting(item{ID: 1})
	require.NoError(t, c.ReadThrough(context.Background(), "task:1", &out, compute))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidate(t *testing.T) {
	c := newMemory(t)
	ctx := context.Background()
	taskCompute, taskCalls := counting(item{ID: 1})
	listCompute, listCalls := counting([]item{{ID: 1}})
	listKey := cache.ListingKey(map[string]any{"page": 1})

	var one item
	var many []item
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &one, taskCompute))
	require.NoError(t, c.ReadThrough(ctx, listKey, &many, listCompute))

	require.NoError(t, c.InvalidateAll(ctx))
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &one, taskCompute))
	require.NoError(t, c.ReadThrough(ctx, listKey, &many, listCompute))
	assert.Equal(t, int32(1), taskCalls.Load(), "task keys survive a listing flush")
	assert.Equal(t, int32(2), listCalls.Load())

	require.NoError(t, c.Invalidate(ctx, cache.TaskKey(1)))
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &one, taskCompute))
	assert.Equal(t, int32(2), taskCalls.Load())
	require.NoError(t, c.Invalidate(ctx))
}

func TestInvalidateDuringComputeSkipsStore(t *testing.T) {
	c := newMemory(t)
	ctx := context.Background()
	var calls atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			require.NoError(t, c.Invalidate(ctx, cache.TaskKey(1)))
		}
		return item{ID: 1}, nil
	}
	var out item
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	assert.Equal(t, int32(2), calls.Load())
}

// racingStore runs an invalidation after the generation check but before the
// write lands, the way a concurrent mutation can.
type racingStore struct {
	*cache.MemoryStore
	once  sync.Once
	cache *cache.Cache
}

func (s *racingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.once.Do(func() { _ = s.cache.Invalidate(ctx, key) })
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func TestInvalidateDuringSetEvictsEntry(t *testing.T) {
	mem := cache.NewMemoryStore(64, time.Minute)
	store := &racingStore{MemoryStore: mem}
	c := cache.New(store, config.CacheMemory, time.Minute, logging.Discard())
	store.cache = c
	ctx := context.Background()
	compute, calls := counting(item{ID: 1})

	var out item
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	assert.Equal(t, int64(1), out.ID)
	assert.Zero(t, mem.Len())

	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, c.ReadThrough(ctx, cache.TaskKey(1), &out, compute))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallerCancelDoesNotAbortSharedCompute(t *testing.T) {
	c := newMemory(t)
	started := make(chan struct{})
	release := make(chan struct{})
	computeErr := make(chan error, 1)
	compute := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		computeErr <- ctx.Err()
		return item{ID: 9}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		var out item
		done <- c.ReadThrough(ctx, cache.TaskKey(9), &out, compute)
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.NoError(t, <-computeErr)

	// The abandoned computation still populates the cache.
	require.Eventually(t, func() bool {
		var out item
		err := c.ReadThrough(context.Background(), cache.TaskKey(9), &out, func(context.Context) (any, error) {
			return nil, errors.New("recomputed")
		})
		return err == nil && out.ID == 9
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentMissesShareCompute(t *testing.T) {
	c := newMemory(t)
	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return item{ID: 7}, nil
	}

	var wg sync.WaitGroup
	results := make([]item, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.ReadThrough(context.Background(), cache.TaskKey(7), &results[i], compute))
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, int64(7), r.ID)
	}
}

type failingStore struct{ cache.NoopStore }

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}

func (failingStore) Delete(context.Context, ...string) error { return errors.New("down") }

func TestBackendFailuresFallBackToCompute(t *testing.T) {
	c := cache.New(failingStore{}, "broken", time.Minute, logging.Discard())
	compute, calls := counting(item{ID: 3})
	var out item
	require.NoError(t, c.ReadThrough(context.Background(), cache.TaskKey(3), &out, compute))
	assert.Equal(t, int64(3), out.ID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(2), c.Stats().Errors)
	assert.Error(t, c.Invalidate(context.Background(), cache.TaskKey(3)))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := cache.NewMemoryStore(8, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Eventually(t, func() bool {
		_, ok, _ := store.Get(ctx, "k")
		return !ok
	}, time.Second, 20*time.Millisecond)
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	c, err := cache.FromConfig(ctx, config.CacheConfig{Backend: config.CacheNone}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, config.CacheNone, c.Stats().Backend)

	_, err = cache.FromConfig(ctx, config.CacheConfig{Backend: "memcached"}, logging.Discard())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TASKHUB_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	prefix := "taskhub-test:" + time.Now().Format("150405.000000") + ":"
	c, err := cache.FromConfig(ctx, config.CacheConfig{
		Backend: config.CacheRedis,
		TTL:     time.Minute,
		Prefix:  prefix,
		Redis:   config.RedisConfig{Addr: addr},
	}, logging.Discard())
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	defer c.Close()

	compute, calls := counting(item{ID: 9, Name: "nine"})
	listKey := cache.ListingKey(map[string]any{"page": 1})
	var out item
	for i := 0; i < 2; i++ {
		require.NoError(t, c.ReadThrough(ctx, listKey, &out, compute))
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "nine", out.Name)

	require.NoError(t, c.InvalidateAll(ctx))
	require.NoError(t, c.ReadThrough(ctx, listKey, &out, compute))
	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, c.Invalidate(ctx, listKey))
}
