package entitycache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/pkg/retry"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New(context.Background(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey_Normalization(t *testing.T) {
	a := NewKey("cart", map[string]string{"status": "inCart", "page": "1"})
	b := NewKey("cart", map[string]string{"page": "1", "status": "inCart"})

	assert.Equal(t, a, b)
	assert.Equal(t, "cart?page=1&status=inCart", a.String())

	detail := DetailKey("productDetail", "p42")
	assert.Equal(t, "productDetail?id=p42", detail.String())

	id, ok := detail.Param("id")
	require.True(t, ok)
	assert.Equal(t, "p42", id)

	_, ok = detail.Param("missing")
	assert.False(t, ok)

	bare := NewKey("session", nil)
	assert.Equal(t, "session", bare.String())
	assert.False(t, bare.IsZero())
	assert.True(t, Key{}.IsZero())
}

func TestCache_ReadAbsent(t *testing.T) {
	c := newTestCache(t)

	_, ok := c.Read(DetailKey("productDetail", "p1"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses())
}

func TestCache_PeekDoesNotCountStats(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")
	c.Write(key, Document{"id": "p1"}, 1)

	entry, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Version)

	_, ok = c.Peek(DetailKey("productDetail", "absent"))
	assert.False(t, ok)

	assert.Equal(t, int64(0), c.Stats().Hits())
	assert.Equal(t, int64(0), c.Stats().Misses())
}

func TestCache_WriteCreatesAndReads(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")

	accepted := c.Write(key, Document{"id": "p1", "price": 100.0}, 1)
	require.True(t, accepted)

	entry, ok := c.Read(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Version)
	assert.Equal(t, StateFresh, entry.State)
	assert.Equal(t, 100.0, entry.Value.(Document)["price"])
}

func TestCache_VersionMonotonicity(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")

	require.True(t, c.Write(key, "v1", 1))
	require.True(t, c.Write(key, "v5", 5))

	// Older and equal versions are rejected, never applied.
	assert.False(t, c.Write(key, "v3", 3))
	assert.False(t, c.Write(key, "v5-again", 5))

	entry, _ := c.Read(key)
	assert.Equal(t, uint64(5), entry.Version)
	assert.Equal(t, "v5", entry.Value)
	assert.Equal(t, int64(2), c.Stats().RejectedWrites())
}

func TestCache_WriteNextBumpsVersion(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("cart", "c1")

	e1 := c.WriteNext(key, "a")
	assert.Equal(t, uint64(1), e1.Version)

	require.True(t, c.Write(key, "b", 7))

	e2 := c.WriteNext(key, "c")
	assert.Equal(t, uint64(8), e2.Version)
	assert.Equal(t, uint64(9), c.NextVersion(key))
}

func TestCache_ObserverNotifiedOnWrite(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")

	var mu sync.Mutex
	var seen []Entry
	cancel := c.Observe(key, func(e Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	c.Write(key, "v1", 1)
	c.Write(key, "v0", 0) // rejected, must not notify
	c.Write(key, "v2", 2)

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, "v1", seen[0].Value)
	assert.Equal(t, "v2", seen[1].Value)
	mu.Unlock()

	cancel()
	cancel() // safe to call twice
	c.Write(key, "v3", 3)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
	assert.Equal(t, 0, c.ObserverCount(key))
}

func TestCache_InvalidateMarksStaleAndNotifies(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("cart", "c1")
	c.Write(key, "v1", 1)

	notified := make(chan Entry, 1)
	cancel := c.Observe(key, func(e Entry) { notified <- e })
	defer cancel()

	c.Invalidate(key)

	select {
	case e := <-notified:
		assert.Equal(t, StateStale, e.State)
	case <-time.After(time.Second):
		t.Fatal("observer not notified of invalidation")
	}
}

func TestCache_InvalidateAbsentKeyNoop(t *testing.T) {
	c := newTestCache(t)
	c.Invalidate(DetailKey("cart", "missing"))
	assert.Equal(t, int64(0), c.Stats().Invalidations())
}

func TestCache_InvalidateTriggersRefetchWithObservers(t *testing.T) {
	c := newTestCache(t, WithRefetchRetry(retry.Config{
		MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1,
	}))
	key := DetailKey("productDetail", "p1")

	var fetches int64
	c.RegisterFetcher("productDetail", func(_ context.Context, k Key) (any, error) {
		atomic.AddInt64(&fetches, 1)
		return Document{"id": "p1", "price": 90.0}, nil
	})

	c.Write(key, Document{"id": "p1", "price": 100.0}, 1)
	cancel := c.Observe(key, func(Entry) {})
	defer cancel()

	c.Invalidate(key)

	require.Eventually(t, func() bool {
		entry, ok := c.Read(key)
		return ok && entry.State == StateFresh && entry.Value.(Document)["price"] == 90.0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestCache_InvalidateWithoutObserversNoRefetch(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")

	var fetches int64
	c.RegisterFetcher("productDetail", func(_ context.Context, _ Key) (any, error) {
		atomic.AddInt64(&fetches, 1)
		return nil, nil
	})

	c.Write(key, "v1", 1)
	c.Invalidate(key)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&fetches))

	entry, _ := c.Read(key)
	assert.Equal(t, StateStale, entry.State)
}

func TestCache_RefetchFailureLeavesStale(t *testing.T) {
	c := newTestCache(t, WithRefetchRetry(retry.Config{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2,
	}))
	key := DetailKey("productDetail", "p1")

	c.RegisterFetcher("productDetail", func(_ context.Context, _ Key) (any, error) {
		return nil, errors.New("server unavailable")
	})

	c.Write(key, "v1", 1)
	cancel := c.Observe(key, func(Entry) {})
	defer cancel()

	c.Invalidate(key)

	require.Eventually(t, func() bool {
		entry, _ := c.Read(key)
		return entry.State == StateStale
	}, time.Second, 5*time.Millisecond)

	entry, _ := c.Read(key)
	assert.Equal(t, "v1", entry.Value, "failed refetch must not clobber the value")
}

func TestCache_RefreshDemandFetch(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("productDetail", "p1")

	c.RegisterFetcher("productDetail", func(_ context.Context, _ Key) (any, error) {
		return Document{"id": "p1"}, nil
	})

	entry, err := c.Refresh(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Version)

	_, err = c.Refresh(context.Background(), NewKey("unregistered", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoFetcher))
}

func TestCache_SpeculativeWriteGetsLongerWindow(t *testing.T) {
	c := newTestCache(t,
		WithTTL(20*time.Millisecond),
		WithSpeculativeTTL(10*time.Second),
	)

	demand := DetailKey("productDetail", "demand")
	spec := DetailKey("productDetail", "spec")

	c.Write(demand, "v", 1)
	c.Write(spec, "v", 1, Speculative())

	dEntry, _ := c.Read(demand)
	sEntry, _ := c.Read(spec)
	assert.True(t, sEntry.StaleAt.After(dEntry.StaleAt.Add(time.Second)))
}

func TestCache_EvictionRequiresNoObservers(t *testing.T) {
	c := newTestCache(t,
		WithTTL(10*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
	)

	observed := DetailKey("productDetail", "watched")
	abandoned := DetailKey("productDetail", "abandoned")

	c.Write(observed, "v", 1)
	c.Write(abandoned, "v", 1)

	cancel := c.Observe(observed, func(Entry) {})
	defer cancel()

	require.Eventually(t, func() bool {
		_, ok := c.Read(abandoned)
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Read(observed)
	assert.True(t, ok, "observed entry must survive eviction")
}

func TestCache_ConcurrentWrites(t *testing.T) {
	c := newTestCache(t)
	key := DetailKey("counter", "c1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.WriteNext(key, "v")
		}()
	}
	wg.Wait()

	entry, ok := c.Read(key)
	require.True(t, ok)
	assert.Equal(t, uint64(50), entry.Version)
}

func TestCache_CloseStopsSweeper(t *testing.T) {
	c := New(context.Background())
	require.NoError(t, c.Close())
}
