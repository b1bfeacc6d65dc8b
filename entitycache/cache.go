// Package entitycache implements the keyed, versioned store of query
// results at the center of the synchronization layer. Optimistic mutations,
// authoritative server responses, and push-driven merges all write through
// this cache, and its per-key version guard is what makes late, duplicate,
// and out-of-order writes safe to attempt.
package entitycache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/pkg/retry"
)

// Fetcher loads the authoritative value for a key from the server. It must
// honor ctx cancellation.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Observer is notified after every accepted write or invalidation of an
// observed key. Observers run synchronously on the writing goroutine and
// must be fast and non-blocking.
type Observer func(Entry)

// Cache is the entity cache. All methods are safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	entries   map[Key]Entry
	observers map[Key]map[uint64]Observer
	nextObsID uint64
	fetchers  map[string]Fetcher

	group singleflight.Group

	defaultTTL     time.Duration
	speculativeTTL time.Duration
	sweepInterval  time.Duration
	refetchRetry   retry.Config

	log     *slog.Logger
	stats   *Statistics
	metrics *cacheMetrics

	// runCtx bounds background refetches to the cache's lifetime.
	runCtx   context.Context
	shutdown chan struct{}
	done     chan struct{}
}

// Option configures the cache.
type Option func(*Cache)

// WithTTL sets the staleness window for demand-fetched entries.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithSpeculativeTTL sets the longer staleness window used for prefetched
// entries.
func WithSpeculativeTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.speculativeTTL = d
		}
	}
}

// WithSweepInterval sets how often the eviction sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRefetchRetry sets the retry policy for background refetches.
func WithRefetchRetry(cfg retry.Config) Option {
	return func(c *Cache) {
		c.refetchRetry = cfg
	}
}

// WithMetrics exposes cache statistics as Prometheus metrics.
func WithMetrics(registry *metric.Registry, component string) Option {
	return func(c *Cache) {
		if registry == nil || component == "" {
			return
		}
		m, err := newCacheMetrics(registry, component)
		if err != nil {
			c.log.Warn("cache metrics registration failed", "component", component, "error", err)
			return
		}
		c.metrics = m
	}
}

// New creates an entity cache and starts its eviction sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func New(ctx context.Context, opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[Key]Entry),
		observers:      make(map[Key]map[uint64]Observer),
		fetchers:       make(map[string]Fetcher),
		defaultTTL:     30 * time.Second,
		speculativeTTL: 2 * time.Minute,
		sweepInterval:  10 * time.Second,
		refetchRetry:   retry.Background(),
		log:            slog.Default(),
		stats:          NewStatistics(),
		runCtx:         ctx,
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.sweep(ctx)

	return c
}

// RegisterFetcher registers the authoritative loader for an entity type.
// Refetches triggered by Invalidate and by Refresh go through it.
func (c *Cache) RegisterFetcher(entityType string, f Fetcher) {
	c.mu.Lock()
	c.fetchers[entityType] = f
	c.mu.Unlock()
}

// Read returns the entry stored under key, if any.
func (c *Cache) Read(key Key) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.stats.Hit()
		if c.metrics != nil {
			c.metrics.hits.Inc()
		}
	} else {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
	}
	return entry, ok
}

// Peek returns the entry stored under key without touching the hit/miss
// statistics. Collaborators reading for their own bookkeeping (event
// merges, prefetch freshness checks, mutation snapshots) use it so the
// stats measure demand traffic only.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	return entry, ok
}

// writeOptions carries per-write behavior tweaks.
type writeOptions struct {
	speculative bool
}

// WriteOption configures a single write.
type WriteOption func(*writeOptions)

// Speculative marks the write as a prefetch result, which gets the longer
// staleness window.
func Speculative() WriteOption {
	return func(o *writeOptions) { o.speculative = true }
}

// Write stores value under key at the given version. The write is rejected
// (no-op, returns false) when version is at or below the entry's current
// version. A write to a never-seen key creates the entry. Every accepted
// write notifies the key's observers.
func (c *Cache) Write(key Key, value any, version uint64, opts ...WriteOption) bool {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	ttl := c.defaultTTL
	if wo.speculative {
		ttl = c.speculativeTTL
	}

	c.mu.Lock()
	if cur, exists := c.entries[key]; exists && version <= cur.Version {
		c.mu.Unlock()
		c.stats.Rejected()
		if c.metrics != nil {
			c.metrics.rejected.Inc()
		}
		return false
	}

	entry := Entry{
		Key:     key,
		Value:   value,
		Version: version,
		StaleAt: time.Now().Add(ttl),
		State:   StateFresh,
	}
	c.entries[key] = entry
	size := len(c.entries)
	obs := c.observerSnapshot(key)
	c.mu.Unlock()

	c.stats.Write()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.writes.Inc()
		c.metrics.updateSize(size)
	}

	for _, fn := range obs {
		fn(entry)
	}
	return true
}

// WriteNext atomically bumps the key's version and writes value under it.
// Used for optimistic local writes and refetch results, where the caller
// wants "newer than whatever is there now" rather than a specific version.
func (c *Cache) WriteNext(key Key, value any, opts ...WriteOption) Entry {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	ttl := c.defaultTTL
	if wo.speculative {
		ttl = c.speculativeTTL
	}

	c.mu.Lock()
	version := c.entries[key].Version + 1
	entry := Entry{
		Key:     key,
		Value:   value,
		Version: version,
		StaleAt: time.Now().Add(ttl),
		State:   StateFresh,
	}
	c.entries[key] = entry
	size := len(c.entries)
	obs := c.observerSnapshot(key)
	c.mu.Unlock()

	c.stats.Write()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.writes.Inc()
		c.metrics.updateSize(size)
	}

	for _, fn := range obs {
		fn(entry)
	}
	return entry
}

// NextVersion returns the version the next write to key should carry.
func (c *Cache) NextVersion(key Key) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key].Version + 1
}

// Remove deletes the entry outright and notifies observers with a
// zero-value entry for the key. Used when rolling back a mutation that
// created the entry in the first place.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	size := len(c.entries)
	obs := c.observerSnapshot(key)
	c.mu.Unlock()

	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}

	for _, fn := range obs {
		fn(Entry{Key: key})
	}
	return true
}

// Invalidate marks the entry stale and, when the key has observers and a
// registered fetcher, schedules a background refetch. Invalidating an
// absent key is a no-op.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.State = StateStale
	c.entries[key] = entry
	obs := c.observerSnapshot(key)
	hasObservers := len(obs) > 0
	_, hasFetcher := c.fetchers[key.Type]
	c.mu.Unlock()

	c.stats.Invalidation()

	for _, fn := range obs {
		fn(entry)
	}

	if hasObservers && hasFetcher {
		go c.refetch(key)
	}
}

// Refresh fetches the authoritative value for key through its registered
// fetcher and writes it with a version bump. Blocking; concurrent calls
// for the same key are deduplicated.
func (c *Cache) Refresh(ctx context.Context, key Key) (Entry, error) {
	c.mu.RLock()
	fetcher, ok := c.fetchers[key.Type]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, errors.Wrap(errors.ErrNoFetcher, "Cache", "Refresh", key.Type)
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		value, err := fetcher(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		return c.WriteNext(key, value), nil
	})
	if err != nil {
		return Entry{}, errors.Wrap(err, "Cache", "Refresh", "fetch "+key.String())
	}
	return v.(Entry), nil
}

// refetch runs the background reconcile fetch after an invalidation.
// Failures leave the entry stale; the next demand read or invalidation
// tries again.
func (c *Cache) refetch(key Key) {
	c.stats.Refetch()
	if c.metrics != nil {
		c.metrics.refetch.Inc()
	}

	_, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.setState(key, StateInvalidating)

		c.mu.RLock()
		fetcher := c.fetchers[key.Type]
		c.mu.RUnlock()

		value, err := retry.DoWithResult(c.runCtx, c.refetchRetry, func() (any, error) {
			return fetcher(c.runCtx, key)
		})
		if err != nil {
			c.setState(key, StateStale)
			return nil, err
		}
		return c.WriteNext(key, value), nil
	})
	if err != nil {
		c.log.Debug("background refetch failed", "key", key.String(), "error", err)
	}
}

// setState transitions the entry's state without touching value or version.
func (c *Cache) setState(key Key, state EntryState) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		entry.State = state
		c.entries[key] = entry
	}
	c.mu.Unlock()
}

// Observe registers fn for notifications on key. The returned cancel
// function removes the registration and is safe to call more than once.
// Observer count doubles as the "active interest" signal that keeps stale
// entries from being evicted.
func (c *Cache) Observe(key Key, fn Observer) func() {
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	if c.observers[key] == nil {
		c.observers[key] = make(map[uint64]Observer)
	}
	c.observers[key][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if m, ok := c.observers[key]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(c.observers, key)
				}
			}
			c.mu.Unlock()
		})
	}
}

// ObserverCount returns the number of observers registered for key.
func (c *Cache) ObserverCount(key Key) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers[key])
}

// observerSnapshot copies the observer list for key. Caller must hold mu.
func (c *Cache) observerSnapshot(key Key) []Observer {
	m := c.observers[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]Observer, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns all keys currently present.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns the cache statistics tracker.
func (c *Cache) Stats() *Statistics {
	return c.stats
}

// Close stops the eviction sweeper.
func (c *Cache) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for cache sweeper to finish")
	}
}

// sweep periodically evicts entries past their staleness window that have
// no observers left.
func (c *Cache) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	evicted := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.StaleAt) && len(c.observers[key]) == 0 {
			delete(c.entries, key)
			evicted++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if evicted > 0 {
		for i := 0; i < evicted; i++ {
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.evicted.Inc()
			}
		}
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
		c.log.Debug("evicted expired entries", "count", evicted, "remaining", size)
	}
}
