package entitycache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks cache behavior. Always collected; optionally mirrored
// to Prometheus via WithMetrics.
type Statistics struct {
	hits     int64
	misses   int64
	writes   int64
	rejected int64
	stale    int64
	refetch  int64
	evicted  int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Hit records a read that found an entry.
func (s *Statistics) Hit() { atomic.AddInt64(&s.hits, 1) }

// Miss records a read that found nothing.
func (s *Statistics) Miss() { atomic.AddInt64(&s.misses, 1) }

// Write records an accepted write.
func (s *Statistics) Write() { atomic.AddInt64(&s.writes, 1) }

// Rejected records a write dropped by the version guard.
func (s *Statistics) Rejected() { atomic.AddInt64(&s.rejected, 1) }

// Invalidation records an entry marked stale.
func (s *Statistics) Invalidation() { atomic.AddInt64(&s.stale, 1) }

// Refetch records a scheduled background refetch.
func (s *Statistics) Refetch() { atomic.AddInt64(&s.refetch, 1) }

// Eviction records an evicted entry.
func (s *Statistics) Eviction() { atomic.AddInt64(&s.evicted, 1) }

// UpdateSize updates the current entry count.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Hits returns the total number of read hits.
func (s *Statistics) Hits() int64 { return atomic.LoadInt64(&s.hits) }

// Misses returns the total number of read misses.
func (s *Statistics) Misses() int64 { return atomic.LoadInt64(&s.misses) }

// Writes returns the total number of accepted writes.
func (s *Statistics) Writes() int64 { return atomic.LoadInt64(&s.writes) }

// RejectedWrites returns the total number of version-guarded rejections.
func (s *Statistics) RejectedWrites() int64 { return atomic.LoadInt64(&s.rejected) }

// Invalidations returns the total number of stale markings.
func (s *Statistics) Invalidations() int64 { return atomic.LoadInt64(&s.stale) }

// Refetches returns the total number of scheduled refetches.
func (s *Statistics) Refetches() int64 { return atomic.LoadInt64(&s.refetch) }

// Evictions returns the total number of evicted entries.
func (s *Statistics) Evictions() int64 { return atomic.LoadInt64(&s.evicted) }

// CurrentSize returns the current number of entries.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the high-water mark of entry count.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Uptime returns time elapsed since the statistics tracker was created.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}
