// Package prefetch warms the entity cache ahead of anticipated navigation.
// Consumers register an Intent per key and signal it on interest (hover,
// pagination lookahead, visibility); the scheduler decides per strategy
// whether and when to issue the speculative fetch. Prefetch failures never
// surface to the user.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/storesync/entitycache"
	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/pkg/worker"
)

// Strategy selects when an Intent's signals turn into a fetch.
type Strategy int

const (
	// StrategyImmediate issues the fetch on the first signal.
	StrategyImmediate Strategy = iota
	// StrategyDelayed debounces: the fetch issues only after the delay
	// window passes without a Cancel. Each new signal restarts the window.
	StrategyDelayed
	// StrategyIntentDetection issues only on repeated signals within the
	// detection window, on a rapid re-signal, or immediately when the key
	// is already cached.
	StrategyIntentDetection
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyImmediate:
		return "immediate"
	case StrategyDelayed:
		return "delayed"
	case StrategyIntentDetection:
		return "intent_detection"
	default:
		return "unknown"
	}
}

// FetchFunc loads the value for a prefetched key. It must honor ctx
// cancellation.
type FetchFunc func(ctx context.Context) (any, error)

type job struct {
	intent *Intent
}

type schedulerMetrics struct {
	issued    *prometheus.CounterVec
	cancelled prometheus.Counter
	deferred  prometheus.Counter
}

// Scheduler batches speculative fetches through a bounded worker pool.
// Queue overflow is deferred to the next batch window, not dropped.
type Scheduler struct {
	cache    *entitycache.Cache
	pool     *worker.Pool[*job]
	workers  int
	registry *metric.Registry

	delay        time.Duration
	detectCount  int
	detectWindow time.Duration
	rapidWindow  time.Duration
	batchWindow  time.Duration

	log     *slog.Logger
	metrics *schedulerMetrics

	mu       sync.Mutex
	deferred []*job
	started  bool

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithWorkers caps concurrent prefetches in flight.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithDelay sets the debounce window for StrategyDelayed.
func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithDetection tunes StrategyIntentDetection: fire on the count-th signal
// inside window, or on any re-signal within rapid of the previous one.
func WithDetection(count int, window, rapid time.Duration) Option {
	return func(s *Scheduler) {
		if count > 1 {
			s.detectCount = count
		}
		if window > 0 {
			s.detectWindow = window
		}
		if rapid > 0 {
			s.rapidWindow = rapid
		}
	}
}

// WithBatchWindow sets how often deferred overflow is resubmitted.
func WithBatchWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.batchWindow = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics exposes scheduler and pool metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Scheduler) { s.registry = registry }
}

// NewScheduler creates a prefetch scheduler over the given cache.
func NewScheduler(cache *entitycache.Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:        cache,
		workers:      3,
		delay:        300 * time.Millisecond,
		detectCount:  3,
		detectWindow: time.Second,
		rapidWindow:  200 * time.Millisecond,
		batchWindow:  100 * time.Millisecond,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	poolOpts := []worker.Option[*job]{}
	if s.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*job](s.registry, "prefetch"))
		m := &schedulerMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "prefetch",
				Name: "issued_total", Help: "Prefetches issued by strategy",
			}, []string{"strategy"}),
			cancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "prefetch",
				Name: "cancelled_total", Help: "Prefetch intents cancelled before issue",
			}),
			deferred: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "prefetch",
				Name: "deferred_total", Help: "Prefetches deferred to a later batch window",
			}),
		}
		if err := s.registry.RegisterCounterVec("prefetch", "issued_total", m.issued); err == nil {
			_ = s.registry.RegisterCounter("prefetch", "cancelled_total", m.cancelled)
			_ = s.registry.RegisterCounter("prefetch", "deferred_total", m.deferred)
			s.metrics = m
		}
	}
	s.pool = worker.NewPool(s.workers, 64, s.process, poolOpts...)
	return s
}

// Start launches the worker pool and the deferred-batch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapValidation(errors.ErrInvalidConfig, "Scheduler", "Start", "already started")
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if err := s.pool.Start(s.runCtx); err != nil {
		s.runCancel()
		return errors.Wrap(err, "Scheduler", "Start", "worker pool start")
	}

	s.done = make(chan struct{})
	go s.batchLoop()
	s.started = true
	return nil
}

// Stop cancels outstanding work and drains the pool.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.runCancel()
	done := s.done
	s.mu.Unlock()

	<-done
	if err := s.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "Scheduler", "Stop", "worker pool drain")
	}
	return nil
}

// batchLoop resubmits deferred overflow every batch window.
func (s *Scheduler) batchLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			pending := s.deferred
			s.deferred = nil
			s.mu.Unlock()

			for _, j := range pending {
				s.submit(j)
			}
		}
	}
}

// Request registers a prefetch intent for key. The returned Intent does
// nothing until signalled.
func (s *Scheduler) Request(key entitycache.Key, fetch FetchFunc, strategy Strategy) *Intent {
	return &Intent{
		scheduler: s,
		key:       key,
		fetch:     fetch,
		strategy:  strategy,
	}
}

// Stats returns the underlying pool statistics.
func (s *Scheduler) Stats() worker.PoolStats {
	return s.pool.Stats()
}

func (s *Scheduler) submit(j *job) {
	if j.intent.isCancelled() {
		return
	}
	err := s.pool.Submit(j)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrQueueFull):
		s.mu.Lock()
		s.deferred = append(s.deferred, j)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.deferred.Inc()
		}
		s.log.Debug("prefetch deferred to next batch", "key", j.intent.key.String())
	default:
		// Pool not started or stopping; speculative work is droppable.
		s.log.Debug("prefetch discarded", "key", j.intent.key.String(), "error", err)
	}
}

// process runs one speculative fetch. All failures are swallowed.
func (s *Scheduler) process(ctx context.Context, j *job) error {
	intent := j.intent
	if intent.isCancelled() {
		return nil
	}

	// A fresh entry means demand traffic got here first.
	if entry, ok := s.cache.Peek(intent.key); ok && entry.State == entitycache.StateFresh {
		s.log.Debug("prefetch skipped, entry fresh", "key", intent.key.String())
		return nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	intent.setFetchCancel(cancel)
	defer cancel()

	value, err := intent.fetch(fetchCtx)
	if err != nil {
		s.log.Debug("prefetch failed", "key", intent.key.String(), "error", err)
		return err
	}
	if intent.isCancelled() {
		// Interest was lost while the fetch was in flight; the result is
		// discarded, never applied.
		return nil
	}

	s.cache.WriteNext(intent.key, value, entitycache.Speculative())
	if s.metrics != nil {
		s.metrics.issued.WithLabelValues(intent.strategy.String()).Inc()
	}
	return nil
}

// Intent is one consumer's prefetch interest in one key. Signal it on
// interest cues; Cancel it when interest is lost. Both are safe to call
// multiple times and from multiple goroutines.
type Intent struct {
	scheduler *Scheduler
	key       entitycache.Key
	fetch     FetchFunc
	strategy  Strategy

	mu          sync.Mutex
	timer       *time.Timer
	signals     []time.Time
	issued      bool
	cancelled   bool
	fetchCancel context.CancelFunc
}

// Signal records an interest cue and, depending on strategy, schedules or
// issues the prefetch.
func (i *Intent) Signal() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled || i.issued {
		return
	}

	switch i.strategy {
	case StrategyImmediate:
		i.issueLocked()

	case StrategyDelayed:
		if i.timer != nil {
			i.timer.Stop()
		}
		i.timer = time.AfterFunc(i.scheduler.delay, i.debounceFired)

	case StrategyIntentDetection:
		if _, ok := i.scheduler.cache.Peek(i.key); ok {
			// Already cached: the fetch is cheap revalidation, fire now.
			i.issueLocked()
			return
		}

		now := time.Now()
		if n := len(i.signals); n > 0 && now.Sub(i.signals[n-1]) <= i.scheduler.rapidWindow {
			i.issueLocked()
			return
		}

		cutoff := now.Add(-i.scheduler.detectWindow)
		kept := i.signals[:0]
		for _, ts := range i.signals {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		i.signals = append(kept, now)
		if len(i.signals) >= i.scheduler.detectCount {
			i.issueLocked()
		}
	}
}

// Cancel withdraws the intent: pending debounce timers stop, an in-flight
// fetch is cancelled, and a completed result is discarded unapplied.
func (i *Intent) Cancel() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled {
		return
	}
	i.cancelled = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if i.fetchCancel != nil {
		i.fetchCancel()
	}
	if s := i.scheduler; s.metrics != nil {
		s.metrics.cancelled.Inc()
	}
}

// Issued reports whether the prefetch has been handed to the pool.
func (i *Intent) Issued() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued
}

func (i *Intent) debounceFired() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled || i.issued {
		return
	}
	i.issueLocked()
}

func (i *Intent) issueLocked() {
	i.issued = true
	s := i.scheduler
	go s.submit(&job{intent: i})
}

func (i *Intent) isCancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

func (i *Intent) setFetchCancel(cancel context.CancelFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fetchCancel = cancel
}
