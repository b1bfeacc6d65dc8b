// Package engine wires the five sync components into one lifecycle: the
// entity cache, the mutation coordinator, the topic subscription manager,
// the event reconciler, and the prefetch scheduler. Hosts construct an
// Engine around their push-channel collaborator, register fetchers, then
// drive Initialize/Start/Stop.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/storesync/config"
	"github.com/c360/storesync/entitycache"
	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/mutation"
	"github.com/c360/storesync/pkg/retry"
	"github.com/c360/storesync/prefetch"
	"github.com/c360/storesync/pushchannel"
	"github.com/c360/storesync/reconcile"
	"github.com/c360/storesync/subscription"
)

// Engine owns the wired component graph.
type Engine struct {
	cfg     *config.Config
	channel pushchannel.Channel
	log     *slog.Logger

	registry *metric.Registry
	notifier mutation.Notifier

	cache         *entitycache.Cache
	coordinator   *mutation.Coordinator
	subscriptions *subscription.Manager
	reconciler    *reconcile.Reconciler
	prefetcher    *prefetch.Scheduler

	mu          sync.Mutex
	initialized bool
	started     bool

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the structured logger shared by all components.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics exposes all component metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithNotifier sets the mutation outcome notification sink.
func WithNotifier(fn mutation.Notifier) Option {
	return func(e *Engine) { e.notifier = fn }
}

// New creates an engine over the given push channel. A nil cfg uses
// defaults.
func New(cfg *config.Config, channel pushchannel.Channel, opts ...Option) (*Engine, error) {
	if channel == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig, "Engine", "New", "nil push channel")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg.Clone(),
		channel: channel,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Initialize constructs the component graph. Must be called before Start.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return errors.WrapValidation(errors.ErrInvalidConfig, "Engine", "Initialize", "already initialized")
	}

	cacheOpts := []entitycache.Option{
		entitycache.WithTTL(e.cfg.Cache.TTL()),
		entitycache.WithSpeculativeTTL(e.cfg.Cache.SpeculativeTTL()),
		entitycache.WithSweepInterval(e.cfg.Cache.SweepInterval()),
		entitycache.WithLogger(e.log),
	}
	if e.registry != nil {
		cacheOpts = append(cacheOpts, entitycache.WithMetrics(e.registry, "entitycache"))
	}
	e.cache = entitycache.New(context.Background(), cacheOpts...)

	mutOpts := []mutation.Option{
		mutation.WithRetry(retry.Config{
			MaxAttempts:  e.cfg.Mutation.MaxRetries,
			InitialDelay: e.cfg.Mutation.RetryInitialDelay(),
			MaxDelay:     e.cfg.Mutation.RetryMaxDelay(),
			Multiplier:   2,
			AddJitter:    true,
		}),
		mutation.WithUndoWindow(e.cfg.Mutation.UndoWindow()),
		mutation.WithLogger(e.log),
	}
	if e.notifier != nil {
		mutOpts = append(mutOpts, mutation.WithNotifier(e.notifier))
	}
	if e.registry != nil {
		mutOpts = append(mutOpts, mutation.WithMetrics(e.registry))
	}
	e.coordinator = mutation.NewCoordinator(e.cache, mutOpts...)

	subOpts := []subscription.Option{subscription.WithLogger(e.log)}
	if e.registry != nil {
		subOpts = append(subOpts, subscription.WithMetrics(e.registry))
	}
	e.subscriptions = subscription.NewManager(e.channel, subOpts...)

	recOpts := []reconcile.Option{
		reconcile.WithSuperseder(e.coordinator),
		reconcile.WithStatusField(e.cfg.Reconcile.StatusField),
		reconcile.WithLogger(e.log),
	}
	if e.registry != nil {
		recOpts = append(recOpts, reconcile.WithMetrics(e.registry))
	}
	e.reconciler = reconcile.NewReconciler(e.cache, e.channel, e.subscriptions, recOpts...)

	preOpts := []prefetch.Option{
		prefetch.WithWorkers(e.cfg.Prefetch.Workers),
		prefetch.WithDelay(e.cfg.Prefetch.Delay()),
		prefetch.WithDetection(e.cfg.Prefetch.DetectSignals, e.cfg.Prefetch.DetectWindow(), e.cfg.Prefetch.RapidResignal()),
		prefetch.WithBatchWindow(e.cfg.Prefetch.BatchWindow()),
		prefetch.WithLogger(e.log),
	}
	if e.registry != nil {
		preOpts = append(preOpts, prefetch.WithMetrics(e.registry))
	}
	e.prefetcher = prefetch.NewScheduler(e.cache, preOpts...)

	e.initialized = true
	return nil
}

// Start launches the reconciler loop and the prefetch pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errors.WrapValidation(errors.ErrInvalidConfig, "Engine", "Start", "not initialized")
	}
	if e.started {
		return errors.WrapValidation(errors.ErrInvalidConfig, "Engine", "Start", "already started")
	}

	e.runCtx, e.runCancel = context.WithCancel(ctx)
	if err := e.prefetcher.Start(e.runCtx); err != nil {
		e.runCancel()
		return errors.Wrap(err, "Engine", "Start", "prefetch scheduler")
	}

	e.runDone = make(chan struct{})
	go func() {
		defer close(e.runDone)
		e.reconciler.Run(e.runCtx)
	}()

	e.started = true
	e.log.Info("sync engine started")
	return nil
}

// Stop shuts the engine down, waiting up to timeout for in-flight work.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.runCancel()
	runDone := e.runDone
	e.mu.Unlock()

	select {
	case <-runDone:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrChannelClosed, "Engine", "Stop", "reconciler drain timeout")
	}

	if err := e.prefetcher.Stop(timeout); err != nil {
		return err
	}
	if err := e.cache.Close(); err != nil {
		return err
	}
	e.log.Info("sync engine stopped")
	return nil
}

// Cache returns the entity cache.
func (e *Engine) Cache() *entitycache.Cache { return e.cache }

// Mutations returns the mutation coordinator.
func (e *Engine) Mutations() *mutation.Coordinator { return e.coordinator }

// Subscriptions returns the topic subscription manager.
func (e *Engine) Subscriptions() *subscription.Manager { return e.subscriptions }

// Reconciler returns the event reconciler.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

// Prefetch returns the prefetch scheduler.
func (e *Engine) Prefetch() *prefetch.Scheduler { return e.prefetcher }
