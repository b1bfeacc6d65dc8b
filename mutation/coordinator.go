// Package mutation implements the optimistic mutation saga: snapshot,
// apply, resolve, settle. The apply phase writes the expected effect to the
// entity cache synchronously so the interaction feels instantaneous; the
// resolve phase later confirms the guess against the server or restores the
// snapshot. Mutations on the same logical entity serialize FIFO, never
// race.
package mutation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/storesync/entitycache"
	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/pkg/retry"
)

// ApplyFunc computes the optimistic value from the current cached value
// (nil when the key is absent) and the mutation intent. It must be pure:
// no I/O, no shared-state writes.
type ApplyFunc func(current any, intent any) any

// ServerCallFunc performs the authoritative server mutation. It must honor
// ctx cancellation and return the server's authoritative value on success.
type ServerCallFunc func(ctx context.Context, req ServerRequest) (any, error)

// Notification is the single user-facing signal that crosses the component
// boundary: the final outcome of a mutation, suitable for a toast. Silent
// cancellations never produce one.
type Notification struct {
	MutationID uuid.UUID
	Key        entitycache.Key
	Outcome    Outcome
	Err        error
}

// Notifier receives mutation outcome notifications.
type Notifier func(Notification)

// Request describes one mutation.
type Request struct {
	// Key is the cache key the mutation targets.
	Key entitycache.Key

	// EntityID is the logical entity the mutation serializes on. Two
	// mutations with the same (Key, EntityID) run FIFO. Defaults to the
	// key itself.
	EntityID string

	// Intent is the domain payload, passed to Apply and the server call.
	Intent any

	// Apply computes the optimistic value.
	Apply ApplyFunc

	// Clamp, when set, bounds the optimistic value with the same rule the
	// server applies, so in-range inputs converge.
	Clamp func(any) any

	// ServerCall resolves the mutation against the server.
	ServerCall ServerCallFunc

	// Compensate, when set, produces the reverse mutation issued if the
	// user triggers undo within the undo window.
	Compensate func() Request

	// Fields names the entity fields the optimistic value touches. A push
	// event replacing all of them supersedes the pending record. Leave
	// empty to opt out of supersede cancellation.
	Fields []string

	// OnApplied, when set, is called synchronously right after the
	// optimistic write, for immediate user feedback.
	OnApplied func(entitycache.Entry)
}

func (r *Request) validate() error {
	if r.Key.IsZero() {
		return errors.WrapValidation(errors.ErrInvalidConfig, "Coordinator", "Mutate", "zero cache key")
	}
	if r.Apply == nil {
		return errors.WrapValidation(errors.ErrNilApply, "Coordinator", "Mutate", "request validation")
	}
	if r.ServerCall == nil {
		return errors.WrapValidation(errors.ErrNilServerCall, "Coordinator", "Mutate", "request validation")
	}
	return nil
}

func (r *Request) serializationKey() string {
	entityID := r.EntityID
	if entityID == "" {
		entityID = r.Key.String()
	}
	return r.Key.String() + "|" + entityID
}

// entityQueue serializes sagas per logical entity: one active, the rest
// waiting FIFO.
type entityQueue struct {
	active  *Mutation
	waiting []*Mutation
}

// Coordinator executes mutations as 4-phase sagas against the entity
// cache.
type Coordinator struct {
	cache      *entitycache.Cache
	retryCfg   retry.Config
	undoWindow time.Duration

	log      *slog.Logger
	notifier Notifier
	metrics  *coordinatorMetrics

	mu     sync.Mutex
	queues map[string]*entityQueue
}

type coordinatorMetrics struct {
	total    *prometheus.CounterVec
	pending  prometheus.Gauge
	duration prometheus.Histogram
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithRetry sets the retry policy for transient server-call failures.
func WithRetry(cfg retry.Config) Option {
	return func(c *Coordinator) { c.retryCfg = cfg }
}

// WithUndoWindow sets how long after settle a compensable mutation accepts
// Undo.
func WithUndoWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.undoWindow = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithNotifier sets the outcome notification sink.
func WithNotifier(fn Notifier) Option {
	return func(c *Coordinator) { c.notifier = fn }
}

// WithMetrics exposes coordinator metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Coordinator) {
		if registry == nil {
			return
		}
		m := &coordinatorMetrics{
			total: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "mutation",
				Name: "sagas_total", Help: "Settled mutation sagas by outcome",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metric.Namespace, Subsystem: "mutation",
				Name: "pending", Help: "Mutations applied but not yet settled",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: metric.Namespace, Subsystem: "mutation",
				Name: "saga_duration_seconds", Help: "Time from apply to settle",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}),
		}
		component := "mutation"
		if err := registry.RegisterCounterVec(component, "sagas_total", m.total); err != nil {
			c.log.Warn("mutation metrics registration failed", "error", err)
			return
		}
		_ = registry.RegisterGauge(component, "pending", m.pending)
		_ = registry.RegisterHistogram(component, "saga_duration_seconds", m.duration)
		c.metrics = m
	}
}

// NewCoordinator creates a mutation coordinator over the given cache.
func NewCoordinator(cache *entitycache.Cache, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:      cache,
		retryCfg:   retry.Quick(),
		undoWindow: 10 * time.Second,
		log:        slog.Default(),
		queues:     make(map[string]*entityQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mutation is the caller's handle on one saga. The optimistic apply has
// already happened (or the saga is queued behind a predecessor) by the time
// Mutate returns it.
type Mutation struct {
	id  uuid.UUID
	req Request

	// ctx is the caller's context, held so a queued saga can start with it
	// when its predecessor settles. Components never store contexts; this
	// handle is the coordinator's bookkeeping for a deferred start, not a
	// component.
	ctx context.Context

	coordinator *Coordinator
	record      *Record
	superseded  atomic.Bool
	startedAt   time.Time

	// appliedVersion is the cache version the optimistic write landed at.
	// Written in begin before the resolve goroutine starts.
	appliedVersion uint64

	done         chan struct{}
	result       Result
	undoDeadline time.Time
	undoDone     atomic.Bool
}

// ID returns the client-generated mutation id carried in the server
// request.
func (m *Mutation) ID() uuid.UUID { return m.id }

// Record returns a copy of the saga's optimistic record.
func (m *Mutation) Record() Record {
	m.coordinator.mu.Lock()
	defer m.coordinator.mu.Unlock()
	return *m.record
}

// Wait blocks until the saga settles or ctx is done.
func (m *Mutation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-m.done:
		return m.result, nil
	case <-ctx.Done():
		return Result{}, errors.WrapCancelled(ctx.Err(), "Mutation", "Wait", "await settle")
	}
}

// Undo issues the compensating mutation. Valid once, after settle, within
// the coordinator's undo window, and only when the request supplied a
// Compensate func.
func (m *Mutation) Undo(ctx context.Context) (*Mutation, error) {
	if m.req.Compensate == nil {
		return nil, errors.WrapValidation(errors.ErrNoCompensation, "Mutation", "Undo", "request check")
	}
	select {
	case <-m.done:
	default:
		return nil, errors.WrapValidation(errors.ErrMutationPending, "Mutation", "Undo", "saga not settled")
	}
	if time.Now().After(m.undoDeadline) {
		return nil, errors.WrapValidation(errors.ErrUndoExpired, "Mutation", "Undo", "window check")
	}
	if !m.undoDone.CompareAndSwap(false, true) {
		return nil, errors.WrapValidation(errors.ErrMutationSettled, "Mutation", "Undo", "already undone")
	}
	return m.coordinator.Mutate(ctx, m.req.Compensate())
}

// Mutate starts a mutation saga. When no other saga is pending for the same
// logical entity the optimistic apply happens synchronously before Mutate
// returns; otherwise the saga queues FIFO and applies when its predecessor
// settles.
func (c *Coordinator) Mutate(ctx context.Context, req Request) (*Mutation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	m := &Mutation{
		id:          uuid.New(),
		req:         req,
		ctx:         ctx,
		coordinator: c,
		done:        make(chan struct{}),
		record: &Record{
			Key:       req.Key,
			EntityID:  req.EntityID,
			Fields:    req.Fields,
			Status:    StatusQueued,
			CreatedAt: time.Now(),
		},
	}
	m.record.MutationID = m.id

	sk := req.serializationKey()
	c.mu.Lock()
	q := c.queues[sk]
	if q == nil {
		q = &entityQueue{}
		c.queues[sk] = q
	}
	if q.active == nil {
		q.active = m
		c.mu.Unlock()
		c.begin(m)
	} else {
		q.waiting = append(q.waiting, m)
		c.mu.Unlock()
		c.log.Debug("mutation queued behind pending saga",
			"mutationId", m.id, "key", req.Key.String())
	}

	return m, nil
}

// begin runs the snapshot and apply phases synchronously, then launches the
// resolve phase.
func (c *Coordinator) begin(m *Mutation) {
	m.startedAt = time.Now()

	entry, found := c.cache.Peek(m.req.Key)
	var current any
	if found {
		current = entry.Value
	}

	optimistic := m.req.Apply(current, m.req.Intent)
	if m.req.Clamp != nil {
		optimistic = m.req.Clamp(optimistic)
	}

	c.mu.Lock()
	m.record.PreviousValue = current
	m.record.PreviousFound = found
	m.record.AppliedValue = optimistic
	m.record.Status = StatusPending
	c.mu.Unlock()

	written := c.cache.WriteNext(m.req.Key, optimistic)
	m.appliedVersion = written.Version
	if c.metrics != nil {
		c.metrics.pending.Inc()
	}
	c.log.Debug("optimistic value applied",
		"mutationId", m.id, "key", m.req.Key.String(), "version", written.Version)

	if m.req.OnApplied != nil {
		m.req.OnApplied(written)
	}

	go c.resolve(m)
}

// resolve awaits the server and routes the outcome: confirm, rollback,
// forced refetch, or silent discard.
func (c *Coordinator) resolve(m *Mutation) {
	cfg := c.retryCfg
	cfg.Retryable = errors.IsTransient

	value, err := retry.DoWithResult(m.ctx, cfg, func() (any, error) {
		return m.req.ServerCall(m.ctx, ServerRequest{MutationID: m.id, Intent: m.req.Intent})
	})

	var res Result
	res.MutationID = m.id

	switch {
	case m.superseded.Load():
		// A push event already delivered authoritative state for the
		// fields this saga touched; whatever the server said is moot.
		c.setStatus(m, StatusCancelled)
		res.Outcome = OutcomeCancelled
		c.log.Debug("mutation superseded by push event", "mutationId", m.id, "key", m.req.Key.String())

	case err == nil:
		c.cache.WriteNext(m.req.Key, value)
		c.setStatus(m, StatusConfirmed)
		res.Outcome = OutcomeConfirmed
		res.Value = value

	case errors.IsCancelled(err):
		// A cancelled saga's result is discarded, never applied: the
		// snapshot goes back only while the optimistic write is still the
		// newest write for the key. A newer version means a push event
		// landed in the meantime and must not be clobbered.
		if c.optimisticStillCurrent(m) {
			c.rollback(m)
		}
		c.setStatus(m, StatusCancelled)
		res.Outcome = OutcomeCancelled
		c.log.Debug("mutation cancelled", "mutationId", m.id, "key", m.req.Key.String())

	case errors.IsConflict(err):
		// The snapshot itself may be stale; refetching beats restoring it.
		if _, rerr := c.cache.Refresh(m.ctx, m.req.Key); rerr != nil {
			c.cache.Invalidate(m.req.Key)
		}
		c.setStatus(m, StatusRolledBack)
		res.Outcome = OutcomeConflict
		res.Err = errors.WrapConflict(err, "Coordinator", "resolve", "server call for "+m.req.Key.String())

	default:
		c.rollback(m)
		c.setStatus(m, StatusRolledBack)
		res.Outcome = OutcomeRolledBack
		res.Err = errors.Wrap(err, "Coordinator", "resolve", "server call for "+m.req.Key.String())
	}

	c.settle(m, res)
}

// optimisticStillCurrent reports whether the saga's optimistic write is
// still the newest write for its key.
func (c *Coordinator) optimisticStillCurrent(m *Mutation) bool {
	entry, found := c.cache.Peek(m.req.Key)
	return found && entry.Version == m.appliedVersion
}

// rollback restores the pre-mutation snapshot verbatim: full restore, not a
// partial merge. A mutation that created the entry removes it.
func (c *Coordinator) rollback(m *Mutation) {
	c.mu.Lock()
	prev, found := m.record.PreviousValue, m.record.PreviousFound
	c.mu.Unlock()

	if found {
		c.cache.WriteNext(m.req.Key, prev)
	} else {
		c.cache.Remove(m.req.Key)
	}
}

func (c *Coordinator) setStatus(m *Mutation, s Status) {
	c.mu.Lock()
	m.record.Status = s
	c.mu.Unlock()
}

// settle marks the key stale so a background refetch reconciles any drift
// the optimistic and authoritative paths both missed, publishes the result,
// and releases the next saga queued on the entity.
func (c *Coordinator) settle(m *Mutation, res Result) {
	c.cache.Invalidate(m.req.Key)

	if m.req.Compensate != nil {
		m.undoDeadline = time.Now().Add(c.undoWindow)
	}
	m.result = res
	close(m.done)

	if c.metrics != nil {
		c.metrics.pending.Dec()
		c.metrics.total.WithLabelValues(res.Outcome.String()).Inc()
		c.metrics.duration.Observe(time.Since(m.startedAt).Seconds())
	}

	if c.notifier != nil && res.Outcome != OutcomeCancelled {
		c.notifier(Notification{
			MutationID: m.id,
			Key:        m.req.Key,
			Outcome:    res.Outcome,
			Err:        res.Err,
		})
	}

	sk := m.req.serializationKey()
	c.mu.Lock()
	q := c.queues[sk]
	var next *Mutation
	if q != nil {
		if len(q.waiting) > 0 {
			next = q.waiting[0]
			q.waiting = q.waiting[1:]
			q.active = next
		} else {
			delete(c.queues, sk)
		}
	}
	c.mu.Unlock()

	if next != nil {
		c.begin(next)
	}
}

// Pending reports whether a saga is pending for the (key, entityID) pair.
func (c *Coordinator) Pending(key entitycache.Key, entityID string) bool {
	r := Request{Key: key, EntityID: entityID}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[r.serializationKey()]
	return q != nil && q.active != nil
}

// Supersede cancels pending optimistic records on key whose declared fields
// are all covered by the incoming event's fields. The reconciler calls this
// for every accepted event; records that declared no fields are left to
// coexist with the event. Returns the number of records cancelled.
func (c *Coordinator) Supersede(key entitycache.Key, fields []string) int {
	if len(fields) == 0 {
		return 0
	}
	covered := make(map[string]bool, len(fields))
	for _, f := range fields {
		covered[f] = true
	}

	cancelled := 0
	c.mu.Lock()
	for _, q := range c.queues {
		m := q.active
		if m == nil || m.record.Status != StatusPending || m.record.Key != key || len(m.record.Fields) == 0 {
			continue
		}
		all := true
		for _, f := range m.record.Fields {
			if !covered[f] {
				all = false
				break
			}
		}
		if all {
			m.superseded.Store(true)
			cancelled++
		}
	}
	c.mu.Unlock()
	return cancelled
}
