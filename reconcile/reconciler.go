// Package reconcile merges inbound push events into the entity cache. Each
// event kind has exactly one merge rule: field updates overwrite named
// fields, counters are last-writer-wins by server timestamp, status changes
// go through the forward-only state machine, and appends are idempotent
// inserts. Rejected events are dropped with a diagnostic log; the
// reconciler never raises errors to its callers.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/storesync/entitycache"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/pushchannel"
)

// VersionTracker remembers the last applied event version per topic so
// replayed events after a resubscribe are deduplicated. The subscription
// manager implements it.
type VersionTracker interface {
	NoteVersion(topic string, version uint64)
	LastVersion(topic string) uint64
}

// Superseder cancels pending optimistic records whose declared fields are
// all covered by an accepted event. The mutation coordinator implements it.
type Superseder interface {
	Supersede(key entitycache.Key, fields []string) int
}

// KeyFunc maps an event's entity to its cache key. The default is the
// single-entity detail key.
type KeyFunc func(entityType, entityID string) entitycache.Key

type counterGuard struct {
	key   entitycache.Key
	field string
}

type reconcilerMetrics struct {
	applied *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

// Reconciler consumes the push-channel event stream and applies each event
// to the cache. One goroutine, started by Run; all state is owned by that
// goroutine except what the cache and version tracker guard themselves.
type Reconciler struct {
	cache      *entitycache.Cache
	channel    pushchannel.Channel
	versions   VersionTracker
	superseder Superseder
	keyFor     KeyFunc

	statusField string
	log         *slog.Logger
	metrics     *reconcilerMetrics

	// counterTimes guards counter merges by server timestamp, per
	// (key, field). Reconciler-resident: an evicted entry's guard resets
	// with it, which is safe because a refetch re-establishes the
	// authoritative value.
	counterTimes map[counterGuard]time.Time
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithSuperseder wires the optimistic-record cancellation hook.
func WithSuperseder(s Superseder) Option {
	return func(r *Reconciler) { r.superseder = s }
}

// WithKeyFunc overrides the event-entity to cache-key mapping.
func WithKeyFunc(fn KeyFunc) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.keyFor = fn
		}
	}
}

// WithStatusField sets the document field holding entity status. Defaults
// to "status".
func WithStatusField(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.statusField = name
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics exposes reconciler metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(r *Reconciler) {
		if registry == nil {
			return
		}
		m := &reconcilerMetrics{
			applied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "reconcile",
				Name: "events_applied_total", Help: "Inbound events merged into the cache by kind",
			}, []string{"kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "reconcile",
				Name: "events_dropped_total", Help: "Inbound events dropped by reason",
			}, []string{"reason"}),
		}
		if err := registry.RegisterCounterVec("reconcile", "events_applied_total", m.applied); err != nil {
			r.log.Warn("reconcile metrics registration failed", "error", err)
			return
		}
		_ = registry.RegisterCounterVec("reconcile", "events_dropped_total", m.dropped)
		r.metrics = m
	}
}

// NewReconciler creates a reconciler over the given cache, event source and
// per-topic version tracker.
func NewReconciler(cache *entitycache.Cache, channel pushchannel.Channel, versions VersionTracker, opts ...Option) *Reconciler {
	r := &Reconciler{
		cache:        cache,
		channel:      channel,
		versions:     versions,
		keyFor:       entitycache.DetailKey,
		statusField:  "status",
		log:          slog.Default(),
		counterTimes: make(map[counterGuard]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the event stream until ctx is done or the channel closes.
// Events on the same topic are processed in arrival order.
func (r *Reconciler) Run(ctx context.Context) {
	events := r.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.Apply(event)
		}
	}
}

// Apply merges one event into the cache. Exported for tests and for hosts
// that drive the stream themselves.
func (r *Reconciler) Apply(event pushchannel.InboundEvent) {
	if err := event.Validate(); err != nil {
		r.drop(event, "invalid")
		return
	}

	// Counters dedupe by server timestamp instead; replayed versions of
	// every other kind are dropped here.
	if event.Kind != pushchannel.KindCounter && event.Version <= r.versions.LastVersion(event.Topic) {
		r.drop(event, "stale_version")
		return
	}

	entityType, entityID := event.Entity()
	key := r.keyFor(entityType, entityID)

	var applied bool
	var fields []string
	switch event.Kind {
	case pushchannel.KindFieldUpdate:
		applied, fields = r.applyFieldUpdate(key, event)
	case pushchannel.KindCounter:
		applied, fields = r.applyCounter(key, event)
	case pushchannel.KindStatusChange:
		applied, fields = r.applyStatusChange(key, event)
	case pushchannel.KindAppend:
		applied, fields = r.applyAppend(key, event)
	}

	r.versions.NoteVersion(event.Topic, event.Version)
	if !applied {
		return
	}

	if r.metrics != nil {
		r.metrics.applied.WithLabelValues(event.Kind.String()).Inc()
	}
	if r.superseder != nil && len(fields) > 0 {
		if n := r.superseder.Supersede(key, fields); n > 0 {
			r.log.Debug("push event superseded pending mutations",
				"topic", event.Topic, "key", key.String(), "cancelled", n)
		}
	}
}

func (r *Reconciler) applyFieldUpdate(key entitycache.Key, event pushchannel.InboundEvent) (bool, []string) {
	entry, found := r.cache.Peek(key)
	if !found {
		// The push channel never originates an entity's first state.
		r.drop(event, "no_entry")
		return false, nil
	}
	doc, ok := entry.Value.(entitycache.Document)
	if !ok {
		r.drop(event, "shape_mismatch")
		return false, nil
	}

	r.cache.WriteNext(key, doc.Merge(event.Field.Fields))

	fields := make([]string, 0, len(event.Field.Fields))
	for name := range event.Field.Fields {
		fields = append(fields, name)
	}
	return true, fields
}

func (r *Reconciler) applyCounter(key entitycache.Key, event pushchannel.InboundEvent) (bool, []string) {
	guard := counterGuard{key: key, field: event.Counter.Field}
	if last, ok := r.counterTimes[guard]; ok && event.ServerTime.Before(last) {
		r.drop(event, "stale_timestamp")
		return false, nil
	}

	entry, found := r.cache.Peek(key)
	if !found {
		r.drop(event, "no_entry")
		return false, nil
	}
	doc, ok := entry.Value.(entitycache.Document)
	if !ok {
		r.drop(event, "shape_mismatch")
		return false, nil
	}

	r.cache.WriteNext(key, doc.Merge(map[string]any{event.Counter.Field: event.Counter.Value}))
	r.counterTimes[guard] = event.ServerTime
	return true, []string{event.Counter.Field}
}

func (r *Reconciler) applyStatusChange(key entitycache.Key, event pushchannel.InboundEvent) (bool, []string) {
	entry, found := r.cache.Peek(key)
	if !found {
		r.drop(event, "no_entry")
		return false, nil
	}
	doc, ok := entry.Value.(entitycache.Document)
	if !ok {
		r.drop(event, "shape_mismatch")
		return false, nil
	}

	current := doc.String(r.statusField)
	next := event.Status.Status
	if !AllowTransition(current, next) {
		r.log.Debug("status transition rejected",
			"topic", event.Topic, "key", key.String(), "from", current, "to", next)
		r.drop(event, "backward_status")
		return false, nil
	}

	r.cache.WriteNext(key, doc.Merge(map[string]any{r.statusField: next}))
	return true, []string{r.statusField}
}

func (r *Reconciler) applyAppend(key entitycache.Key, event pushchannel.InboundEvent) (bool, []string) {
	entry, found := r.cache.Peek(key)
	if !found {
		r.drop(event, "no_entry")
		return false, nil
	}
	list, ok := entry.Value.(entitycache.List)
	if !ok {
		r.drop(event, "shape_mismatch")
		return false, nil
	}

	next, inserted := list.Append(entitycache.Document(event.Append.Item))
	if !inserted {
		r.drop(event, "duplicate_item")
		return false, nil
	}

	r.cache.WriteNext(key, next)
	return true, nil
}

func (r *Reconciler) drop(event pushchannel.InboundEvent, reason string) {
	r.log.Debug("inbound event dropped",
		"topic", event.Topic, "kind", event.Kind.String(), "version", event.Version, "reason", reason)
	if r.metrics != nil {
		r.metrics.dropped.WithLabelValues(reason).Inc()
	}
}
