// Package subscription tracks which push-channel topics are currently of
// interest and drives subscribe/unsubscribe control frames from
// ref-counted consumer handles. UI surfaces acquire a handle when they
// mount and release it on every exit path; the manager owns the mapping
// from interest to wire frames.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/metric"
	"github.com/c360/storesync/pushchannel"
)

// releaseTimeout bounds the unsubscribe frame sent on a handle's release,
// which has no caller context to inherit.
const releaseTimeout = 5 * time.Second

// topicState tracks one topic's interest. lastVersion is retained after
// refCount drops to zero so a later resubscribe resumes past events the
// reconciler already merged.
type topicState struct {
	refCount    int
	lastVersion uint64
}

// Manager ref-counts topic interest and emits control frames on 0-to-1 and
// 1-to-0 transitions.
type Manager struct {
	mu     sync.Mutex
	sender pushchannel.ControlSender
	topics map[string]*topicState

	log     *slog.Logger
	metrics *managerMetrics
}

type managerMetrics struct {
	activeTopics prometheus.Gauge
	subscribes   prometheus.Counter
	unsubscribes prometheus.Counter
	resubscribes prometheus.Counter
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics exposes subscription metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(m *Manager) {
		if registry == nil {
			return
		}
		mm := &managerMetrics{
			activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: metric.Namespace, Subsystem: "subscription",
				Name: "active_topics", Help: "Topics with at least one live handle",
			}),
			subscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "subscription",
				Name: "subscribe_frames_total", Help: "Subscribe control frames emitted",
			}),
			unsubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "subscription",
				Name: "unsubscribe_frames_total", Help: "Unsubscribe control frames emitted",
			}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "subscription",
				Name: "resubscribe_frames_total", Help: "Subscribe frames re-emitted after reconnect",
			}),
		}
		component := "subscription"
		if err := registry.RegisterGauge(component, "active_topics", mm.activeTopics); err != nil {
			m.log.Warn("subscription metrics registration failed", "error", err)
			return
		}
		_ = registry.RegisterCounter(component, "subscribe_frames", mm.subscribes)
		_ = registry.RegisterCounter(component, "unsubscribe_frames", mm.unsubscribes)
		_ = registry.RegisterCounter(component, "resubscribe_frames", mm.resubscribes)
		m.metrics = mm
	}
}

// NewManager creates a manager over the given control sender. When the
// sender is a full pushchannel.Channel, the manager registers itself for
// reconnect notification and re-subscribes every live topic automatically.
func NewManager(sender pushchannel.ControlSender, opts ...Option) *Manager {
	m := &Manager{
		sender: sender,
		topics: make(map[string]*topicState),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if ch, ok := sender.(pushchannel.Channel); ok {
		ch.OnReconnect(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := m.ResubscribeAll(ctx); err != nil {
				m.log.Warn("resubscribe after reconnect failed", "error", err)
			}
		})
	}

	return m
}

// Handle represents one consumer's interest in a topic. Release is
// idempotent and must be called on every consumer exit path.
type Handle struct {
	id      uuid.UUID
	topic   string
	manager *Manager
	once    sync.Once
}

// Topic returns the topic this handle holds interest in.
func (h *Handle) Topic() string {
	return h.topic
}

// Release drops the handle's interest. The 1-to-0 transition emits an
// unsubscribe frame.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.manager.release(h)
	})
}

// Subscribe opens interest in a topic and returns a handle. The 0-to-1
// transition emits a subscribe frame carrying the topic's resume version;
// further subscriptions to a live topic are purely local.
func (m *Manager) Subscribe(ctx context.Context, topic string) (*Handle, error) {
	if topic == "" {
		return nil, errors.WrapValidation(errors.ErrUnknownTopic, "Manager", "Subscribe", "empty topic")
	}

	m.mu.Lock()
	st := m.topics[topic]
	if st == nil {
		st = &topicState{}
		m.topics[topic] = st
	}
	st.refCount++
	first := st.refCount == 1
	resume := st.lastVersion
	m.mu.Unlock()

	if first {
		if err := m.sender.Subscribe(ctx, topic, resume); err != nil {
			m.mu.Lock()
			st.refCount--
			m.mu.Unlock()
			return nil, errors.WrapTransient(err, "Manager", "Subscribe", "subscribe frame for "+topic)
		}
		m.log.Debug("topic subscribed", "topic", topic, "resumeFrom", resume)
		if m.metrics != nil {
			m.metrics.subscribes.Inc()
			m.metrics.activeTopics.Set(float64(m.activeCount()))
		}
	}

	return &Handle{id: uuid.New(), topic: topic, manager: m}, nil
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	st := m.topics[h.topic]
	if st == nil || st.refCount == 0 {
		m.mu.Unlock()
		return
	}
	st.refCount--
	last := st.refCount == 0
	m.mu.Unlock()

	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.sender.Unsubscribe(ctx, h.topic); err != nil {
		// Interest is already gone locally; the frame failing only means
		// the transport keeps sending events nobody merges.
		m.log.Warn("unsubscribe frame failed", "topic", h.topic, "error", err)
	}
	m.log.Debug("topic unsubscribed", "topic", h.topic)
	if m.metrics != nil {
		m.metrics.unsubscribes.Inc()
		m.metrics.activeTopics.Set(float64(m.activeCount()))
	}
}

// NoteVersion records the newest event version merged for a topic. The
// reconciler calls this after every accepted event; the stored version
// rides on the next subscribe frame so replays after resubscribe or
// reconnect are deduplicated.
func (m *Manager) NoteVersion(topic string, version uint64) {
	m.mu.Lock()
	st := m.topics[topic]
	if st == nil {
		st = &topicState{}
		m.topics[topic] = st
	}
	if version > st.lastVersion {
		st.lastVersion = version
	}
	m.mu.Unlock()
}

// LastVersion returns the newest event version recorded for a topic.
func (m *Manager) LastVersion(topic string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.topics[topic]; st != nil {
		return st.lastVersion
	}
	return 0
}

// RefCount returns the number of live handles for a topic.
func (m *Manager) RefCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.topics[topic]; st != nil {
		return st.refCount
	}
	return 0
}

// ActiveTopics returns all topics with at least one live handle.
func (m *Manager) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for topic, st := range m.topics {
		if st.refCount > 0 {
			out = append(out, topic)
		}
	}
	return out
}

// ResubscribeAll re-emits subscribe frames for every topic with live
// handles, each carrying its retained resume version. Called after a
// transport reconnect.
func (m *Manager) ResubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	type resub struct {
		topic  string
		resume uint64
	}
	var pending []resub
	for topic, st := range m.topics {
		if st.refCount > 0 {
			pending = append(pending, resub{topic: topic, resume: st.lastVersion})
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, r := range pending {
		if err := m.sender.Subscribe(ctx, r.topic, r.resume); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapTransient(err, "Manager", "ResubscribeAll", "resubscribe "+r.topic)
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.resubscribes.Inc()
		}
		m.log.Debug("topic resubscribed", "topic", r.topic, "resumeFrom", r.resume)
	}
	return firstErr
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.topics {
		if st.refCount > 0 {
			n++
		}
	}
	return n
}
