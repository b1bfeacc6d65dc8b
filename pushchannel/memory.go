package pushchannel

import (
	"context"
	"sync"

	"github.com/c360/storesync/errors"
)

// MemoryChannel is an in-process Channel implementation with per-topic
// ordered delivery and version-based replay. Tests and local wiring use it
// in place of a real transport; the publish side plays the server.
type MemoryChannel struct {
	mu          sync.Mutex
	subscribed  map[string]bool
	history     map[string][]InboundEvent
	lastVersion map[string]uint64
	onReconnect []func()
	closed      bool

	// sending tracks in-flight deliveries so Close can wait for them
	// before closing the events channel; done unblocks deliveries stuck
	// on a full buffer.
	sending sync.WaitGroup
	done    chan struct{}
	events  chan InboundEvent
}

// NewMemoryChannel creates a memory channel with the given event buffer.
func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryChannel{
		subscribed:  make(map[string]bool),
		history:     make(map[string][]InboundEvent),
		lastVersion: make(map[string]uint64),
		done:        make(chan struct{}),
		events:      make(chan InboundEvent, buffer),
	}
}

// send delivers one event unless the channel closes first. The caller must
// have registered with m.sending while holding m.mu.
func (m *MemoryChannel) send(ev InboundEvent) error {
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return errors.ErrChannelClosed
	}
}

// Subscribe marks the topic subscribed and replays retained events newer
// than resumeFrom, in order.
func (m *MemoryChannel) Subscribe(_ context.Context, topic string, resumeFrom uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrChannelClosed
	}
	m.subscribed[topic] = true
	var replay []InboundEvent
	for _, ev := range m.history[topic] {
		if ev.Version > resumeFrom {
			replay = append(replay, ev)
		}
	}
	m.sending.Add(1)
	m.mu.Unlock()
	defer m.sending.Done()

	for _, ev := range replay {
		if err := m.send(ev); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe marks the topic unsubscribed. Retained history is kept so a
// later resubscribe can replay.
func (m *MemoryChannel) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrChannelClosed
	}
	delete(m.subscribed, topic)
	return nil
}

// Events returns the inbound event stream.
func (m *MemoryChannel) Events() <-chan InboundEvent {
	return m.events
}

// OnReconnect registers a reconnect callback.
func (m *MemoryChannel) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

// Publish delivers an event to subscribers of its topic and retains it for
// replay. A zero Version is assigned the topic's next version; explicit
// versions let tests exercise duplicate and out-of-order delivery.
func (m *MemoryChannel) Publish(ev InboundEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrChannelClosed
	}
	if ev.Version == 0 {
		ev.Version = m.lastVersion[ev.Topic] + 1
	}
	if ev.Version > m.lastVersion[ev.Topic] {
		m.lastVersion[ev.Topic] = ev.Version
	}
	m.history[ev.Topic] = append(m.history[ev.Topic], ev)
	deliver := m.subscribed[ev.Topic]
	m.sending.Add(1)
	m.mu.Unlock()
	defer m.sending.Done()

	if deliver {
		return m.send(ev)
	}
	return nil
}

// SimulateReconnect drops all subscriptions the way a transport reconnect
// would, then fires the registered reconnect callbacks.
func (m *MemoryChannel) SimulateReconnect() {
	m.mu.Lock()
	m.subscribed = make(map[string]bool)
	callbacks := make([]func(), len(m.onReconnect))
	copy(callbacks, m.onReconnect)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Subscribed reports whether the topic currently has an active
// subscription on the transport.
func (m *MemoryChannel) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[topic]
}

// Close tears down the channel: in-flight deliveries are released, then
// the event stream is closed.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.sending.Wait()
	close(m.events)
	return nil
}
