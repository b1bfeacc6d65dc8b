// Package pushchannel defines the collaborator surface for the multiplexed
// real-time push stream: the inbound event shape, the topic-scoped control
// frames, and reconnect notification. The concrete transport lives outside
// this module; an in-process MemoryChannel ships for tests and local
// wiring.
//
// Delivery contract assumed from the transport: at-least-once, ordered per
// topic. Cross-topic ordering is NOT guaranteed and must not be relied
// upon.
package pushchannel

import (
	"context"
	"time"

	"github.com/c360/storesync/errors"
)

// EventKind is the closed set of inbound event kinds. Each kind has exactly
// one merge rule in the reconciler; adding a kind is a compile-time-checked
// change, not a lookup-table registration.
type EventKind int

const (
	// KindFieldUpdate overwrites named fields of an entity, e.g. a price
	// drop or stock depletion.
	KindFieldUpdate EventKind = iota
	// KindCounter updates a monotonic display counter, e.g. viewer count
	// or helpful-count. Merged last-writer-wins by server timestamp.
	KindCounter
	// KindStatusChange advances an entity through its status state
	// machine, e.g. an order moving to shipping.
	KindStatusChange
	// KindAppend adds an item to a cached collection, e.g. a new review,
	// chat message, or activity feed entry.
	KindAppend
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case KindFieldUpdate:
		return "field_update"
	case KindCounter:
		return "counter"
	case KindStatusChange:
		return "status_change"
	case KindAppend:
		return "append"
	default:
		return "unknown"
	}
}

// FieldUpdate names an entity and the fields to overwrite on it.
type FieldUpdate struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Fields     map[string]any `json:"fields"`
}

// CounterUpdate carries a new absolute value for one counter field.
type CounterUpdate struct {
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
}

// StatusChange carries an entity's new status.
type StatusChange struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Status     string `json:"status"`
}

// AppendItem carries one new item for an entity-owned collection.
type AppendItem struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Item       map[string]any `json:"item"`
}

// InboundEvent is one push-stream delivery. Exactly one payload field is
// set, matching Kind. Version is per-topic monotonic and assigned by the
// server; ServerTime is the server-side occurrence time.
type InboundEvent struct {
	Topic      string        `json:"topic"`
	Kind       EventKind     `json:"kind"`
	Version    uint64        `json:"version"`
	ServerTime time.Time     `json:"serverTime"`
	Field      *FieldUpdate  `json:"field,omitempty"`
	Counter    *CounterUpdate `json:"counter,omitempty"`
	Status     *StatusChange `json:"status,omitempty"`
	Append     *AppendItem   `json:"append,omitempty"`
}

// Validate checks that the event carries exactly the payload its kind
// requires.
func (e InboundEvent) Validate() error {
	if e.Topic == "" {
		return errors.WrapValidation(errors.ErrInvalidEvent, "InboundEvent", "Validate", "empty topic")
	}

	var ok bool
	switch e.Kind {
	case KindFieldUpdate:
		ok = e.Field != nil && e.Counter == nil && e.Status == nil && e.Append == nil
	case KindCounter:
		ok = e.Counter != nil && e.Field == nil && e.Status == nil && e.Append == nil
	case KindStatusChange:
		ok = e.Status != nil && e.Field == nil && e.Counter == nil && e.Append == nil
	case KindAppend:
		ok = e.Append != nil && e.Field == nil && e.Counter == nil && e.Status == nil
	default:
		return errors.WrapValidation(errors.ErrInvalidEvent, "InboundEvent", "Validate", "unknown kind")
	}
	if !ok {
		return errors.WrapValidation(errors.ErrInvalidEvent, "InboundEvent", "Validate",
			"payload does not match kind "+e.Kind.String())
	}
	return nil
}

// Entity returns the (entityType, entityID) pair the event targets.
func (e InboundEvent) Entity() (string, string) {
	switch e.Kind {
	case KindFieldUpdate:
		if e.Field != nil {
			return e.Field.EntityType, e.Field.EntityID
		}
	case KindCounter:
		if e.Counter != nil {
			return e.Counter.EntityType, e.Counter.EntityID
		}
	case KindStatusChange:
		if e.Status != nil {
			return e.Status.EntityType, e.Status.EntityID
		}
	case KindAppend:
		if e.Append != nil {
			return e.Append.EntityType, e.Append.EntityID
		}
	}
	return "", ""
}

// ControlSender emits topic-scoped subscribe/unsubscribe control frames.
// The subscription manager is its only caller.
type ControlSender interface {
	// Subscribe opens interest in a topic. resumeFrom is the last event
	// version already seen for the topic; the transport replays anything
	// newer it still holds.
	Subscribe(ctx context.Context, topic string, resumeFrom uint64) error

	// Unsubscribe closes interest in a topic.
	Unsubscribe(ctx context.Context, topic string) error
}

// Channel is the full push-transport collaborator contract.
type Channel interface {
	ControlSender

	// Events returns the stream of inbound events for all subscribed
	// topics. Closed when the channel is closed.
	Events() <-chan InboundEvent

	// OnReconnect registers a callback invoked after the transport
	// re-establishes its connection. Subscriptions do not survive the
	// transport reconnect; the callback is where the subscription manager
	// re-issues them.
	OnReconnect(fn func())

	// Close tears down the channel and closes the event stream.
	Close() error
}
