package pushchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/storesync/errors"
)

func fieldEvent(topic string, version uint64) InboundEvent {
	return InboundEvent{
		Topic:      topic,
		Kind:       KindFieldUpdate,
		Version:    version,
		ServerTime: time.Now(),
		Field: &FieldUpdate{
			EntityType: "productDetail",
			EntityID:   "p1",
			Fields:     map[string]any{"price": 90.0},
		},
	}
}

func drain(t *testing.T, ch <-chan InboundEvent, n int) []InboundEvent {
	t.Helper()
	out := make([]InboundEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "field_update", KindFieldUpdate.String())
	assert.Equal(t, "counter", KindCounter.String())
	assert.Equal(t, "status_change", KindStatusChange.String())
	assert.Equal(t, "append", KindAppend.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestInboundEvent_Validate(t *testing.T) {
	valid := fieldEvent("product_p1", 1)
	require.NoError(t, valid.Validate())

	missing := valid
	missing.Field = nil
	assert.Error(t, missing.Validate())

	wrongKind := valid
	wrongKind.Kind = KindAppend
	assert.Error(t, wrongKind.Validate())

	both := valid
	both.Status = &StatusChange{EntityType: "order", EntityID: "o1", Status: "confirmed"}
	assert.Error(t, both.Validate())

	noTopic := valid
	noTopic.Topic = ""
	assert.Error(t, noTopic.Validate())
}

func TestInboundEvent_Entity(t *testing.T) {
	et, id := fieldEvent("product_p1", 1).Entity()
	assert.Equal(t, "productDetail", et)
	assert.Equal(t, "p1", id)

	ev := InboundEvent{
		Topic: "order_1",
		Kind:  KindStatusChange,
		Status: &StatusChange{
			EntityType: "order", EntityID: "o1", Status: "shipping",
		},
	}
	et, id = ev.Entity()
	assert.Equal(t, "order", et)
	assert.Equal(t, "o1", id)
}

func TestMemoryChannel_DeliversToSubscribers(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.Subscribe(context.Background(), "product_p1", 0))
	require.NoError(t, ch.Publish(fieldEvent("product_p1", 1)))
	require.NoError(t, ch.Publish(fieldEvent("product_p1", 2)))

	events := drain(t, ch.Events(), 2)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, uint64(2), events[1].Version)
}

func TestMemoryChannel_NoDeliveryWhenUnsubscribed(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.Publish(fieldEvent("product_p1", 1)))

	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryChannel_ReplayFromResumeVersion(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	// Events retained before any subscriber.
	require.NoError(t, ch.Publish(fieldEvent("product_p1", 1)))
	require.NoError(t, ch.Publish(fieldEvent("product_p1", 2)))
	require.NoError(t, ch.Publish(fieldEvent("product_p1", 3)))

	require.NoError(t, ch.Subscribe(context.Background(), "product_p1", 1))

	events := drain(t, ch.Events(), 2)
	assert.Equal(t, uint64(2), events[0].Version)
	assert.Equal(t, uint64(3), events[1].Version)
}

func TestMemoryChannel_AutoVersioning(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.Subscribe(context.Background(), "product_p1", 0))

	ev := fieldEvent("product_p1", 0)
	require.NoError(t, ch.Publish(ev))
	require.NoError(t, ch.Publish(ev))

	events := drain(t, ch.Events(), 2)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, uint64(2), events[1].Version)
}

func TestMemoryChannel_SimulateReconnect(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.Subscribe(context.Background(), "product_p1", 0))
	require.True(t, ch.Subscribed("product_p1"))

	fired := false
	ch.OnReconnect(func() { fired = true })

	ch.SimulateReconnect()

	assert.True(t, fired)
	assert.False(t, ch.Subscribed("product_p1"), "subscriptions must not survive reconnect")
}

func TestMemoryChannel_ClosedRejectsOperations(t *testing.T) {
	ch := NewMemoryChannel(8)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.True(t, errors.Is(ch.Subscribe(context.Background(), "t", 0), errors.ErrChannelClosed))
	assert.True(t, errors.Is(ch.Unsubscribe(context.Background(), "t"), errors.ErrChannelClosed))
	assert.True(t, errors.Is(ch.Publish(fieldEvent("t", 1)), errors.ErrChannelClosed))

	_, open := <-ch.Events()
	assert.False(t, open)
}

func TestMemoryChannel_CloseReleasesBlockedPublisher(t *testing.T) {
	m := NewMemoryChannel(1)
	require.NoError(t, m.Subscribe(context.Background(), "product_p1", 0))

	// Fill the buffer with no consumer, then block a second publisher.
	require.NoError(t, m.Publish(fieldEvent("product_p1", 1)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Publish(fieldEvent("product_p1", 2))
	}()

	// Give the publisher time to block on the full buffer.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after close")
	}

	// The stream still drains the delivered event, then closes.
	ev, ok := <-m.Events()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Version)
	_, ok = <-m.Events()
	assert.False(t, ok)
}

func TestMemoryChannel_ConcurrentPublishAndClose(t *testing.T) {
	m := NewMemoryChannel(4)
	require.NoError(t, m.Subscribe(context.Background(), "product_p1", 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if err := m.Publish(fieldEvent("product_p1", 0)); err != nil {
				assert.ErrorIs(t, err, errors.ErrChannelClosed)
				return
			}
		}
	}()

	go func() {
		for range m.Events() {
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not finish after close")
	}
}

func TestMemoryChannel_InvalidEventRejected(t *testing.T) {
	ch := NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	err := ch.Publish(InboundEvent{Topic: "t", Kind: KindAppend})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
