package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/storesync/config"
	"github.com/c360/storesync/entitycache"
	"github.com/c360/storesync/mutation"
	"github.com/c360/storesync/pushchannel"
	"github.com/c360/storesync/reconcile"
)

func newStartedEngine(t *testing.T, opts ...Option) (*Engine, *pushchannel.MemoryChannel) {
	t.Helper()
	channel := pushchannel.NewMemoryChannel(64)
	e, err := New(nil, channel, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Stop(time.Second)
		_ = channel.Close()
	})
	return e, channel
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	bad := config.Default()
	bad.Cache.TTLMs = 0
	_, err = New(bad, pushchannel.NewMemoryChannel(1))
	require.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	channel := pushchannel.NewMemoryChannel(8)
	e, err := New(nil, channel)
	require.NoError(t, err)

	// Start before Initialize is rejected.
	require.Error(t, e.Start(context.Background()))

	require.NoError(t, e.Initialize())
	require.Error(t, e.Initialize())

	require.NoError(t, e.Start(context.Background()))
	require.Error(t, e.Start(context.Background()))

	require.NoError(t, e.Stop(time.Second))
	require.NoError(t, e.Stop(time.Second), "stop is idempotent")
}

// Full path: subscribe to an order topic, let a push event advance its
// status, and check the cache reflects it.
func TestEngine_PushEventReachesCache(t *testing.T) {
	e, channel := newStartedEngine(t)
	key := entitycache.DetailKey("order", "o1")
	e.Cache().Write(key, entitycache.Document{"id": "o1", "status": "pending"}, 1)

	handle, err := e.Subscriptions().Subscribe(context.Background(), "order_o1")
	require.NoError(t, err)
	defer handle.Release()

	require.NoError(t, channel.Publish(pushchannel.InboundEvent{
		Topic: "order_o1", Kind: pushchannel.KindStatusChange, ServerTime: time.Now(),
		Status: &pushchannel.StatusChange{EntityType: "order", EntityID: "o1", Status: reconcile.StatusConfirmed},
	}))

	require.Eventually(t, func() bool {
		entry, ok := e.Cache().Read(key)
		return ok && entry.Value.(entitycache.Document)["status"] == reconcile.StatusConfirmed
	}, time.Second, 5*time.Millisecond)
}

// A price push supersedes a pending optimistic mutation that declared the
// price field.
func TestEngine_PushSupersedesPendingMutation(t *testing.T) {
	e, channel := newStartedEngine(t)
	key := entitycache.DetailKey("productDetail", "p1")
	e.Cache().Write(key, entitycache.Document{"id": "p1", "price": 100.0}, 1)

	handle, err := e.Subscriptions().Subscribe(context.Background(), "product_p1")
	require.NoError(t, err)
	defer handle.Release()

	release := make(chan struct{})
	m, err := e.Mutations().Mutate(context.Background(), mutation.Request{
		Key:    key,
		Fields: []string{"price"},
		Apply: func(current any, _ any) any {
			return current.(entitycache.Document).Merge(map[string]any{"price": 95.0})
		},
		ServerCall: func(_ context.Context, _ mutation.ServerRequest) (any, error) {
			<-release
			return entitycache.Document{"id": "p1", "price": 95.0}, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, channel.Publish(pushchannel.InboundEvent{
		Topic: "product_p1", Kind: pushchannel.KindFieldUpdate, ServerTime: time.Now(),
		Field: &pushchannel.FieldUpdate{EntityType: "productDetail", EntityID: "p1",
			Fields: map[string]any{"price": 90.0}},
	}))

	require.Eventually(t, func() bool {
		entry, ok := e.Cache().Read(key)
		return ok && entry.Value.(entitycache.Document)["price"] == 90.0
	}, time.Second, 5*time.Millisecond)

	close(release)
	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mutation.OutcomeCancelled, res.Outcome,
		"the push already delivered authoritative state for the touched fields")
}

func TestEngine_MutationNotification(t *testing.T) {
	var notes int64
	e, _ := newStartedEngine(t, WithNotifier(func(mutation.Notification) {
		atomic.AddInt64(&notes, 1)
	}))
	key := entitycache.DetailKey("cart", "line1")
	e.Cache().Write(key, entitycache.Document{"id": "line1", "qty": 2.0}, 1)

	m, err := e.Mutations().Mutate(context.Background(), mutation.Request{
		Key:      key,
		EntityID: "line1",
		Apply: func(current any, _ any) any {
			return current.(entitycache.Document).Merge(map[string]any{"qty": 3.0})
		},
		ServerCall: func(_ context.Context, _ mutation.ServerRequest) (any, error) {
			return entitycache.Document{"id": "line1", "qty": 3.0}, nil
		},
	})
	require.NoError(t, err)

	_, err = m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&notes))
}

func TestEngine_ReconnectResubscribes(t *testing.T) {
	e, channel := newStartedEngine(t)

	handle, err := e.Subscriptions().Subscribe(context.Background(), "order_o1")
	require.NoError(t, err)
	defer handle.Release()
	require.True(t, channel.Subscribed("order_o1"))

	channel.SimulateReconnect()

	require.Eventually(t, func() bool {
		return channel.Subscribed("order_o1")
	}, time.Second, 5*time.Millisecond)
}
