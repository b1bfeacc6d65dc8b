package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/storesync/errors"
	"github.com/c360/storesync/pushchannel"
)

// frameRecorder records control frames without a transport behind it.
type frameRecorder struct {
	mu     sync.Mutex
	frames []string
	resume map[string]uint64
	fail   bool
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{resume: make(map[string]uint64)}
}

func (r *frameRecorder) Subscribe(_ context.Context, topic string, resumeFrom uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.ErrNoConnection
	}
	r.frames = append(r.frames, "sub:"+topic)
	r.resume[topic] = resumeFrom
	return nil
}

func (r *frameRecorder) Unsubscribe(_ context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.ErrNoConnection
	}
	r.frames = append(r.frames, "unsub:"+topic)
	return nil
}

func (r *frameRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestManager_SubscribeEmitsFrameOnFirstHandle(t *testing.T) {
	rec := newFrameRecorder()
	mgr := NewManager(rec)

	h1, err := mgr.Subscribe(context.Background(), "product_p1")
	require.NoError(t, err)

	h2, err := mgr.Subscribe(context.Background(), "product_p1")
	require.NoError(t, err)

	assert.Equal(t, []string{"sub:product_p1"}, rec.recorded(), "second handle must not re-emit")
	assert.Equal(t, 2, mgr.RefCount("product_p1"))
	assert.Equal(t, "product_p1", h1.Topic())

	h1.Release()
	assert.Equal(t, []string{"sub:product_p1"}, rec.recorded(), "1 handle left, no unsubscribe yet")

	h2.Release()
	assert.Equal(t, []string{"sub:product_p1", "unsub:product_p1"}, rec.recorded())
	assert.Equal(t, 0, mgr.RefCount("product_p1"))
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	rec := newFrameRecorder()
	mgr := NewManager(rec)

	h, err := mgr.Subscribe(context.Background(), "order_1")
	require.NoError(t, err)

	h.Release()
	h.Release()
	h.Release()

	assert.Equal(t, []string{"sub:order_1", "unsub:order_1"}, rec.recorded())
	assert.Equal(t, 0, mgr.RefCount("order_1"))
}

func TestManager_EmptyTopicRejected(t *testing.T) {
	mgr := NewManager(newFrameRecorder())
	_, err := mgr.Subscribe(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestManager_SubscribeFrameFailureRollsBackRefCount(t *testing.T) {
	rec := newFrameRecorder()
	rec.fail = true
	mgr := NewManager(rec)

	_, err := mgr.Subscribe(context.Background(), "product_p1")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, mgr.RefCount("product_p1"))

	// A later attempt is a fresh 0-to-1 transition.
	rec.fail = false
	h, err := mgr.Subscribe(context.Background(), "product_p1")
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, 1, mgr.RefCount("product_p1"))
}

func TestManager_VersionTracking(t *testing.T) {
	mgr := NewManager(newFrameRecorder())

	assert.Equal(t, uint64(0), mgr.LastVersion("order_1"))

	mgr.NoteVersion("order_1", 4)
	mgr.NoteVersion("order_1", 2) // older versions never regress the mark
	assert.Equal(t, uint64(4), mgr.LastVersion("order_1"))

	mgr.NoteVersion("order_1", 9)
	assert.Equal(t, uint64(9), mgr.LastVersion("order_1"))
}

func TestManager_ResumeVersionSurvivesResubscribe(t *testing.T) {
	rec := newFrameRecorder()
	mgr := NewManager(rec)

	h, err := mgr.Subscribe(context.Background(), "order_1")
	require.NoError(t, err)

	mgr.NoteVersion("order_1", 7)
	h.Release()

	// Interest returns later; the subscribe frame must resume from 7 so
	// replayed events the reconciler already merged are deduplicated.
	h2, err := mgr.Subscribe(context.Background(), "order_1")
	require.NoError(t, err)
	defer h2.Release()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, uint64(7), rec.resume["order_1"])
}

func TestManager_ActiveTopics(t *testing.T) {
	mgr := NewManager(newFrameRecorder())

	h1, _ := mgr.Subscribe(context.Background(), "a")
	h2, _ := mgr.Subscribe(context.Background(), "b")
	h3, _ := mgr.Subscribe(context.Background(), "c")
	h3.Release()

	topics := mgr.ActiveTopics()
	assert.ElementsMatch(t, []string{"a", "b"}, topics)

	h1.Release()
	h2.Release()
	assert.Empty(t, mgr.ActiveTopics())
}

func TestManager_ReconnectResubscribesLiveTopics(t *testing.T) {
	ch := pushchannel.NewMemoryChannel(8)
	defer func() { _ = ch.Close() }()

	mgr := NewManager(ch)

	h1, err := mgr.Subscribe(context.Background(), "product_p1")
	require.NoError(t, err)
	defer h1.Release()

	h2, err := mgr.Subscribe(context.Background(), "order_1")
	require.NoError(t, err)
	mgr.NoteVersion("order_1", 3)
	h2.Release() // no live handle, must NOT resubscribe on reconnect

	ch.SimulateReconnect()

	assert.True(t, ch.Subscribed("product_p1"))
	assert.False(t, ch.Subscribed("order_1"))
}

func TestManager_ResubscribeAllReportsFirstError(t *testing.T) {
	rec := newFrameRecorder()
	mgr := NewManager(rec)

	h, err := mgr.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	defer h.Release()

	rec.fail = true
	err = mgr.ResubscribeAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
