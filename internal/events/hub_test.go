package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu   sync.Mutex
	data map[string][][]byte
}

func newMemSink() *memSink { return &memSink{data: make(map[string][][]byte)} }

func (s *memSink) PushUndelivered(kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[kind] = append(s.data[kind], payload)
	return nil
}

func (s *memSink) PopUndelivered(kind string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.data[kind]
	delete(s.data, kind)
	return out, nil
}

func TestHubDeliversToGlobalSubscriber(t *testing.T) {
	h := NewHub(newMemSink())
	ch, backlog := h.Subscribe(4)
	require.Empty(t, backlog)

	h.Publish(NewStatusUpdate("t1", "default", "enqueued", nil))

	select {
	case u := <-ch:
		require.Equal(t, "t1", u.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestHubGroupListenerTakesPriority(t *testing.T) {
	h := NewHub(newMemSink())
	groupCh, _ := h.SubscribeGroup("chunk", 4)
	globalCh, _ := h.Subscribe(4)

	h.Publish(NewProgressUpdate("t1", "chunk", 0.5, 100, 1.0, time.Second))

	select {
	case u := <-groupCh:
		require.Equal(t, "chunk", u.Group)
	case <-time.After(time.Second):
		t.Fatal("group listener did not receive update")
	}
	select {
	case u := <-globalCh:
		require.Equal(t, "chunk", u.Group)
	case <-time.After(time.Second):
		t.Fatal("global listener did not receive update")
	}
}

func TestHubBuffersUndeliveredWhenNoSubscriber(t *testing.T) {
	sink := newMemSink()
	h := NewHub(sink)

	h.Publish(NewStatusUpdate("t1", "default", "complete", nil))

	_, backlog := h.Subscribe(4)
	require.Len(t, backlog, 1)
	require.Equal(t, "t1", backlog[0].TaskID)
}

func TestHubPublishEnqueueError(t *testing.T) {
	h := NewHub(newMemSink())
	h.PublishEnqueueError(errFixture)

	select {
	case err := <-h.EnqueueErrors():
		require.Equal(t, errFixture, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for enqueue error")
	}
}

var errFixture = fixtureErr("invalid task")

type fixtureErr string

func (e fixtureErr) Error() string { return string(e) }

func TestThrottleEmitsOnFirstCallAndOnAdvance(t *testing.T) {
	var th Throttle

	v, ok := th.ShouldEmit(0.01)
	require.True(t, ok, "first call always emits")
	require.Equal(t, 0.01, v)

	_, ok = th.ShouldEmit(0.02)
	require.False(t, ok, "under 2% advance and not stale")

	v, ok = th.ShouldEmit(0.05)
	require.True(t, ok, "advanced more than 2%")
	require.Equal(t, 0.05, v)
}

func TestThrottleClampsNearCompletion(t *testing.T) {
	var th Throttle
	v, ok := th.ShouldEmit(1.0)
	require.True(t, ok)
	require.Equal(t, 0.999, v)
}

func TestThrottleEmitsOnStaleness(t *testing.T) {
	var th Throttle
	th.ShouldEmit(0.1)
	th.lastEmitTime = time.Now().Add(-3 * time.Second)

	_, ok := th.ShouldEmit(0.1)
	require.True(t, ok, "stale window forces emission even without progress")
}

func TestEMASpeedWeightsHistoryThreeToOne(t *testing.T) {
	var ema EMASpeed
	first := ema.Update(100)
	require.Equal(t, float64(100), first)

	second := ema.Update(200)
	require.InDelta(t, 0.25*200+0.75*100, second, 0.0001)
	require.Equal(t, second, ema.Value())
}
