package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentgate/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Nop())
	t.Cleanup(b.Close)
	return b
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"request.state_changed", "request.state_changed", true},
		{"request.state_changed", "request.created", false},
		{"request.*", "request.created", true},
		{"request.*", "request.a.b", false},
		{"session.>", "session.pool.created", true},
		{"session.>", "session", false},
		{"*.created", "session.created", true},
		{"a.b", "a", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SubjectMatches(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("request.state_changed", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("request.state_changed", "tracker", "ws1", map[string]interface{}{"state": "processing"})
	require.NoError(t, b.Publish(context.Background(), "request.state_changed", event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "ws1", got.Workspace)
		assert.Equal(t, "processing", got.Data["state"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_DeliversInOrder(t *testing.T) {
	b := newTestBus(t)
	var mu sync.Mutex
	var got []string

	_, err := b.Subscribe("request.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Data["state"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := []string{"created", "processing", "completed"}
	for _, s := range want {
		require.NoError(t, b.Publish(context.Background(), "request.state_changed",
			NewEvent("request.state_changed", "t", "ws", map[string]interface{}{"state": s})))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestMemoryEventBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newTestBus(t)
	b.queueSize = 1
	release := make(chan struct{})
	var handled int32

	_, err := b.Subscribe("a", func(ctx context.Context, e *Event) error {
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), "a", NewEvent("a", "t", "", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&handled) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, atomic.LoadInt32(&handled), int32(10))
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	var count int32

	sub, err := b.Subscribe("a.b", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), "a.b", NewEvent("x", "t", "", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	_, err := b.Subscribe("a", func(ctx context.Context, e *Event) error { return nil })
	require.NoError(t, err)
	b.Close()
	b.Close()

	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "a", NewEvent("x", "t", "", nil)), ErrClosed)
	_, err = b.Subscribe("a", func(ctx context.Context, e *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
