package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokerhq/stoker/pkg/types"
)

// fakeConn records notifications; an optional delay or error simulates slow
// and broken peers.
type fakeConn struct {
	id    string
	delay time.Duration
	fail  bool

	mu       sync.Mutex
	received []types.Notification
	closed   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, n types.Notification) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.received = append(c.received, n)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) notifications() []types.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Notification, len(c.received))
	copy(out, c.received)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := NewHub(time.Second)
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	h.Register(c1)
	h.Register(c2)

	h.Broadcast(types.StatusChange{TaskID: "t1", Status: types.StatusRunning})

	waitFor(t, func() bool {
		return len(c1.notifications()) == 1 && len(c2.notifications()) == 1
	})
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	h := NewHub(10 * time.Second)
	slow := &fakeConn{id: "slow", delay: 10 * time.Second}
	fast := &fakeConn{id: "fast"}
	h.Register(slow)
	h.Register(fast)

	start := time.Now()
	h.Broadcast(types.StatusChange{TaskID: "t1", Status: types.StatusCompleted})

	waitFor(t, func() bool { return len(fast.notifications()) == 1 })
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"fast subscriber delivery must be independent of the slow one")
}

func TestSendTimeoutUnregisters(t *testing.T) {
	h := NewHub(50 * time.Millisecond)
	stuck := &fakeConn{id: "stuck", delay: time.Hour}
	h.Register(stuck)

	h.Broadcast(types.StatusChange{TaskID: "t1", Status: types.StatusCompleted})

	waitFor(t, func() bool { return h.SubscriberCount() == 0 })
	stuck.mu.Lock()
	defer stuck.mu.Unlock()
	assert.True(t, stuck.closed)
}

func TestSendErrorUnregisters(t *testing.T) {
	h := NewHub(time.Second)
	broken := &fakeConn{id: "broken", fail: true}
	ok := &fakeConn{id: "ok"}
	h.Register(broken)
	h.Register(ok)

	h.Broadcast(types.StatusChange{TaskID: "t1", Status: types.StatusFailed})

	waitFor(t, func() bool { return h.SubscriberCount() == 1 })
	waitFor(t, func() bool { return len(ok.notifications()) == 1 })
}

func TestPerSubscriberOrder(t *testing.T) {
	h := NewHub(5 * time.Second)
	c := &fakeConn{id: "c"}
	h.Register(c)

	const total = 100
	for i := 0; i < total; i++ {
		h.Broadcast(types.Output{TaskID: "t1", Kind: types.OutputStream})
		h.Broadcast(types.StatusChange{TaskID: "t1", Status: types.StatusRunning})
	}

	waitFor(t, func() bool { return len(c.notifications()) == 2*total })

	got := c.notifications()
	for i := 0; i < 2*total; i += 2 {
		_, isOutput := got[i].(types.Output)
		_, isStatus := got[i+1].(types.StatusChange)
		require.True(t, isOutput, "position %d should be an output", i)
		require.True(t, isStatus, "position %d should be a status", i+1)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := NewHub(time.Second)
	c := &fakeConn{id: "c"}
	h.Register(c)

	h.Unregister("c")
	h.Unregister("c")
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestShutdownClosesAll(t *testing.T) {
	h := NewHub(time.Second)
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	h.Register(c1)
	h.Register(c2)

	h.Shutdown()

	assert.Equal(t, 0, h.SubscriberCount())
	c1.mu.Lock()
	assert.True(t, c1.closed)
	c1.mu.Unlock()
	c2.mu.Lock()
	assert.True(t, c2.closed)
	c2.mu.Unlock()
}
