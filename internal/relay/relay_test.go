package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (c *collector) deliver(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func (c *collector) snapshot() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.got...)
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestRelayPreservesArrivalOrder(t *testing.T) {
	// GOAL: Verify notifications pushed from a foreign goroutine arrive in push order
	//
	// TEST SCENARIO: Push a, b, c from one goroutine while Run drains → delivered as a, b, c

	c := &collector{}
	r := New(c.deliver, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	go func() {
		for _, p := range []string{"a", "b", "c"} {
			r.Notify("6e400003-b5a3-f393-e0a9-e50e24dcca9e", []byte(p))
		}
	}()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	got := c.snapshot()
	for i, p := range []string{"a", "b", "c"} {
		assert.Equal(t, "6e400003-b5a3-f393-e0a9-e50e24dcca9e", got[i].CharacteristicUUID)
		assert.Equal(t, []byte(p), got[i].Data, "notification %d MUST keep arrival order", i)
	}

	cancel()
	require.NoError(t, <-done, "context cancellation MUST NOT be reported as an error")
}

func TestRelayPushNeverBlocks(t *testing.T) {
	// GOAL: Verify Push does not block when nobody is draining and nothing is dropped
	//
	// TEST SCENARIO: Push 10k notifications without Run → all queued, then drained in order

	c := &collector{}
	r := New(c.deliver, testLogger())

	const n = 10000
	pushed := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			r.Push("2a37", []byte(fmt.Sprintf("%d", i)))
		}
		close(pushed)
	}()

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("Push MUST NOT block without a consumer")
	}
	assert.Equal(t, n, r.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) == n }, 2*time.Second, 5*time.Millisecond)
	got := c.snapshot()
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("%d", i), string(got[i].Data))
	}
}

func TestRelayCopiesPayload(t *testing.T) {
	c := &collector{}
	r := New(c.deliver, testLogger())

	buf := []byte{1, 2, 3}
	r.Push("2a37", buf)
	buf[0] = 9

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3}, c.snapshot()[0].Data, "relay MUST own a copy of the radio buffer")
}

func TestRelayDeliveryFailureStopsRun(t *testing.T) {
	c := &collector{err: errors.New("transport closed")}
	r := New(c.deliver, testLogger())
	r.Push("2a37", []byte{1})

	err := r.Run(context.Background())
	assert.EqualError(t, err, "transport closed")
}

func TestRelayClose(t *testing.T) {
	c := &collector{}
	r := New(c.deliver, testLogger())
	r.Push("2a37", []byte{1})
	r.Push("2a37", []byte{2})

	r.Close()
	r.Close()

	assert.Equal(t, 0, r.Pending(), "Close MUST discard queued notifications")
	assert.False(t, r.Push("2a37", []byte{3}), "Push after Close MUST report false")
	assert.NoError(t, r.Run(context.Background()), "Run on a closed relay MUST return immediately")
	assert.Empty(t, c.snapshot())
}
