package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b := New(Config{ReplayBufferSize: 64, DefaultInboxSize: 8, RequiredPublishDeadline: 200 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func TestSequenceMonotonicityAndPerSubscriberOrder(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})
	b.Subscribe("Ping", "s1", func(env Envelope) error {
		mu.Lock()
		seen = append(seen, env.Sequence)
		if len(seen) == 50 {
			close(done)
		}
		mu.Unlock()
		return nil
	}, BestEffort, nil)

	var lastSeq uint64
	for i := 0; i < 50; i++ {
		res, err := b.Publish(context.Background(), "Ping", i, "")
		require.NoError(t, err)
		assert.Greater(t, res.Sequence, lastSeq)
		lastSeq = res.Sequence
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	b := testBus(t)

	var h1Count, h2Count atomic.Int64
	b.Subscribe("Ping", "h1", func(env Envelope) error {
		h1Count.Add(1)
		panic("boom")
	}, BestEffort, nil)
	b.Subscribe("Ping", "h2", func(env Envelope) error {
		h2Count.Add(1)
		return nil
	}, BestEffort, nil)

	for i := 0; i < 20; i++ {
		_, err := b.Publish(context.Background(), "Ping", i, "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return h2Count.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h1Count.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
}

func TestReplaySinceSequence(t *testing.T) {
	b := testBus(t)

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		res, err := b.Publish(context.Background(), "Tick", i, "")
		require.NoError(t, err)
		lastSeq = res.Sequence
	}

	replayed := b.Replay(lastSeq-3, "")
	assert.Len(t, replayed, 4)
	for i, env := range replayed {
		assert.Equal(t, lastSeq-3+uint64(i), env.Sequence)
	}
}

func TestDeclareRejectsSchemaChange(t *testing.T) {
	b := testBus(t)
	require.NoError(t, b.Declare("Foo", EventTypeSchema{Raw: []byte(`{"a":1}`)}))
	require.NoError(t, b.Declare("Foo", EventTypeSchema{Raw: []byte(`{"a":1}`)}))
	require.Error(t, b.Declare("Foo", EventTypeSchema{Raw: []byte(`{"a":2}`)}))
}

func TestUnsubscribeOwnerRemovesAllSubscriptions(t *testing.T) {
	b := testBus(t)
	id1 := b.Subscribe("Foo", "owner", func(Envelope) error { return nil }, BestEffort, nil)
	id2 := b.Subscribe("Bar", "owner", func(Envelope) error { return nil }, BestEffort, nil)
	b.UnsubscribeOwner("owner")

	b.mu.RLock()
	_, ok1 := b.subs[id1]
	_, ok2 := b.subs[id2]
	b.mu.RUnlock()
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestBestEffortDropsOldestWhenFull(t *testing.T) {
	b := New(Config{DefaultInboxSize: 2}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})

	block := make(chan struct{})
	release := make(chan struct{})
	var processed atomic.Int64
	b.Subscribe("Flood", "slow", func(env Envelope) error {
		if processed.Add(1) == 1 {
			close(block)
			<-release
		}
		return nil
	}, BestEffort, nil)

	_, err := b.Publish(context.Background(), "Flood", -1, "")
	require.NoError(t, err)
	<-block
	for i := 0; i < 10; i++ {
		_, err := b.Publish(context.Background(), "Flood", i, "")
		require.NoError(t, err)
	}
	close(release)

	b.mu.RLock()
	sub := b.subs[subIDFor(b, "slow")]
	b.mu.RUnlock()
	require.NotNil(t, sub)
	assert.LessOrEqual(t, len(sub.inbox), sub.capacity)
	// The handler held the first envelope while 10 more arrived: two fit
	// the inbox and each of the other eight pushed out the oldest.
	assert.Equal(t, uint64(8), sub.drops.Load())
}

func subIDFor(b *Bus, subscriberID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id := range b.byOwner[subscriberID] {
		return id
	}
	return ""
}
