package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker[string]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(ctx)
	b.Publish(CompletedEvent, "done")

	select {
	case ev := <-sub:
		assert.Equal(t, CompletedEvent, ev.Type)
		assert.Equal(t, "done", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 200 {
			b.Publish(AdmittedEvent, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Greater(t, b.Dropped(), int64(0))
}

func TestSubscribeAfterShutdownReturnsClosed(t *testing.T) {
	t.Parallel()

	b := NewBroker[string]()
	b.Shutdown()

	sub := b.Subscribe(context.Background())
	_, ok := <-sub
	require.False(t, ok)
}

func TestContextCancelClosesSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroker[string]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
}
