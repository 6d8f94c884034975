package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) ([]byte, bool) {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parameter message")
		return nil, false
	}
}

func TestNewPubSub_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewPubSub(context.Background(), "not-a-redis-url", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	b, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	payload := []byte(`{"name":"default","rate_min":2}`)
	require.NoError(t, bus.Publish(context.Background(), payload))

	for _, sub := range []Subscription{a, b} {
		msg, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, payload, msg)
	}
}

func TestBus_OrderPreserved(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Publish(context.Background(), []byte(p)))
	}
	for _, want := range []string{"1", "2", "3"} {
		msg, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, want, string(msg))
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = bus.Publish(context.Background(), []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, sub.Messages(), cap(sub.(*busSubscription).out))
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewBus().Publish(context.Background(), []byte("{}")))
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, ok := receive(t, sub)
	assert.False(t, ok)
	require.NoError(t, sub.Close())

	late, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	_, ok = receive(t, late)
	assert.False(t, ok)
}

func TestBusSubscription_CloseIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, bus.Publish(context.Background(), []byte("{}")))
	_, ok := receive(t, sub)
	assert.False(t, ok)
}
