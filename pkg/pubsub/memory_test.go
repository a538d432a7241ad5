package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestMemoryFanOut(t *testing.T) {
	b := NewMemory(8)
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, "task:1:logs")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "task:1:logs", "execution:9:logs")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "task:1:logs", []byte("a")))
	require.NoError(t, b.Publish(ctx, "execution:9:logs", []byte("b")))
	require.NoError(t, b.Publish(ctx, "task:2:logs", []byte("ignored")))

	require.Equal(t, "a", string(recv(t, s1).Payload))
	require.Equal(t, "a", string(recv(t, s2).Payload))

	msg := recv(t, s2)
	require.Equal(t, "execution:9:logs", msg.Topic)
	require.Equal(t, "b", string(msg.Payload))

	select {
	case msg := <-s1.C():
		t.Fatalf("unexpected message %q", msg.Payload)
	default:
	}
}

func TestMemorySlowSubscriberIsClosed(t *testing.T) {
	b := NewMemory(64)
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	fast, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(ctx, "t", []byte{byte(i)}))
		require.Equal(t, []byte{byte(i)}, recv(t, fast).Payload)
	}

	// the buffered messages are still delivered, then the overflow shows as
	// a closed channel instead of a silent gap
	delivered := 0
	for range s.C() {
		delivered++
	}
	require.Equal(t, 64, delivered)
	require.NoError(t, s.Close())

	require.NoError(t, b.Publish(ctx, "t", []byte("after")))
	require.Equal(t, "after", string(recv(t, fast).Payload))
}

func TestMemoryClose(t *testing.T) {
	b := NewMemory(4)
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, ok := <-s.C()
	require.False(t, ok)

	other, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok = <-other.C()
	require.False(t, ok)

	require.ErrorIs(t, b.Publish(ctx, "t", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "t")
	require.ErrorIs(t, err, ErrClosed)
}
