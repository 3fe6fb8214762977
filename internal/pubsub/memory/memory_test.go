package memory_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roundtable/internal/pubsub/memory"
)

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()

	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroker_DeliversInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New(16)
	ch, cleanup, err := b.Subscribe(ctx, "session:a")
	require.NoError(t, err)
	defer cleanup()

	for i := range 10 {
		require.NoError(t, b.Publish(ctx, "session:a", []byte(strconv.Itoa(i))))
	}

	for i := range 10 {
		assert.Equal(t, strconv.Itoa(i), string(recv(t, ch)))
	}
}

func TestBroker_PublishWithoutSubscribersIsDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New(4)
	require.NoError(t, b.Publish(ctx, "session:none", []byte("lost")))

	ch, cleanup, err := b.Subscribe(ctx, "session:none")
	require.NoError(t, err)
	defer cleanup()

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_ChannelsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New(4)
	a, cleanupA, err := b.Subscribe(ctx, "session:a")
	require.NoError(t, err)
	defer cleanupA()
	other, cleanupB, err := b.Subscribe(ctx, "session:b")
	require.NoError(t, err)
	defer cleanupB()

	require.NoError(t, b.Publish(ctx, "session:a", []byte("for-a")))

	assert.Equal(t, "for-a", string(recv(t, a)))
	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other channel: %q", msg)
	default:
	}
}

func TestBroker_SlowSubscriberIsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New(2)
	ch, cleanup, err := b.Subscribe(ctx, "session:slow")
	require.NoError(t, err)
	defer cleanup()

	for i := range 3 {
		require.NoError(t, b.Publish(ctx, "session:slow", []byte(strconv.Itoa(i))))
	}

	assert.Equal(t, "0", string(recv(t, ch)))
	assert.Equal(t, "1", string(recv(t, ch)))
	_, ok := <-ch
	assert.False(t, ok, "overflowing subscriber must be closed")
	assert.Equal(t, 0, b.Subscribers("session:slow"))
}

func TestBroker_CleanupAndContextUnsubscribe(t *testing.T) {
	t.Parallel()

	b := memory.New(4)

	_, cleanup, err := b.Subscribe(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("c"))
	cleanup()
	cleanup()
	assert.Equal(t, 0, b.Subscribers("c"))

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err = b.Subscribe(ctx, "c")
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool { return b.Subscribers("c") == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroker_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New(4)
	ch, _, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)

	require.ErrorIs(t, b.Publish(ctx, "c", []byte("x")), memory.ErrClosed)
	_, _, err = b.Subscribe(ctx, "c")
	require.ErrorIs(t, err, memory.ErrClosed)
}
