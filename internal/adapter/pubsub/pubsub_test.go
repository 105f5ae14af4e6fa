package pubsub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "messages", "events")
	require.NoError(t, err)

	for i := range 20 {
		channel := "messages"
		if i%2 == 1 {
			channel = "events"
		}
		require.NoError(t, bus.Publish(ctx, channel, []byte(fmt.Sprint(i))))
	}
	for i := range 20 {
		m := recv(t, ch)
		assert.Equal(t, fmt.Sprint(i), string(m.Payload))
	}
}

func TestMemoryFiltersChannels(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Subscribe(ctx, "messages")
	require.NoError(t, err)
	events, err := bus.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "events", []byte("e")))
	require.NoError(t, bus.Publish(ctx, "messages", []byte("m")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("x")))

	assert.Equal(t, Message{Channel: "messages", Payload: []byte("m")}, recv(t, msgs))
	assert.Equal(t, Message{Channel: "events", Payload: []byte("e")}, recv(t, events))
}

func TestMemoryUnsubscribeOnCancel(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "messages", []byte("nobody")))
}

func TestMemoryClose(t *testing.T) {
	bus := NewMemory()
	ch, err := bus.Subscribe(context.Background(), "events")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, bus.Publish(context.Background(), "events", nil), ErrClosed)
	_, err = bus.Subscribe(context.Background(), "events")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPublishCopiesPayload(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	ch, err := bus.Subscribe(context.Background(), "messages")
	require.NoError(t, err)

	payload := []byte("abc")
	require.NoError(t, bus.Publish(context.Background(), "messages", payload))
	payload[0] = 'z'
	assert.Equal(t, "abc", string(recv(t, ch).Payload))
}

func TestOpenBackends(t *testing.T) {
	bus, err := Open(context.Background(), "memory", "", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, bus)

	_, err = Open(context.Background(), "kafka", "", testLogger())
	assert.Error(t, err)

	_, err = Open(context.Background(), "redis", "not a url", testLogger())
	assert.Error(t, err)
}

func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("VCC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VCC_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := NewRedis(ctx, url, testLogger())
	require.NoError(t, err)
	defer bus.Close()

	channel := fmt.Sprintf("vcc-test-%d", time.Now().UnixNano())
	ch, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, channel, []byte(`{"chat":1}`)))
	m := recv(t, ch)
	assert.Equal(t, channel, m.Channel)
	assert.JSONEq(t, `{"chat":1}`, string(m.Payload))
}
