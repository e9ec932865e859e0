package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, stream Stream) Message {
	t.Helper()
	select {
	case msg := <-stream.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()

	stream, err := bus.Subscribe("commerce.v1.saga.feedback", 8)
	require.NoError(t, err)
	defer stream.Close()

	err = bus.Publish(context.Background(), "commerce.v1.saga.feedback", []byte("payload"))
	require.NoError(t, err)

	msg := receiveOne(t, stream)
	assert.Equal(t, "commerce.v1.saga.feedback", msg.Subject)
	assert.Equal(t, []byte("payload"), msg.Payload)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestMemoryBus_WildcardSubscription(t *testing.T) {
	bus := NewMemoryBus()

	stream, err := bus.Subscribe("commerce.v1.lifecycle.>", 8)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, bus.Publish(context.Background(), "commerce.v1.lifecycle.user.registered", []byte("a")))
	require.NoError(t, bus.Publish(context.Background(), "commerce.v1.saga.feedback", []byte("b")))
	require.NoError(t, bus.Publish(context.Background(), "commerce.v1.lifecycle.user.deleted", []byte("c")))

	first := receiveOne(t, stream)
	second := receiveOne(t, stream)
	assert.Equal(t, "commerce.v1.lifecycle.user.registered", first.Subject)
	assert.Equal(t, "commerce.v1.lifecycle.user.deleted", second.Subject)

	select {
	case extra := <-stream.C():
		t.Fatalf("unexpected message on %s", extra.Subject)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBus_PayloadIsCopied(t *testing.T) {
	bus := NewMemoryBus()

	stream, err := bus.Subscribe("subject", 1)
	require.NoError(t, err)
	defer stream.Close()

	payload := []byte("original")
	require.NoError(t, bus.Publish(context.Background(), "subject", payload))
	payload[0] = 'X'

	msg := receiveOne(t, stream)
	assert.Equal(t, []byte("original"), msg.Payload)
}

func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()

	stream, err := bus.Subscribe("subject", 1)
	require.NoError(t, err)
	defer stream.Close()

	// second publish overflows the buffer and is dropped, not blocked on
	require.NoError(t, bus.Publish(context.Background(), "subject", []byte("1")))

	done := make(chan struct{})
	go func() {
		_ = bus.Publish(context.Background(), "subject", []byte("2"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()

	stream, err := bus.Subscribe("subject", 8)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close(), "double close should be a no-op")

	// publishing after close must not panic on the closed channel
	require.NoError(t, bus.Publish(context.Background(), "subject", []byte("x")))

	_, ok := <-stream.C()
	assert.False(t, ok, "stream channel should be closed")
}

func TestMemoryBus_PublishValidation(t *testing.T) {
	bus := NewMemoryBus()

	err := bus.Publish(context.Background(), "", []byte("x"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = bus.Publish(ctx, "subject", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = bus.Subscribe("", 8)
	assert.Error(t, err)
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.*.c", "a.b.c.d", false},
		{"a.b.>", "a.b.c", true},
		{"a.b.>", "a.b.c.d.e", true},
		{"a.b.>", "a.b", true},
		{"a.b.>", "a.c.d", false},
		{"commerce.v1.lifecycle.>", "commerce.v1.lifecycle.user.registered", true},
		{"commerce.v1.lifecycle.>", "commerce.v1.saga.feedback", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectMatches(tt.pattern, tt.subject),
			"subjectMatches(%q, %q)", tt.pattern, tt.subject)
	}
}
