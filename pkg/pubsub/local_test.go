package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPublishDeliversToSubscriber(t *testing.T) {
	var ctx = context.Background()
	var l = NewLocal()

	ch, cancel := l.Subscribe(ctx, "room-1")
	defer cancel()

	require.NoError(t, l.Publish(ctx, "room-1", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "room-1", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLocalPublishFansOutToEverySubscriber(t *testing.T) {
	var ctx = context.Background()
	var l = NewLocal()

	chA, cancelA := l.Subscribe(ctx, "room-1")
	defer cancelA()
	chB, cancelB := l.Subscribe(ctx, "room-1")
	defer cancelB()

	require.NoError(t, l.Publish(ctx, "room-1", []byte("hi")))

	for _, ch := range []<-chan Message{chA, chB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestLocalPublishDoesNotCrossChannels(t *testing.T) {
	var ctx = context.Background()
	var l = NewLocal()

	ch, cancel := l.Subscribe(ctx, "room-1")
	defer cancel()

	require.NoError(t, l.Publish(ctx, "room-2", []byte("other")))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery from unrelated channel: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalCancelClosesChannel(t *testing.T) {
	var ctx = context.Background()
	var l = NewLocal()

	ch, cancel := l.Subscribe(ctx, "room-1")
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")
}
