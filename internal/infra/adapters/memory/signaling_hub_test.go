package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/signaling"
)

func recv(t *testing.T, sub signaling.Subscription) events.Signal {
	t.Helper()

	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	return events.Signal{}
}

func assertSilent(t *testing.T, sub signaling.Subscription) {
	t.Helper()

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %s", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignalingHubNoSelfEcho(t *testing.T) {
	ctx := context.Background()
	hub := NewSignalingHub(8)

	a, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, "video-call:2")
	require.NoError(t, err)

	msg, err := events.NewSignal(events.SignalOffer, "alice", events.SdpEvent{SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, msg))

	got := recv(t, b)
	assert.Equal(t, events.SignalOffer, got.Type)
	assert.Equal(t, "alice", got.From)

	assertSilent(t, a)
	assertSilent(t, other)
}

func TestSignalingHubNotifyReachesAll(t *testing.T) {
	ctx := context.Background()
	hub := NewSignalingHub(8)

	a, err := hub.Subscribe(ctx, signaling.PendingCallsTopic)
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, signaling.PendingCallsTopic)
	require.NoError(t, err)

	require.NoError(t, hub.Notify(ctx, signaling.PendingCallsTopic, events.Signal{Type: events.SignalCallPending}))

	assert.Equal(t, events.SignalCallPending, recv(t, a).Type)
	assert.Equal(t, events.SignalCallPending, recv(t, b).Type)
}

func TestSignalingHubClose(t *testing.T) {
	ctx := context.Background()
	hub := NewSignalingHub(8)

	a, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-b.Messages()
	assert.False(t, ok)

	// публикация в топик с закрытым подписчиком не паникует
	require.NoError(t, a.Publish(ctx, events.Signal{Type: events.SignalUserLeft}))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Publish(ctx, events.Signal{Type: events.SignalUserLeft}), signaling.ErrSubscriptionClosed)
}

func TestSignalingHubDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	hub := NewSignalingHub(1)

	a, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, "video-call:1")
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, events.Signal{Type: events.SignalOffer}))
	require.NoError(t, a.Publish(ctx, events.Signal{Type: events.SignalAnswer}))

	assert.Equal(t, events.SignalOffer, recv(t, b).Type)
	assertSilent(t, b)
}

func TestSignalingHubCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSignalingHub(1).Subscribe(ctx, "video-call:1")
	assert.ErrorIs(t, err, context.Canceled)
}
