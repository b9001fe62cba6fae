package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/compliance"
)

func TestCompliance(t *testing.T) {
	compliance.Run(t, func(t *testing.T) (storage.Storage, func()) {
		return New(), func() {}
	})
}

func TestEnqueueNotificationWakesSubscriber(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.SubscribeEnqueue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, store.NotifyEnqueue(ctx, "default"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected enqueue notification")
	}

	// Other queues stay quiet.
	require.NoError(t, store.NotifyEnqueue(ctx, "emails"))
	select {
	case <-ch:
		t.Fatal("unexpected notification for foreign queue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancellationFanOut(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := store.SubscribeCancellations(ctx)
	require.NoError(t, err)
	b, err := store.SubscribeCancellations(ctx)
	require.NoError(t, err)

	require.NoError(t, store.NotifyCancellation(ctx, "job-1"))

	for _, ch := range []<-chan string{a, b} {
		select {
		case id := <-ch:
			assert.Equal(t, "job-1", id)
		case <-time.After(time.Second):
			t.Fatal("expected cancellation notification")
		}
	}
}
