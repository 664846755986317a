package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var a, b [][]byte
	_, err := bus.Subscribe(ctx, "cancel", func(p []byte) { a = append(a, p) })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "cancel", func(p []byte) { b = append(b, p) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "cancel", []byte("one")))

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "one", string(a[0]))
}

func TestInMemoryBus_ChannelsAreIsolated(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var got [][]byte
	_, err := bus.Subscribe(ctx, "config-sync", func(p []byte) { got = append(got, p) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "cancel", []byte("other channel")))
	assert.Empty(t, got)
}

func TestInMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var got [][]byte
	unsubscribe, err := bus.Subscribe(ctx, "cancel", func(p []byte) { got = append(got, p) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "cancel", []byte("before")))
	unsubscribe()
	require.NoError(t, bus.Publish(ctx, "cancel", []byte("after")))

	require.Len(t, got, 1)
	assert.Equal(t, "before", string(got[0]))
}

func TestInMemoryBus_PublisherReceivesOwnMessages(t *testing.T) {
	// Real brokers deliver a publisher's messages back to its own
	// subscriptions; peers filter echoes by instance id, so the test bus must
	// not filter for them.
	bus := NewInMemoryBus()
	ctx := context.Background()

	var got int
	_, err := bus.Subscribe(ctx, "cancel", func([]byte) { got++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "cancel", []byte("self")))
	assert.Equal(t, 1, got)
}
