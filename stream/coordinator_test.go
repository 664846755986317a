package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/broadcast"
)

func TestCancel_FiresSessionOnce(t *testing.T) {
	c := New(broadcast.NewInMemoryBus(), "inst-a")
	ctx := context.Background()

	cancelled := 0
	closed := 0
	c.Register("conv-1",
		func() { cancelled++ },
		func() { closed++ },
	)
	assert.Equal(t, 1, c.Active())

	assert.True(t, c.Cancel(ctx, "conv-1"))
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, c.Active())

	// Second cancel observes no session and has no side effects.
	assert.False(t, c.Cancel(ctx, "conv-1"))
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, closed)
}

func TestCancel_UnknownConversation(t *testing.T) {
	c := New(broadcast.NewInMemoryBus(), "inst-a")
	assert.False(t, c.Cancel(context.Background(), "nope"))
}

func TestUnregister_DoesNotFireHandlers(t *testing.T) {
	c := New(broadcast.NewInMemoryBus(), "inst-a")

	fired := false
	c.Register("conv-1", func() { fired = true }, func() { fired = true })
	c.Unregister("conv-1")

	assert.False(t, fired)
	assert.False(t, c.Cancel(context.Background(), "conv-1"))
}

// A cancel on one process reaches the peer holding the live session through
// the broadcast channel; the origin's own echo is suppressed.
func TestCancel_PropagatesToPeer(t *testing.T) {
	bus := broadcast.NewInMemoryBus()
	ctx := context.Background()

	a := New(bus, "inst-a")
	b := New(bus, "inst-b")

	stopA, err := a.Start(ctx)
	require.NoError(t, err)
	defer stopA()
	stopB, err := b.Start(ctx)
	require.NoError(t, err)
	defer stopB()

	remoteCancelled := false
	b.Register("conv-1", func() { remoteCancelled = true }, nil)

	// No local session on A: local result is false, but the peer converges.
	assert.False(t, a.Cancel(ctx, "conv-1"))
	assert.True(t, remoteCancelled)
	assert.Equal(t, 0, b.Active())
}

func TestDrainAll(t *testing.T) {
	c := New(broadcast.NewInMemoryBus(), "inst-a")

	cancelled := 0
	for _, id := range []string{"conv-1", "conv-2", "conv-3"} {
		c.Register(id, func() { cancelled++ }, nil)
	}

	c.DrainAll()
	assert.Equal(t, 3, cancelled)
	assert.Equal(t, 0, c.Active())
}
