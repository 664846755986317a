package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/logging"
)

// newLocalBroadcaster builds a Broadcaster without a broker connection so the
// handler registry can be exercised directly.
func newLocalBroadcaster() *Broadcaster {
	return &Broadcaster{
		opts:     Options{TopicPrefix: "test"},
		logger:   logging.NoOpLogger{},
		handlers: make(map[string]map[uint64]func(payload []byte)),
	}
}

func TestSubscribe_DispatchAndUnsubscribe(t *testing.T) {
	b := newLocalBroadcaster()
	ctx := context.Background()

	var got []string
	sub1, err := b.Subscribe(ctx, "events", func(p []byte) { got = append(got, "one:"+string(p)) })
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "events", func(p []byte) { got = append(got, "two:"+string(p)) })
	require.NoError(t, err)

	b.dispatch(b.topic("events"), []byte("a"))
	assert.ElementsMatch(t, []string{"one:a", "two:a"}, got)

	// Dropping one subscription removes exactly that handler.
	got = nil
	sub1()
	b.dispatch(b.topic("events"), []byte("b"))
	assert.Equal(t, []string{"two:b"}, got)

	// Dropping the last one clears the topic entirely, so nothing lingers
	// for reconnect resubscription.
	got = nil
	sub2()
	b.dispatch(b.topic("events"), []byte("c"))
	assert.Empty(t, got)
	assert.Empty(t, b.handlers)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newLocalBroadcaster()

	unsub, err := b.Subscribe(context.Background(), "events", func([]byte) {})
	require.NoError(t, err)

	unsub()
	unsub()
	assert.Empty(t, b.handlers)
}

func TestSubscribe_TopicsIsolated(t *testing.T) {
	b := newLocalBroadcaster()
	ctx := context.Background()

	var a, c int
	_, err := b.Subscribe(ctx, "alpha", func([]byte) { a++ })
	require.NoError(t, err)
	unsub, err := b.Subscribe(ctx, "charlie", func([]byte) { c++ })
	require.NoError(t, err)

	b.dispatch(b.topic("alpha"), []byte("x"))
	assert.Equal(t, 1, a)
	assert.Zero(t, c)

	unsub()
	assert.Len(t, b.handlers, 1, "only the emptied topic is removed")
	b.dispatch(b.topic("alpha"), []byte("y"))
	assert.Equal(t, 2, a)
}
