package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishMatchesPatterns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBus(4)

	exact, err := b.Subscribe(ctx, "resolver:lifecycle")
	require.NoError(t, err)
	glob, err := b.Subscribe(ctx, "resolver:*")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "resolver:lifecycle", []byte("x")))

	assert.Equal(t, []byte("x"), <-exact)
	assert.Equal(t, []byte("x"), <-glob)
	select {
	case <-other:
		t.Fatal("unrelated subscriber received message")
	default:
	}
}

func TestBus_SubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus(1)
	ch, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.NoError(t, b.Publish(context.Background(), "c", []byte("late")))
}

func TestBus_StreamReadAfterID(t *testing.T) {
	ctx := context.Background()
	b := NewBus(0)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}

	all, err := b.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := b.StreamRead(ctx, "s", all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("b"), rest[0].Payload)

	_, err = b.StreamRead(ctx, "s", "bogus", 1)
	assert.Error(t, err)
}
