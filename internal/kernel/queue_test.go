package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedQueuePolicies(t *testing.T) {
	ctx := context.Background()

	oldest := NewBoundedQueue[int](2, DropOldest)
	for i := 1; i <= 3; i++ {
		require.NoError(t, oldest.Push(ctx, i))
	}
	first, ok := oldest.TryNext()
	require.True(t, ok)
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, oldest.Stats().Dropped)

	newest := NewBoundedQueue[int](2, DropNewest)
	for i := 1; i <= 3; i++ {
		require.NoError(t, newest.Push(ctx, i))
	}
	first, _ = newest.TryNext()
	assert.Equal(t, 1, first)
	second, _ := newest.TryNext()
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, newest.Stats().Dropped)
}

func TestBoundedQueueBlocksProducer(t *testing.T) {
	ctx := context.Background()
	q := NewBoundedQueue[string](1, BlockProducer)
	require.NoError(t, q.Push(ctx, "a"))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, "b") }()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	item, ok, err := q.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", item)
	require.NoError(t, <-pushed)

	timeout, cancelCtx := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelCtx()
	assert.ErrorIs(t, q.Push(timeout, "c"), context.DeadlineExceeded)
}

func TestBoundedQueueCloseWithFinal(t *testing.T) {
	ctx := context.Background()
	q := NewBoundedQueue[int](2, BlockProducer)
	require.NoError(t, q.Push(ctx, 1))
	require.NoError(t, q.Push(ctx, 2))
	require.True(t, q.CloseWithFinal(99))
	assert.False(t, q.CloseWithFinal(100))
	assert.ErrorIs(t, q.Push(ctx, 3), ErrQueueClosed)

	var got []int
	for {
		item, ok, err := q.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item)
	}
	assert.Equal(t, []int{2, 99}, got)
}

func TestBoundedQueueCoalesce(t *testing.T) {
	ctx := context.Background()
	q := NewBoundedQueue[string](4, DropOldest)
	join := func(last, incoming string) (string, bool) { return last + incoming, len(last) < 4 }
	for _, s := range []string{"ab", "cd", "ef"} {
		require.NoError(t, q.PushCoalesce(ctx, s, join))
	}
	assert.Equal(t, 2, q.Stats().Size)
	first, _ := q.TryNext()
	assert.Equal(t, "abcd", first)
}
