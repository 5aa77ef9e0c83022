package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSequencesAndClosesOnce(t *testing.T) {
	k, clock := newTestKernel(t, Options{})
	s := k.CreateStream(StreamMCP, StreamOptions{})
	assert.Equal(t, 1024, s.Stats().MaxSize)
	assert.Equal(t, BlockProducer, s.Stats().Policy)

	ctx := context.Background()
	require.NoError(t, s.PushText(ctx, "hello"))
	clock.Advance(3)
	pct := 50.0
	require.NoError(t, s.PushProgress(ctx, Progress{Message: "half", Percent: &pct}))
	require.NoError(t, s.PushDiagnostic(ctx, "note", map[string]any{"k": "v"}))
	s.Close(CloseCompleted, map[string]int{"chunks": 1})
	s.Close(CloseError, nil)
	require.NoError(t, s.PushText(ctx, "ignored"))

	events, err := Drain(ctx, s)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, int64(3), events[1].TsMonoMs)
	assert.Equal(t, EventClose, events[3].Kind)
	assert.Equal(t, CloseCompleted, events[3].Reason)

	info := k.Snapshot().Streams
	require.Len(t, info, 1)
	assert.Equal(t, int64(4), info[0].LastEmittedSeq)
	assert.True(t, info[0].Closed)

	sum := SummarizeEvents(events)
	assert.Equal(t, 1, sum.ChunkCount)
	assert.Equal(t, 5, sum.TotalBytes)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum.SHA256Hex)
}

func TestStreamDefaultsForDiagnosticKinds(t *testing.T) {
	k, _ := newTestKernel(t, Options{})
	s := k.CreateStream(StreamDebug, StreamOptions{})
	assert.Equal(t, 256, s.Stats().MaxSize)
	assert.Equal(t, DropOldest, s.Stats().Policy)
}
