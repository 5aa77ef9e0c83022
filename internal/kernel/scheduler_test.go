package kernel

import (
	"context"
	"testing"
	"time"

	"alexrt/internal/cancel"
	"alexrt/internal/host"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() (*Scheduler, *host.ManualClock) {
	clock := host.NewManualClock(0)
	return NewScheduler(clock, host.NewCounterIDs(0), SchedulerOptions{}), clock
}

func TestTickZeroIsNoop(t *testing.T) {
	s, _ := newTestScheduler()
	ran := false
	s.Enqueue("a", PriorityNormal, func() { ran = true })

	assert.Equal(t, 0, s.Tick(0))
	assert.False(t, ran)
	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Tick)
	assert.Equal(t, 1, snap.QueueDepths.Normal)
}

func TestTickRunsByPriorityThenFIFO(t *testing.T) {
	s, _ := newTestScheduler()
	var order []string
	push := func(name string, p Priority) {
		s.Enqueue(name, p, func() { order = append(order, name) })
	}
	push("low", PriorityLow)
	push("normal-1", PriorityNormal)
	push("high", PriorityHigh)
	push("normal-2", PriorityNormal)

	assert.Equal(t, 4, s.Tick(10))
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

func TestWorkEnqueuedDuringTickRunsNextTick(t *testing.T) {
	s, _ := newTestScheduler()
	var order []string
	s.Enqueue("outer", PriorityLow, func() {
		order = append(order, "outer")
		s.Enqueue("inner", PriorityHigh, func() { order = append(order, "inner") })
	})

	assert.Equal(t, 1, s.Tick(10))
	assert.Equal(t, []string{"outer"}, order)
	assert.Equal(t, 1, s.Tick(10))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestCancelledRunnableIsSkipped(t *testing.T) {
	s, _ := newTestScheduler()
	ran := false
	r := s.Enqueue("a", PriorityNormal, func() { ran = true })
	r.Cancel()
	assert.Equal(t, 0, s.Tick(10))
	assert.False(t, ran)
}

func TestTimersFireInDeadlineThenIDOrder(t *testing.T) {
	s, clock := newTestScheduler()
	var order []string
	add := func(name string, delay int64) {
		_, err := s.AddTimer(name, delay, PriorityNormal, nil, func() { order = append(order, name) })
		require.NoError(t, err)
	}
	add("late", 20)
	add("first", 10)
	add("second", 10)

	s.Tick(10)
	assert.Empty(t, order)

	clock.Advance(20)
	s.Tick(10)
	assert.Equal(t, []string{"first", "second", "late"}, order)
}

func TestSleepRejectsInvalidInput(t *testing.T) {
	s, _ := newTestScheduler()
	_, err := s.Sleep("a", -1, SleepOptions{}).Result()
	assert.ErrorIs(t, err, ErrInvalidDelay)

	signal := cancel.NewRoot()
	signal.Cancel(cancel.UserCancel("early"))
	_, err = s.Sleep("a", 5, SleepOptions{Signal: signal}).Result()
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Empty(t, s.Snapshot().Timers)
}

func TestSleepCancelRemovesTimer(t *testing.T) {
	s, _ := newTestScheduler()
	signal := cancel.NewRoot()
	f := s.Sleep("a", 100, SleepOptions{Signal: signal, Reason: &cancel.Reason{Kind: cancel.KindTimeout}})
	snap := s.Snapshot()
	require.Len(t, snap.Timers, 1)
	require.NotNil(t, snap.Timers[0].Reason)

	signal.Cancel(cancel.StopRequest("halt"))
	_, err := f.Result()
	reason, ok := cancel.ReasonFrom(err)
	require.True(t, ok)
	assert.Equal(t, cancel.KindStopRequest, reason.Kind)
	assert.Empty(t, s.Snapshot().Timers)
	assert.Equal(t, 0, signal.ObserverCount())
}

func TestSleepResolvesWhenDeadlineObserved(t *testing.T) {
	s, clock := newTestScheduler()
	f := s.Sleep("a", 30, SleepOptions{})
	clock.Advance(29)
	s.Tick(10)
	assert.False(t, f.Settled())
	clock.Advance(1)
	assert.Equal(t, 1, s.Tick(10))
	assert.True(t, f.Settled())
}

func TestYieldRejectsWhenSignalFires(t *testing.T) {
	s, _ := newTestScheduler()
	signal := cancel.NewRoot()
	f := s.Yield("a", PriorityNormal, signal)
	signal.Cancel(cancel.UserCancel("stop"))
	_, err := f.Result()
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Equal(t, 0, s.Tick(10))
}

func TestRunUntilIdleBudget(t *testing.T) {
	s, _ := newTestScheduler()
	var loop func()
	loop = func() { s.Enqueue("loop", PriorityNormal, loop) }
	loop()
	err := s.RunUntilIdle(context.Background(), RunOptions{MaxTicks: 5})
	assert.ErrorIs(t, err, ErrTickBudgetExceeded)
}

func TestRunUntilIdleWaitsForExternalWork(t *testing.T) {
	s, _ := newTestScheduler()
	done := s.BeginExternal()
	ran := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Enqueue("ext", PriorityNormal, func() { close(ran) })
		done()
		done()
	}()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	require.NoError(t, s.RunUntilIdle(ctx, RunOptions{}))
	select {
	case <-ran:
	default:
		t.Fatal("external completion was not run")
	}
}

func TestRunUntilIdleWaitForTimersOnRealClock(t *testing.T) {
	s := NewScheduler(host.NewSystemClock(), host.NewCounterIDs(0), SchedulerOptions{})
	f := s.Sleep("a", 5, SleepOptions{})
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	require.NoError(t, s.RunUntilIdle(ctx, RunOptions{WaitForTimers: true}))
	assert.True(t, f.Settled())
}
