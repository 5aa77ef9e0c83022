package kernel

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/cancel"
	"alexrt/internal/host"
	"alexrt/internal/logging"
)

const (
	DefaultMaxTicks            = 10000
	DefaultMaxRunnablesPerTick = 1000
)

// Runnable is one queued callback.
type Runnable struct {
	owner     string
	priority  Priority
	fn        func()
	cancelled atomic.Bool
}

// Cancel turns the runnable into a no-op if it has not run yet.
func (r *Runnable) Cancel() { r.cancelled.Store(true) }

// Owner returns the id the runnable was enqueued for.
func (r *Runnable) Owner() string { return r.owner }

// Timer is a pending deadline. It fires only from Tick.
type Timer struct {
	id       string
	owner    string
	deadline int64
	priority Priority
	reason   *cancel.Reason
	fire     func()
	s        *Scheduler
}

// ID returns the timer id.
func (t *Timer) ID() string { return t.id }

// Deadline returns the absolute monotonic deadline.
func (t *Timer) Deadline() int64 { return t.deadline }

// Cancel removes the timer. It reports whether the timer was still pending.
func (t *Timer) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.timers[t.id]; !ok {
		return false
	}
	delete(t.s.timers, t.id)
	return true
}

// SleepOptions configures Scheduler.Sleep.
type SleepOptions struct {
	Reason   *cancel.Reason
	Signal   *cancel.Node
	Priority Priority
}

// RunOptions bounds RunUntilIdle.
type RunOptions struct {
	MaxTicks            int
	MaxRunnablesPerTick int
	// WaitForTimers blocks on the real clock until the next deadline instead
	// of returning while timers are still pending.
	WaitForTimers bool
}

// SchedulerSnapshot is the scheduler's share of a kernel snapshot.
type SchedulerSnapshot struct {
	Tick        uint64
	QueueDepths QueueDepths
	Timers      []TimerInfo
}

// SchedulerOptions configures NewScheduler.
type SchedulerOptions struct {
	Logger logging.Logger
	// OnTick receives the number of runnables each non-empty tick ran.
	OnTick func(ran int)
}

// Scheduler is a cooperative executor. It never runs anything on its own:
// callers advance it with Tick or RunUntilIdle.
type Scheduler struct {
	clock  host.Clock
	ids    host.IDSource
	logger logging.Logger
	onTick func(int)

	tickMu sync.Mutex

	mu       sync.Mutex
	current  [3][]*Runnable
	next     [3][]*Runnable
	inTick   bool
	tick     uint64
	timers   map[string]*Timer
	external int
	notify   chan struct{}
}

// NewScheduler builds a scheduler over clock and ids.
func NewScheduler(clock host.Clock, ids host.IDSource, opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		clock:  clock,
		ids:    ids,
		logger: logging.OrNop(opts.Logger),
		onTick: opts.OnTick,
		timers: make(map[string]*Timer),
		notify: make(chan struct{}, 1),
	}
}

// NowMs reads the scheduler clock.
func (s *Scheduler) NowMs() int64 { return s.clock.NowMs() }

// Enqueue appends fn to the ready queue for priority. Work enqueued while a
// tick is running lands on the following tick.
func (s *Scheduler) Enqueue(owner string, priority Priority, fn func()) *Runnable {
	r := &Runnable{owner: owner, priority: priority.orDefault(), fn: fn}
	idx := r.priority.index()
	s.mu.Lock()
	if s.inTick {
		s.next[idx] = append(s.next[idx], r)
	} else {
		s.current[idx] = append(s.current[idx], r)
	}
	s.mu.Unlock()
	s.wake()
	return r
}

// AddTimer registers fire to be enqueued at priority once delayMs has elapsed.
func (s *Scheduler) AddTimer(owner string, delayMs int64, priority Priority, reason *cancel.Reason, fire func()) (*Timer, error) {
	if delayMs < 0 {
		return nil, ErrInvalidDelay
	}
	t := &Timer{
		id:       s.ids.NextID("timer"),
		owner:    owner,
		deadline: s.clock.NowMs() + delayMs,
		priority: priority.orDefault(),
		reason:   reason,
		fire:     fire,
		s:        s,
	}
	s.mu.Lock()
	s.timers[t.id] = t
	s.mu.Unlock()
	s.wake()
	return t, nil
}

// Sleep resolves once a tick observes the deadline. A cancelled signal
// rejects with its reason and removes the timer.
func (s *Scheduler) Sleep(owner string, delayMs int64, opts SleepOptions) *Future[struct{}] {
	if delayMs < 0 {
		return Rejected[struct{}](ErrInvalidDelay)
	}
	if opts.Signal != nil {
		if err := opts.Signal.Err(); err != nil {
			return Rejected[struct{}](err)
		}
	}
	f := NewFuture[struct{}]()
	timer, err := s.AddTimer(owner, delayMs, opts.Priority, opts.Reason, func() { f.Resolve(struct{}{}) })
	if err != nil {
		return Rejected[struct{}](err)
	}
	if opts.Signal != nil {
		stop := opts.Signal.OnCancel(func(reason cancel.Reason) {
			timer.Cancel()
			f.Reject(reason)
		})
		f.OnSettle(stop)
	}
	return f
}

// Yield resolves when a tick reaches the re-enqueued entry.
func (s *Scheduler) Yield(owner string, priority Priority, signal *cancel.Node) *Future[struct{}] {
	if signal != nil {
		if err := signal.Err(); err != nil {
			return Rejected[struct{}](err)
		}
	}
	f := NewFuture[struct{}]()
	r := s.Enqueue(owner, priority, func() { f.Resolve(struct{}{}) })
	if signal != nil {
		stop := signal.OnCancel(func(reason cancel.Reason) {
			r.Cancel()
			f.Reject(reason)
		})
		f.OnSettle(stop)
	}
	return f
}

// BeginExternal records work in flight outside the scheduler. RunUntilIdle
// waits for every returned func to be called. Calling it twice is harmless.
func (s *Scheduler) BeginExternal() func() {
	s.mu.Lock()
	s.external++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.external--
			s.mu.Unlock()
			s.wake()
		})
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Tick fires due timers and then runs up to maxRunnables ready callbacks,
// high before normal before low, FIFO within a priority. It returns how many
// callbacks ran. Tick(0) does nothing.
func (s *Scheduler) Tick(maxRunnables int) int {
	if maxRunnables <= 0 {
		return 0
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.pollTimers()

	s.mu.Lock()
	s.inTick = true
	s.mu.Unlock()

	ran := 0
	for ran < maxRunnables {
		r := s.pop()
		if r == nil {
			break
		}
		if r.cancelled.Load() {
			continue
		}
		s.run(r)
		ran++
	}

	s.mu.Lock()
	s.inTick = false
	s.tick++
	for i := range s.next {
		s.current[i] = append(s.current[i], s.next[i]...)
		s.next[i] = nil
	}
	s.mu.Unlock()

	if ran > 0 && s.onTick != nil {
		s.onTick(ran)
	}
	return ran
}

func (s *Scheduler) run(r *Runnable) {
	defer async.Recover(s.logger, "scheduler:"+r.owner)
	r.fn()
}

func (s *Scheduler) pop() *Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.current {
		if len(s.current[i]) == 0 {
			continue
		}
		r := s.current[i][0]
		s.current[i][0] = nil
		s.current[i] = s.current[i][1:]
		return r
	}
	return nil
}

func (s *Scheduler) pollTimers() {
	now := s.clock.NowMs()
	s.mu.Lock()
	var due []*Timer
	for id, t := range s.timers {
		if t.deadline <= now {
			due = append(due, t)
			delete(s.timers, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].id < due[j].id
	})
	for _, t := range due {
		s.Enqueue(t.owner, t.priority, t.fire)
	}
}

type idleState struct {
	ready        int
	due          bool
	external     int
	nextDeadline int64
	hasTimers    bool
}

func (s *Scheduler) state() idleState {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	now := s.clock.NowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := idleState{external: s.external}
	for i := range s.current {
		st.ready += len(s.current[i]) + len(s.next[i])
	}
	for _, t := range s.timers {
		if t.deadline <= now {
			st.due = true
		}
		if !st.hasTimers || t.deadline < st.nextDeadline {
			st.nextDeadline = t.deadline
		}
		st.hasTimers = true
	}
	return st
}

// RunUntilIdle ticks until there are no ready callbacks, no due timers and no
// outstanding external work. It fails with ErrTickBudgetExceeded once
// MaxTicks ticks have run without reaching that state.
func (s *Scheduler) RunUntilIdle(ctx context.Context, opts RunOptions) error {
	maxTicks := opts.MaxTicks
	if maxTicks <= 0 {
		maxTicks = DefaultMaxTicks
	}
	perTick := opts.MaxRunnablesPerTick
	if perTick <= 0 {
		perTick = DefaultMaxRunnablesPerTick
	}

	ticks := 0
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		st := s.state()
		switch {
		case st.ready > 0 || st.due:
			if ticks >= maxTicks {
				return ErrTickBudgetExceeded
			}
			s.Tick(perTick)
			ticks++
		case st.external > 0:
			select {
			case <-s.notify:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		case opts.WaitForTimers && st.hasTimers:
			delay := time.Duration(st.nextDeadline-s.clock.NowMs()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.notify:
			case <-ctx.Done():
				timer.Stop()
				return context.Cause(ctx)
			}
			timer.Stop()
		default:
			return nil
		}
	}
}

// QueueDepths counts ready callbacks per priority, including ones deferred
// to the next tick.
func (s *Scheduler) QueueDepths() QueueDepths {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthsLocked()
}

func (s *Scheduler) depthsLocked() QueueDepths {
	return QueueDepths{
		High:   len(s.current[0]) + len(s.next[0]),
		Normal: len(s.current[1]) + len(s.next[1]),
		Low:    len(s.current[2]) + len(s.next[2]),
	}
}

// Snapshot reports the tick count, queue depths and pending timers sorted by
// deadline then id.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	timers := make([]TimerInfo, 0, len(s.timers))
	for _, t := range s.timers {
		info := TimerInfo{ID: t.id, Owner: t.owner, DeadlineMonoMs: t.deadline}
		if t.reason != nil {
			r := *t.reason
			info.Reason = &r
		}
		timers = append(timers, info)
	}
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].DeadlineMonoMs != timers[j].DeadlineMonoMs {
			return timers[i].DeadlineMonoMs < timers[j].DeadlineMonoMs
		}
		return timers[i].ID < timers[j].ID
	})
	return SchedulerSnapshot{Tick: s.tick, QueueDepths: s.depthsLocked(), Timers: timers}
}
