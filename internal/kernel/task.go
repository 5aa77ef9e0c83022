package kernel

import (
	"context"
	"fmt"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/cancel"
	"alexrt/internal/limiter"
)

// TaskFunc is a task body. It runs on its own goroutine but only while it
// holds the kernel baton; every TaskContext suspension hands the baton back.
type TaskFunc func(tc *TaskContext) (any, error)

// SpawnOptions configures a task.
type SpawnOptions struct {
	Label          string
	Priority       Priority
	FailurePolicy  FailurePolicy
	ParentTaskID   string
	TimeoutMs      int64
	CorrelationIDs map[string]string
	Metadata       map[string]any
}

type taskRecord struct {
	id          string
	scope       *scopeRecord
	parentID    string
	label       string
	priority    Priority
	policy      FailurePolicy
	correlation map[string]string
	metadata    map[string]any
	fn          TaskFunc

	state     TaskState
	createdAt int64
	startedAt int64
	lastYield int64

	node    *cancel.Node
	unwatch func()
	timeout *Timer
	done    *Future[Result]

	resume chan struct{}
	parked chan struct{}
}

func (t *taskRecord) info() TaskInfo {
	return TaskInfo{
		ID:              t.id,
		ScopeID:         t.scope.id,
		ParentTaskID:    t.parentID,
		Label:           t.label,
		Priority:        t.priority,
		FailurePolicy:   t.policy,
		State:           t.state,
		CorrelationIDs:  copyStrings(t.correlation),
		CreatedAtMonoMs: t.createdAt,
		StartedAtMonoMs: t.startedAt,
		LastYieldMonoMs: t.lastYield,
	}
}

func (t *taskRecord) event(typ TaskEventType, now int64) TaskEvent {
	return TaskEvent{
		Type:           typ,
		TaskID:         t.id,
		ScopeID:        t.scope.id,
		Label:          t.label,
		Priority:       t.priority,
		TsMonoMs:       now,
		CorrelationIDs: copyStrings(t.correlation),
	}
}

// TaskHandle is the spawner's view of a task.
type TaskHandle struct {
	id   string
	done *Future[Result]
	node *cancel.Node
}

// ID returns the task id.
func (h *TaskHandle) ID() string { return h.id }

// Done settles with the task result. It never rejects.
func (h *TaskHandle) Done() *Future[Result] { return h.done }

// Cancel cancels the task. The first reason wins.
func (h *TaskHandle) Cancel(reason cancel.Reason) { h.node.Cancel(reason) }

// Wait blocks until the task settles or ctx is done. Callers outside the
// kernel must keep the scheduler ticking for the task to make progress.
func (h *TaskHandle) Wait(ctx context.Context) (Result, error) { return h.done.Wait(ctx) }

func (k *Kernel) spawn(sc *scopeRecord, fn TaskFunc, opts SpawnOptions) (*TaskHandle, error) {
	if fn == nil {
		return nil, fmt.Errorf("spawn: nil task body")
	}
	now := k.clock.NowMs()

	k.mu.Lock()
	if sc.closed {
		k.mu.Unlock()
		return nil, ErrScopeClosed
	}
	policy := opts.FailurePolicy
	if policy == "" {
		policy = PolicyIsolate
	}
	rec := &taskRecord{
		id:          k.ids.NextID("task"),
		scope:       sc,
		parentID:    opts.ParentTaskID,
		label:       opts.Label,
		priority:    opts.Priority.orDefault(),
		policy:      policy,
		correlation: copyStrings(opts.CorrelationIDs),
		metadata:    opts.Metadata,
		fn:          fn,
		state:       StateQueued,
		createdAt:   now,
		node:        cancel.NewChild(sc.node),
		done:        NewFuture[Result](),
		resume:      make(chan struct{}),
		parked:      make(chan struct{}),
	}
	var parentNode *cancel.Node
	if opts.ParentTaskID != "" {
		if parent, ok := k.tasks[opts.ParentTaskID]; ok {
			parentNode = parent.node
		}
	}
	k.tasks[rec.id] = rec
	sc.taskIDs[rec.id] = struct{}{}
	k.mu.Unlock()

	if parentNode != nil {
		rec.node.Follow(parentNode)
	}
	k.emit(rec.event(TaskQueued, now))
	if k.metrics != nil {
		k.metrics.RecordTaskSpawned(context.Background(), string(rec.priority))
	}

	if opts.TimeoutMs > 0 {
		reason := cancel.Timeout(now + opts.TimeoutMs)
		timer, err := k.sched.AddTimer(rec.id, opts.TimeoutMs, rec.priority, &reason, func() {
			if !rec.done.Settled() {
				rec.node.Cancel(reason)
			}
		})
		if err == nil {
			k.mu.Lock()
			rec.timeout = timer
			settled := rec.state == StateCompleted
			k.mu.Unlock()
			if settled {
				timer.Cancel()
			}
		}
	}
	k.sched.Enqueue(rec.id, rec.priority, func() { k.start(rec) })

	// Registered last: if the node is already cancelled the task settles here.
	unwatch := rec.node.OnCancel(func(reason cancel.Reason) {
		k.finish(rec, resultForReason(reason), StateQueued)
	})
	k.mu.Lock()
	rec.unwatch = unwatch
	k.mu.Unlock()

	return &TaskHandle{id: rec.id, done: rec.done, node: rec.node}, nil
}

// start runs inside a tick. It hands the baton to the task goroutine and
// waits for it to come back.
func (k *Kernel) start(rec *taskRecord) {
	k.mu.Lock()
	if rec.state != StateQueued || rec.scope.closed || rec.node.Cancelled() {
		// A cancelled queued task is settled by its cancel observer.
		k.mu.Unlock()
		return
	}
	now := k.clock.NowMs()
	rec.state = StateRunning
	rec.startedAt = now
	k.mu.Unlock()

	k.emit(rec.event(TaskStarted, now))
	tc := &TaskContext{k: k, rec: rec}
	go k.runBody(tc)
	<-rec.parked
}

func (k *Kernel) runBody(tc *TaskContext) {
	rec := tc.rec
	value, err := k.invoke(tc)

	var res Result
	if reason, cancelled := rec.node.Reason(); cancelled {
		res = resultForReason(reason)
	} else if err != nil {
		res = Result{Kind: ResultError, Err: err}
	} else {
		res = Result{Kind: ResultSuccess, Value: value}
	}
	k.finish(rec, res, "")

	if res.Kind == ResultError && (rec.policy == PolicyFailFast || rec.policy == PolicyEscalate) {
		k.logger.Warn("Kernel: task %s failed under %s, cancelling scope %s: %v", rec.id, rec.policy, rec.scope.id, err)
		rec.scope.node.Cancel(cancel.Reason{
			Kind:    cancel.KindUnknown,
			Message: fmt.Sprintf("task failed (%s)", rec.policy),
		})
	}
	rec.parked <- struct{}{}
}

func (k *Kernel) invoke(tc *TaskContext) (value any, err error) {
	err = async.Protect(k.logger, "task "+tc.rec.id, func() error {
		var fnErr error
		value, fnErr = tc.rec.fn(tc)
		return fnErr
	})
	return value, err
}

// finish settles rec with res. When require is set the task must still be
// in that state. It reports whether this call settled the task.
func (k *Kernel) finish(rec *taskRecord, res Result, require TaskState) bool {
	k.mu.Lock()
	if rec.state == StateCompleted || (require != "" && rec.state != require) {
		k.mu.Unlock()
		return false
	}
	rec.state = StateCompleted
	delete(k.tasks, rec.id)
	delete(rec.scope.taskIDs, rec.id)
	timer := rec.timeout
	unwatch := rec.unwatch
	started := rec.startedAt
	k.mu.Unlock()

	if timer != nil {
		timer.Cancel()
	}
	if unwatch != nil {
		unwatch()
	}
	rec.node.Detach()

	now := k.clock.NowMs()
	ev := rec.event(TaskCompleted, now)
	ev.Outcome = res.Kind
	k.emit(ev)
	if k.metrics != nil {
		var elapsed time.Duration
		if started > 0 {
			elapsed = time.Duration(now-started) * time.Millisecond
		}
		k.metrics.RecordTaskSettled(context.Background(), string(res.Kind), elapsed)
	}
	k.logger.Debug("Kernel: task %s settled %s", rec.id, res.Kind)
	rec.done.Resolve(res)
	return true
}

// TaskContext is handed to a task body. Its suspending methods must only be
// called from the body's own goroutine.
type TaskContext struct {
	k   *Kernel
	rec *taskRecord
}

// ID returns the task id.
func (tc *TaskContext) ID() string { return tc.rec.id }

// ScopeID returns the owning scope id.
func (tc *TaskContext) ScopeID() string { return tc.rec.scope.id }

// Label returns the task label.
func (tc *TaskContext) Label() string { return tc.rec.label }

// Metadata returns the metadata passed at spawn.
func (tc *TaskContext) Metadata() map[string]any { return tc.rec.metadata }

// NowMs reads the kernel clock.
func (tc *TaskContext) NowMs() int64 { return tc.k.clock.NowMs() }

// Signal is the task's cancel node.
func (tc *TaskContext) Signal() *cancel.Node { return tc.rec.node }

// Context is cancelled synchronously with the task; context.Cause yields the
// cancel.Reason.
func (tc *TaskContext) Context() context.Context { return tc.rec.node.Context() }

// Cancelled reports whether the task has been cancelled.
func (tc *TaskContext) Cancelled() bool { return tc.rec.node.Cancelled() }

// Err returns the cancel reason, or nil.
func (tc *TaskContext) Err() error { return tc.rec.node.Err() }

// Kernel returns the owning kernel.
func (tc *TaskContext) Kernel() *Kernel { return tc.k }

// Yield lets other ready work run at the task's own priority.
func (tc *TaskContext) Yield() error { return tc.YieldAt(tc.rec.priority) }

// YieldAt re-enqueues the task at priority.
func (tc *TaskContext) YieldAt(priority Priority) error {
	tc.k.mu.Lock()
	tc.rec.lastYield = tc.k.clock.NowMs()
	tc.k.mu.Unlock()
	_, err := park(tc, tc.k.sched.Yield(tc.rec.id, priority, tc.rec.node))
	return err
}

// Sleep suspends for delayMs of kernel clock time.
func (tc *TaskContext) Sleep(delayMs int64) error {
	_, err := park(tc, tc.k.sched.Sleep(tc.rec.id, delayMs, SleepOptions{
		Signal:   tc.rec.node,
		Priority: tc.rec.priority,
	}))
	return err
}

// AcquireLimiter takes a permit, suspending while the limiter is full.
func (tc *TaskContext) AcquireLimiter(name string) (limiter.Release, error) {
	return park(tc, tc.k.AcquireLimiter(name, AcquireOptions{OwnerTaskID: tc.rec.id, Signal: tc.rec.node}))
}

// Spawn starts a child task in the same scope. The child is cancelled with
// this task.
func (tc *TaskContext) Spawn(fn TaskFunc, opts SpawnOptions) (*TaskHandle, error) {
	opts.ParentTaskID = tc.rec.id
	return tc.k.spawn(tc.rec.scope, fn, opts)
}

// Wait suspends until f settles or the task is cancelled, whichever comes
// first. Cancellation resumes the task with the reason; f is left untouched.
func Wait[T any](tc *TaskContext, f *Future[T]) (T, error) {
	if err := tc.rec.node.Err(); err != nil {
		var zero T
		return zero, err
	}
	w := NewFuture[T]()
	stop := tc.rec.node.OnCancel(func(reason cancel.Reason) { w.Reject(reason) })
	w.OnSettle(stop)
	f.OnSettle(func() {
		value, err := f.Result()
		if err != nil {
			w.Reject(err)
			return
		}
		w.Resolve(value)
	})
	return park(tc, w)
}

// Await runs fn on another goroutine and suspends the task until it returns.
// fn receives the task context, so cancelling the task cancels fn; the task
// resumes with the cancel reason without waiting for fn to notice.
func Await[T any](tc *TaskContext, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := tc.rec.node.Err(); err != nil {
		var zero T
		return zero, err
	}
	f := NewFuture[T]()
	done := tc.k.sched.BeginExternal()
	stop := tc.rec.node.OnCancel(func(reason cancel.Reason) {
		f.Reject(reason)
		done()
	})
	f.OnSettle(stop)

	ctx := tc.rec.node.Context()
	async.Go(tc.k.logger, "kernel.await:"+tc.rec.id, func() {
		defer done()
		defer func() {
			if r := recover(); r != nil {
				f.Reject(fmt.Errorf("await in task %s panicked: %v", tc.rec.id, r))
			}
		}()
		value, err := fn(ctx)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(value)
	})
	return park(tc, f)
}

// park hands the baton back to the scheduler until f settles. The wake-up is
// enqueued from f's settle callbacks, before any external bookkeeping that
// was registered later runs.
func park[T any](tc *TaskContext, f *Future[T]) (T, error) {
	rec := tc.rec
	if !f.Settled() {
		tc.setState(StateWaiting)
	}
	f.OnSettle(func() {
		tc.k.sched.Enqueue(rec.id, rec.priority, func() {
			rec.resume <- struct{}{}
			<-rec.parked
		})
	})
	rec.parked <- struct{}{}
	<-rec.resume
	tc.setState(StateRunning)
	return f.Result()
}

func (tc *TaskContext) setState(state TaskState) {
	tc.k.mu.Lock()
	if tc.rec.state != StateCompleted {
		tc.rec.state = state
	}
	tc.k.mu.Unlock()
}

func copyStrings(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
