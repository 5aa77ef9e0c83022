package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alexrt/internal/cancel"
	"alexrt/internal/host"
	"alexrt/internal/limiter"
	"alexrt/internal/logging"
)

// Metrics receives kernel measurements. observability.MetricsCollector
// satisfies it; nil disables recording.
type Metrics interface {
	RecordTaskSpawned(ctx context.Context, priority string)
	RecordTaskSettled(ctx context.Context, outcome string, duration time.Duration)
	RecordLimiterWait(ctx context.Context, name string)
	RecordSchedulerTick(ctx context.Context, runnables int)
}

// Options configures New. Clock and IDs default to the system clock and a
// counter id source.
type Options struct {
	Clock         host.Clock
	IDs           host.IDSource
	Logger        logging.Logger
	Metrics       Metrics
	OnTaskEvent   func(TaskEvent)
	OnScopeClosed func(ShutdownSummary)
}

// Kernel owns the scheduler and the registries of scopes, tasks, limiters and
// streams. All task and scope state changes go through its methods.
type Kernel struct {
	clock         host.Clock
	ids           host.IDSource
	logger        logging.Logger
	metrics       Metrics
	onTaskEvent   func(TaskEvent)
	onScopeClosed func(ShutdownSummary)

	sched    *Scheduler
	limiters *limiter.Set

	mu      sync.Mutex
	tasks   map[string]*taskRecord
	scopes  map[string]*scopeRecord
	streams map[string]*Stream
}

// New builds a kernel.
func New(opts Options) *Kernel {
	clock := opts.Clock
	if clock == nil {
		clock = host.NewSystemClock()
	}
	ids := opts.IDs
	if ids == nil {
		ids = host.NewCounterIDs(0)
	}
	logger := logging.OrNop(opts.Logger)
	k := &Kernel{
		clock:         clock,
		ids:           ids,
		logger:        logger,
		metrics:       opts.Metrics,
		onTaskEvent:   opts.OnTaskEvent,
		onScopeClosed: opts.OnScopeClosed,
		limiters:      limiter.NewSet(),
		tasks:         make(map[string]*taskRecord),
		scopes:        make(map[string]*scopeRecord),
		streams:       make(map[string]*Stream),
	}
	k.sched = NewScheduler(clock, ids, SchedulerOptions{
		Logger: logger,
		OnTick: func(ran int) {
			if k.metrics != nil {
				k.metrics.RecordSchedulerTick(context.Background(), ran)
			}
		},
	})
	return k
}

// Scheduler exposes the underlying scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.sched }

// NowMs reads the kernel clock.
func (k *Kernel) NowMs() int64 { return k.clock.NowMs() }

// Tick advances the scheduler by one tick.
func (k *Kernel) Tick(maxRunnables int) int { return k.sched.Tick(maxRunnables) }

// RunUntilIdle drives the scheduler until nothing is ready.
func (k *Kernel) RunUntilIdle(ctx context.Context, opts RunOptions) error {
	return k.sched.RunUntilIdle(ctx, opts)
}

// ScopeOptions configures CreateScope.
type ScopeOptions struct {
	Kind          ScopeKind
	Label         string
	ParentScopeID string
}

// CreateScope registers a scope, linked to its parent when one is named.
func (k *Kernel) CreateScope(opts ScopeOptions) (*Scope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var parentNode *cancel.Node
	if opts.ParentScopeID != "" {
		parent, ok := k.scopes[opts.ParentScopeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScope, opts.ParentScopeID)
		}
		parentNode = parent.node
	}
	kind := opts.Kind
	if kind == "" {
		kind = ScopeSession
	}
	rec := &scopeRecord{
		id:        k.ids.NextID("scope"),
		kind:      kind,
		label:     opts.Label,
		parentID:  opts.ParentScopeID,
		createdAt: k.clock.NowMs(),
		node:      cancel.NewChild(parentNode),
		taskIDs:   make(map[string]struct{}),
	}
	rec.handle = &Scope{k: k, rec: rec}
	k.scopes[rec.id] = rec
	k.logger.Debug("Kernel: scope %s (%s) created", rec.id, rec.kind)
	return rec.handle, nil
}

// Scope looks up a scope by id.
func (k *Kernel) Scope(id string) (*Scope, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.scopes[id]
	if !ok {
		return nil, false
	}
	return rec.handle, true
}

// DefineLimiter registers a named limiter. Redefining a name is a no-op.
func (k *Kernel) DefineLimiter(name string, max int) error {
	_, err := k.limiters.Define(name, max)
	return err
}

// AcquireOptions configures AcquireLimiter.
type AcquireOptions struct {
	OwnerTaskID string
	Signal      *cancel.Node
}

// AcquireLimiter takes one permit from the named limiter. A waiter is granted
// through a high-priority scheduler callback; cancelling Signal first
// withdraws the waiter, so a cancelled acquisition never holds a permit.
func (k *Kernel) AcquireLimiter(name string, opts AcquireOptions) *Future[limiter.Release] {
	sem, ok := k.limiters.Get(name)
	if !ok {
		return Rejected[limiter.Release](fmt.Errorf("%w: %s", ErrUnknownLimiter, name))
	}
	if opts.Signal != nil {
		if err := opts.Signal.Err(); err != nil {
			return Rejected[limiter.Release](err)
		}
	}
	owner := opts.OwnerTaskID
	if owner == "" {
		owner = "limiter:" + name
	}
	f := NewFuture[limiter.Release]()
	release, ticket := sem.TryAcquire(owner, func(granted limiter.Release) {
		k.sched.Enqueue(owner, PriorityHigh, func() {
			if !f.Resolve(granted) {
				granted()
			}
		})
	})
	if release != nil {
		f.Resolve(release)
		return f
	}
	if k.metrics != nil {
		k.metrics.RecordLimiterWait(context.Background(), name)
	}
	if opts.Signal != nil {
		stop := opts.Signal.OnCancel(func(reason cancel.Reason) {
			ticket.Cancel()
			f.Reject(reason)
		})
		f.OnSettle(stop)
	}
	return f
}

// Snapshot returns a sorted view of the kernel.
func (k *Kernel) Snapshot() Snapshot {
	sched := k.sched.Snapshot()
	snap := Snapshot{
		NowMonoMs:   k.clock.NowMs(),
		Tick:        sched.Tick,
		QueueDepths: sched.QueueDepths,
		Timers:      sched.Timers,
		Limiters:    k.limiters.Snapshot(),
	}

	k.mu.Lock()
	snap.Tasks = make([]TaskInfo, 0, len(k.tasks))
	for _, t := range k.tasks {
		snap.Tasks = append(snap.Tasks, t.info())
	}
	snap.Scopes = make([]ScopeInfo, 0, len(k.scopes))
	for _, s := range k.scopes {
		snap.Scopes = append(snap.Scopes, s.info())
	}
	streams := make([]*Stream, 0, len(k.streams))
	for _, s := range k.streams {
		streams = append(streams, s)
	}
	k.mu.Unlock()

	snap.Streams = make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		snap.Streams = append(snap.Streams, s.Info())
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	sort.Slice(snap.Scopes, func(i, j int) bool { return snap.Scopes[i].ID < snap.Scopes[j].ID })
	sort.Slice(snap.Streams, func(i, j int) bool { return snap.Streams[i].ID < snap.Streams[j].ID })
	return snap
}

func (k *Kernel) emit(ev TaskEvent) {
	if k.onTaskEvent != nil {
		k.onTaskEvent(ev)
	}
}
