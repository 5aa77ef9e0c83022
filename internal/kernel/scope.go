package kernel

import (
	"sort"
	"sync"

	"alexrt/internal/cancel"
)

type scopeRecord struct {
	id        string
	kind      ScopeKind
	label     string
	parentID  string
	createdAt int64
	closedAt  int64
	closed    bool
	node      *cancel.Node
	taskIDs   map[string]struct{}
	closing   *Future[ShutdownSummary]
	handle    *Scope
}

func (s *scopeRecord) info() ScopeInfo {
	ids := make([]string, 0, len(s.taskIDs))
	for id := range s.taskIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ScopeInfo{
		ID:              s.id,
		Kind:            s.kind,
		Label:           s.label,
		ParentScopeID:   s.parentID,
		TaskIDs:         ids,
		CreatedAtMonoMs: s.createdAt,
		ClosedAtMonoMs:  s.closedAt,
		Closed:          s.closed,
		Cancelled:       s.node.Cancelled(),
	}
}

// Scope is a cancellation domain for tasks.
type Scope struct {
	k   *Kernel
	rec *scopeRecord
}

// ID returns the scope id.
func (s *Scope) ID() string { return s.rec.id }

// Kind returns the scope kind.
func (s *Scope) Kind() ScopeKind { return s.rec.kind }

// Signal is the scope's cancel node.
func (s *Scope) Signal() *cancel.Node { return s.rec.node }

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.rec.closed
}

// Spawn creates a task in the scope. It fails with ErrScopeClosed after
// Close; in a scope that is cancelled but not closed the returned handle is
// already settled cancelled.
func (s *Scope) Spawn(fn TaskFunc, opts SpawnOptions) (*TaskHandle, error) {
	return s.k.spawn(s.rec, fn, opts)
}

// Cancel cancels every task in the scope without closing it.
func (s *Scope) Cancel(reason cancel.Reason) { s.rec.node.Cancel(reason) }

// Close cancels the scope and settles the returned future once every live
// task has settled. Queued tasks are settled cancelled before Close returns.
// Repeated calls return the same future.
func (s *Scope) Close(reason cancel.Reason) *Future[ShutdownSummary] {
	return s.k.closeScope(s.rec, reason)
}

func (k *Kernel) closeScope(sc *scopeRecord, reason cancel.Reason) *Future[ShutdownSummary] {
	k.mu.Lock()
	if sc.closing != nil {
		f := sc.closing
		k.mu.Unlock()
		return f
	}
	sc.closed = true
	sc.closedAt = k.clock.NowMs()
	f := NewFuture[ShutdownSummary]()
	sc.closing = f
	live := make([]*taskRecord, 0, len(sc.taskIDs))
	for id := range sc.taskIDs {
		if t, ok := k.tasks[id]; ok {
			live = append(live, t)
		}
	}
	k.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	if !sc.node.Cancel(reason) {
		if prior, ok := sc.node.Reason(); ok {
			reason = prior
		}
	}
	k.logger.Info("Kernel: closing scope %s (%s), %d live tasks", sc.id, reason.Kind, len(live))

	summary := ShutdownSummary{ScopeID: sc.id, Kind: sc.kind, Reason: reason}
	if len(live) == 0 {
		k.completeClose(sc, summary)
		return f
	}

	var mu sync.Mutex
	remaining := len(live)
	for _, t := range live {
		t := t
		t.done.OnSettle(func() {
			res, _ := t.done.Result()
			mu.Lock()
			summary.count(res.Kind)
			remaining--
			last := remaining == 0
			final := summary
			mu.Unlock()
			if last {
				k.completeClose(sc, final)
			}
		})
	}
	return f
}

func (k *Kernel) completeClose(sc *scopeRecord, summary ShutdownSummary) {
	summary.Snapshot = k.Snapshot()
	if k.onScopeClosed != nil {
		k.onScopeClosed(summary)
	}
	sc.closing.Resolve(summary)
}
