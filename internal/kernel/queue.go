package kernel

import (
	"context"
	"errors"
	"sync"
)

// DropPolicy decides what a full BoundedQueue does with a new item.
type DropPolicy string

const (
	DropOldest    DropPolicy = "drop_oldest"
	DropNewest    DropPolicy = "drop_newest"
	BlockProducer DropPolicy = "block_producer"
)

// ErrQueueClosed is returned when pushing to a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// QueueStats describes a BoundedQueue.
type QueueStats struct {
	Size    int        `json:"size"`
	MaxSize int        `json:"maxSize"`
	Dropped int        `json:"dropped"`
	Closed  bool       `json:"closed"`
	Policy  DropPolicy `json:"policy"`
}

// BoundedQueue is a FIFO with a fixed capacity and an overflow policy.
type BoundedQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	maxSize int
	policy  DropPolicy
	dropped int
	closed  bool
	changed chan struct{}
}

// NewBoundedQueue returns a queue holding at most maxSize items (minimum 1).
func NewBoundedQueue[T any](maxSize int, policy DropPolicy) *BoundedQueue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	switch policy {
	case DropOldest, DropNewest, BlockProducer:
	default:
		policy = DropOldest
	}
	return &BoundedQueue[T]{maxSize: maxSize, policy: policy, changed: make(chan struct{})}
}

func (q *BoundedQueue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push adds item. Under BlockProducer it waits for space, ctx or Close.
func (q *BoundedQueue[T]) Push(ctx context.Context, item T) error {
	return q.PushCoalesce(ctx, item, nil)
}

// PushCoalesce is Push with an optional merge step: when coalesce returns a
// merged item for the last queued item and item, the merge replaces the last
// item instead of growing the queue.
func (q *BoundedQueue[T]) PushCoalesce(ctx context.Context, item T, coalesce func(last, incoming T) (T, bool)) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if coalesce != nil && len(q.items) > 0 {
			if merged, ok := coalesce(q.items[len(q.items)-1], item); ok {
				q.items[len(q.items)-1] = merged
				q.broadcastLocked()
				q.mu.Unlock()
				return nil
			}
		}
		if len(q.items) < q.maxSize {
			q.items = append(q.items, item)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		switch q.policy {
		case DropNewest:
			q.dropped++
			q.mu.Unlock()
			return nil
		case DropOldest:
			q.dropOldestLocked()
			q.items = append(q.items, item)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (q *BoundedQueue[T]) dropOldestLocked() {
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.dropped++
}

// Next removes the oldest item, waiting while the queue is empty. ok is false
// once the queue is closed and drained.
func (q *BoundedQueue[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.broadcastLocked()
			q.mu.Unlock()
			return item, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			return item, false, nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return item, false, context.Cause(ctx)
		}
	}
}

// TryNext removes the oldest item without waiting.
func (q *BoundedQueue[T]) TryNext() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.broadcastLocked()
	return item, true
}

// Close stops further pushes and wakes every waiter.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// CloseWithFinal appends item, evicting the oldest entry when full, then
// closes the queue. It reports false if the queue was already closed.
func (q *BoundedQueue[T]) CloseWithFinal(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.maxSize {
		q.dropOldestLocked()
	}
	q.items = append(q.items, item)
	q.closed = true
	q.broadcastLocked()
	return true
}

// Stats reports size and counters.
func (q *BoundedQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Size: len(q.items), MaxSize: q.maxSize, Dropped: q.dropped, Closed: q.closed, Policy: q.policy}
}
