// Package cancel implements an explicit cancellation tree. Each Node points at
// its parent and owns the list of observers registered on it. Cancelling a
// node runs its observers synchronously, in registration order, on the
// caller's goroutine; children are observers, so cancellation walks the tree
// depth-first before Cancel returns.
package cancel

import (
	"context"
	"sync"
)

type observer struct {
	id uint64
	fn func(Reason)
}

// Node is one cancellation domain. The zero value is not usable; use NewRoot or NewChild.
type Node struct {
	mu        sync.Mutex
	parent    *Node
	links     []func()
	cancelled bool
	reason    Reason
	observers []observer
	nextID    uint64

	ctx       context.Context
	cancelCtx context.CancelCauseFunc
}

// NewRoot returns a node with no parent.
func NewRoot() *Node {
	ctx, cancelCtx := context.WithCancelCause(context.Background())
	return &Node{ctx: ctx, cancelCtx: cancelCtx}
}

// NewChild returns a node cancelled whenever parent is. A nil parent yields a root.
func NewChild(parent *Node) *Node {
	n := NewRoot()
	if parent == nil {
		return n
	}
	n.parent = parent
	n.Follow(parent)
	return n
}

// Parent returns the node this one was created under, or nil.
func (n *Node) Parent() *Node {
	return n.parent
}

// Follow makes n cancel with other's reason when other is cancelled. If
// other is already cancelled, n is cancelled before Follow returns. The
// returned func removes the link.
func (n *Node) Follow(other *Node) func() {
	if other == nil {
		return func() {}
	}
	remove := other.OnCancel(func(r Reason) {
		n.Cancel(r)
	})
	n.mu.Lock()
	n.links = append(n.links, remove)
	n.mu.Unlock()
	return remove
}

// OnCancel registers fn. If n is already cancelled, fn runs immediately.
// The returned func unregisters fn and is safe to call more than once.
func (n *Node) OnCancel(fn func(Reason)) func() {
	n.mu.Lock()
	if n.cancelled {
		reason := n.reason
		n.mu.Unlock()
		fn(reason)
		return func() {}
	}
	n.nextID++
	id := n.nextID
	n.observers = append(n.observers, observer{id: id, fn: fn})
	n.mu.Unlock()
	return func() { n.remove(id) }
}

func (n *Node) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, o := range n.observers {
		if o.id == id {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			return
		}
	}
}

// Cancel cancels n with reason. The first reason wins; later calls return false.
func (n *Node) Cancel(reason Reason) bool {
	reason = normalize(reason)
	n.mu.Lock()
	if n.cancelled {
		n.mu.Unlock()
		return false
	}
	n.cancelled = true
	n.reason = reason
	observers := n.observers
	n.observers = nil
	links := n.links
	n.links = nil
	n.mu.Unlock()

	n.cancelCtx(reason)
	for _, unlink := range links {
		unlink()
	}
	for _, o := range observers {
		o.fn(reason)
	}
	return true
}

// Detach removes n from every node it follows. Used once n's owner has settled.
func (n *Node) Detach() {
	n.mu.Lock()
	links := n.links
	n.links = nil
	n.mu.Unlock()
	for _, unlink := range links {
		unlink()
	}
}

// Cancelled reports whether n has been cancelled.
func (n *Node) Cancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

// Reason returns the winning reason and whether n is cancelled.
func (n *Node) Reason() (Reason, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason, n.cancelled
}

// Err returns the reason as an error, or nil while n is live.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.cancelled {
		return nil
	}
	return n.reason
}

// Context returns a context cancelled synchronously with n. context.Cause
// on it yields the Reason.
func (n *Node) Context() context.Context {
	return n.ctx
}

// ObserverCount reports how many observers are registered.
func (n *Node) ObserverCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.observers)
}
