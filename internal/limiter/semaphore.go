// Package limiter provides the bounded FIFO semaphore shared by the kernel's
// named budgets and the protocol client's in-flight caps.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidMax is returned when a semaphore is defined with max < 1.
var ErrInvalidMax = errors.New("limiter: max must be >= 1")

// Release returns a permit. Calling it more than once has no further effect.
type Release func()

// Stats is a point-in-time view of a semaphore.
type Stats struct {
	Name            string `json:"name"`
	Current         int    `json:"current"`
	Max             int    `json:"max"`
	WaitQueueLength int    `json:"waitQueueLength"`
}

type waiter struct {
	owner string
	grant func(Release)
}

// Semaphore is a counting semaphore whose waiters are served strictly in
// arrival order. A freed permit is handed to the oldest waiter under the same
// lock that freed it, so no newcomer can claim it in between.
type Semaphore struct {
	name string
	max  int

	mu      sync.Mutex
	current int
	waiters []*waiter
}

// New returns a semaphore with max permits.
func New(name string, max int) (*Semaphore, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: %s=%d", ErrInvalidMax, name, max)
	}
	return &Semaphore{name: name, max: max}, nil
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Max returns the permit cap.
func (s *Semaphore) Max() int { return s.max }

// Stats returns the current counters.
func (s *Semaphore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Name: s.name, Current: s.current, Max: s.max, WaitQueueLength: len(s.waiters)}
}

// Ticket identifies a queued waiter.
type Ticket struct {
	s *Semaphore
	w *waiter
}

// Owner returns the owner recorded for the waiter.
func (t *Ticket) Owner() string { return t.w.owner }

// Cancel removes the waiter if it has not been granted yet and reports whether it did.
func (t *Ticket) Cancel() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == t.w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// TryAcquire takes a permit if one is free and returns its Release. Otherwise
// it queues a waiter and returns a Ticket; onGrant later receives the permit,
// outside the semaphore lock, in arrival order.
func (s *Semaphore) TryAcquire(owner string, onGrant func(Release)) (Release, *Ticket) {
	s.mu.Lock()
	if s.current < s.max && len(s.waiters) == 0 {
		s.current++
		s.mu.Unlock()
		return s.newRelease(), nil
	}
	w := &waiter{owner: owner, grant: onGrant}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	return nil, &Ticket{s: s, w: w}
}

// Acquire blocks until a permit is granted or ctx is done. A waiter whose
// context ends is removed without being granted.
func (s *Semaphore) Acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	granted := make(chan Release, 1)
	release, ticket := s.TryAcquire("", func(r Release) { granted <- r })
	if release != nil {
		return release, nil
	}
	select {
	case r := <-granted:
		return r, nil
	case <-ctx.Done():
		if !ticket.Cancel() {
			// Granted concurrently; hand it straight back.
			(<-granted)()
		}
		return nil, contextError(ctx)
	}
}

func (s *Semaphore) newRelease() Release {
	var once sync.Once
	return func() {
		once.Do(s.release)
	}
}

func (s *Semaphore) release() {
	s.mu.Lock()
	s.current--
	if len(s.waiters) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.current++
	s.mu.Unlock()
	next.grant(s.newRelease())
}

func contextError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// AcquireInOrder acquires every semaphore in the order given and returns a
// Release that frees them in reverse. If any acquisition fails, the permits
// already held are released before the error is returned.
func AcquireInOrder(ctx context.Context, sems ...*Semaphore) (Release, error) {
	held := make([]Release, 0, len(sems))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, sem := range sems {
		r, err := sem.Acquire(ctx)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("acquire %s: %w", sem.Name(), err)
		}
		held = append(held, r)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// Set is a registry of named semaphores.
type Set struct {
	mu   sync.Mutex
	sems map[string]*Semaphore
}

// NewSet returns an empty registry.
func NewSet() *Set {
	return &Set{sems: make(map[string]*Semaphore)}
}

// Define registers name with max permits. Defining an existing name returns
// the existing semaphore unchanged.
func (s *Set) Define(name string, max int) (*Semaphore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sems[name]; ok {
		return existing, nil
	}
	sem, err := New(name, max)
	if err != nil {
		return nil, err
	}
	s.sems[name] = sem
	return sem, nil
}

// Get returns the semaphore registered under name.
func (s *Set) Get(name string) (*Semaphore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[name]
	return sem, ok
}

// Snapshot returns stats for every semaphore sorted by name.
func (s *Set) Snapshot() []Stats {
	s.mu.Lock()
	sems := make([]*Semaphore, 0, len(s.sems))
	for _, sem := range s.sems {
		sems = append(sems, sem)
	}
	s.mu.Unlock()
	out := make([]Stats, 0, len(sems))
	for _, sem := range sems {
		out = append(out, sem.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
