package host

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// IDSource hands out identifiers that are unique and sortable within a kind.
type IDSource interface {
	NextID(kind string) string
}

// CounterIDs is a deterministic IDSource. Ids are zero-padded so lexical
// order matches allocation order.
type CounterIDs struct {
	mu      sync.Mutex
	counter uint64
}

// NewCounterIDs returns a counter starting after startAt.
func NewCounterIDs(startAt uint64) *CounterIDs {
	return &CounterIDs{counter: startAt}
}

func (c *CounterIDs) NextID(kind string) string {
	c.mu.Lock()
	c.counter++
	n := c.counter
	c.mu.Unlock()
	if kind == "" {
		return fmt.Sprintf("%06d", n)
	}
	return fmt.Sprintf("%s_%06d", kind, n)
}

// XIDSource issues globally unique ids ordered by creation time.
type XIDSource struct{}

func (XIDSource) NextID(kind string) string {
	id := xid.New().String()
	if kind == "" {
		return id
	}
	return kind + "_" + id
}
