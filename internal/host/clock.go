package host

import (
	"fmt"
	"sync"
	"time"
)

// Clock reports monotonic time in milliseconds. Values never decrease.
type Clock interface {
	NowMs() int64
}

// WallClock reports wall time in Unix milliseconds.
type WallClock interface {
	NowWallMs() int64
}

// SystemClock is a Clock and WallClock backed by the process clock.
type SystemClock struct {
	base     time.Time
	baseWall int64
}

// NewSystemClock returns a clock anchored at the current wall time.
func NewSystemClock() *SystemClock {
	now := time.Now()
	return &SystemClock{base: now, baseWall: now.UnixMilli()}
}

// NowMs returns the monotonic reading anchored at the creation wall time.
func (c *SystemClock) NowMs() int64 {
	return c.baseWall + time.Since(c.base).Milliseconds()
}

// NowWallMs returns the current Unix time in milliseconds.
func (c *SystemClock) NowWallMs() int64 {
	return time.Now().UnixMilli()
}

// ManualClock provides a controllable clock for deterministic tests.
type ManualClock struct {
	mu   sync.Mutex
	now  int64
	wall int64
}

// NewManualClock constructs a ManualClock starting at startMs for both readings.
func NewManualClock(startMs int64) *ManualClock {
	return &ManualClock{now: startMs, wall: startMs}
}

// NowMs returns the current manual time.
func (m *ManualClock) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NowWallMs returns the current manual wall time.
func (m *ManualClock) NowWallMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wall
}

// Advance moves both readings forward by deltaMs and returns the new monotonic time.
func (m *ManualClock) Advance(deltaMs int64) int64 {
	if deltaMs < 0 {
		deltaMs = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += deltaMs
	m.wall += deltaMs
	return m.now
}

// AdvanceTo moves the monotonic reading to targetMs. Moving backwards is an error.
func (m *ManualClock) AdvanceTo(targetMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if targetMs < m.now {
		return m.now, fmt.Errorf("advance to %d: clock already at %d", targetMs, m.now)
	}
	m.wall += targetMs - m.now
	m.now = targetMs
	return m.now, nil
}

// SetWall sets the wall reading without touching monotonic time.
func (m *ManualClock) SetWall(wallMs int64) {
	m.mu.Lock()
	m.wall = wallMs
	m.mu.Unlock()
}
