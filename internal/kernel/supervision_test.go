package kernel

import (
	"testing"

	"alexrt/internal/host"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisionForestAndLeaks(t *testing.T) {
	snap := Snapshot{
		Scopes: []ScopeInfo{
			{ID: "scope_3", ParentScopeID: "scope_1"},
			{ID: "scope_1"},
			{ID: "scope_2", ParentScopeID: "scope_1"},
			{ID: "scope_4", ParentScopeID: "gone"},
		},
		Tasks: []TaskInfo{
			{ID: "task_b", ScopeID: "scope_2", State: StateWaiting},
			{ID: "task_a", ScopeID: "scope_2", State: StateRunning},
			{ID: "task_c", ScopeID: "scope_3", State: StateQueued},
		},
	}
	forest := BuildSupervisionForest(snap)
	require.Len(t, forest, 2)
	assert.Equal(t, "scope_1", forest[0].Scope.ID)
	require.Len(t, forest[0].Children, 2)
	assert.Equal(t, "scope_2", forest[0].Children[0].Scope.ID)
	assert.Equal(t, "scope_3", forest[0].Children[1].Scope.ID)
	assert.Equal(t, "scope_4", forest[1].Scope.ID)

	assert.Equal(t, []string{"task_a", "task_b"}, DetectLeakedTasks(snap, []string{"scope_2"}))
}

func TestHangDetectorFiresOncePerQuietPeriod(t *testing.T) {
	clock := host.NewManualClock(0)
	d := NewHangDetector(clock, map[HangCategory]int64{HangTool: 100})

	clock.Advance(99)
	_, fired := d.Check(HangTool, Snapshot{})
	assert.False(t, fired)

	clock.Advance(1)
	incident, fired := d.Check(HangTool, Snapshot{})
	require.True(t, fired)
	assert.Equal(t, "No progress for 100ms (threshold 100ms)", incident.Summary)
	_, fired = d.Check(HangTool, Snapshot{})
	assert.False(t, fired)

	d.RecordProgress(HangTool)
	clock.Advance(100)
	d.SetWaitingOnUser(true)
	_, fired = d.Check(HangTool, Snapshot{})
	assert.False(t, fired)
	d.SetWaitingOnUser(false)
	_, fired = d.Check(HangTool, Snapshot{})
	assert.True(t, fired)

	_, fired = d.Check(HangGeneric, Snapshot{})
	assert.False(t, fired, "generic threshold is 30s")
}
