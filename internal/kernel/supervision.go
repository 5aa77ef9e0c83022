package kernel

import (
	"fmt"
	"sort"
	"sync"

	"alexrt/internal/host"
)

// SupervisionNode is a scope and its child scopes.
type SupervisionNode struct {
	Scope    ScopeInfo          `json:"scope"`
	Children []*SupervisionNode `json:"children"`
}

// BuildSupervisionForest arranges the scopes of snap into trees. Roots and
// children are sorted by id; scopes whose parent is missing become roots.
func BuildSupervisionForest(snap Snapshot) []*SupervisionNode {
	known := make(map[string]bool, len(snap.Scopes))
	for _, s := range snap.Scopes {
		known[s.ID] = true
	}
	children := make(map[string][]ScopeInfo)
	var roots []ScopeInfo
	for _, s := range snap.Scopes {
		if s.ParentScopeID == "" || !known[s.ParentScopeID] {
			roots = append(roots, s)
			continue
		}
		children[s.ParentScopeID] = append(children[s.ParentScopeID], s)
	}
	byID := func(list []ScopeInfo) {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	byID(roots)
	var visit func(ScopeInfo) *SupervisionNode
	visit = func(s ScopeInfo) *SupervisionNode {
		kids := children[s.ID]
		byID(kids)
		node := &SupervisionNode{Scope: s, Children: make([]*SupervisionNode, 0, len(kids))}
		for _, kid := range kids {
			node.Children = append(node.Children, visit(kid))
		}
		return node
	}
	forest := make([]*SupervisionNode, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, visit(r))
	}
	return forest
}

// DetectLeakedTasks lists, sorted, the tasks of snap that are not completed
// but belong to one of endedScopeIDs.
func DetectLeakedTasks(snap Snapshot, endedScopeIDs []string) []string {
	ended := make(map[string]bool, len(endedScopeIDs))
	for _, id := range endedScopeIDs {
		ended[id] = true
	}
	var leaked []string
	for _, t := range snap.Tasks {
		if !ended[t.ScopeID] || t.State == StateCompleted {
			continue
		}
		leaked = append(leaked, t.ID)
	}
	sort.Strings(leaked)
	return leaked
}

// HangCategory groups work watched by a HangDetector.
type HangCategory string

const (
	HangGeneric HangCategory = "generic"
	HangTool    HangCategory = "tool"
	HangMCP     HangCategory = "mcp"
	HangAgent   HangCategory = "agent"
)

// HangIncident reports a category that made no progress within its threshold.
type HangIncident struct {
	Category HangCategory
	Summary  string
	Snapshot Snapshot
}

// HangDetector tracks the last progress time per category and reports a
// hang once per quiet period.
type HangDetector struct {
	clock host.Clock

	mu            sync.Mutex
	thresholds    map[HangCategory]int64
	lastProgress  map[HangCategory]int64
	fired         map[HangCategory]bool
	waitingOnUser bool
}

// NewHangDetector builds a detector. Missing thresholds default to 30s for
// generic and 60s for the rest.
func NewHangDetector(clock host.Clock, thresholdsMs map[HangCategory]int64) *HangDetector {
	now := clock.NowMs()
	d := &HangDetector{
		clock: clock,
		thresholds: map[HangCategory]int64{
			HangGeneric: 30_000,
			HangTool:    60_000,
			HangMCP:     60_000,
			HangAgent:   60_000,
		},
		lastProgress: map[HangCategory]int64{HangGeneric: now, HangTool: now, HangMCP: now, HangAgent: now},
		fired:        make(map[HangCategory]bool),
	}
	for cat, ms := range thresholdsMs {
		d.thresholds[cat] = ms
	}
	return d
}

// SetWaitingOnUser suppresses incidents while the user owes input.
func (d *HangDetector) SetWaitingOnUser(waiting bool) {
	d.mu.Lock()
	d.waitingOnUser = waiting
	d.mu.Unlock()
}

// RecordProgress resets the quiet period of category.
func (d *HangDetector) RecordProgress(category HangCategory) {
	if category == "" {
		category = HangGeneric
	}
	d.mu.Lock()
	d.lastProgress[category] = d.clock.NowMs()
	delete(d.fired, category)
	d.mu.Unlock()
}

// Check returns an incident when category has been quiet past its threshold
// and has not already fired since its last progress.
func (d *HangDetector) Check(category HangCategory, snap Snapshot) (HangIncident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waitingOnUser || d.fired[category] {
		return HangIncident{}, false
	}
	threshold, ok := d.thresholds[category]
	if !ok {
		threshold = d.thresholds[HangGeneric]
	}
	now := d.clock.NowMs()
	last, seen := d.lastProgress[category]
	if !seen {
		d.lastProgress[category] = now
		return HangIncident{}, false
	}
	quiet := now - last
	if quiet < threshold {
		return HangIncident{}, false
	}
	d.fired[category] = true
	return HangIncident{
		Category: category,
		Summary:  fmt.Sprintf("No progress for %dms (threshold %dms)", quiet, threshold),
		Snapshot: snap,
	}, true
}
