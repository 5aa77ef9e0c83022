package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"alexrt/internal/mcp"
)

// mockExecutor records probes and tool calls.
type mockExecutor struct {
	mu        sync.Mutex
	probes    int
	calls     []mcp.ToolCallParams
	deadlines []bool
	statuses  []mcp.ServerStatus
	output    any
	err       error
}

func (m *mockExecutor) Probe(ctx context.Context) ([]mcp.ServerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	_, ok := ctx.Deadline()
	m.deadlines = append(m.deadlines, ok)
	if m.err != nil {
		return nil, m.err
	}
	return m.statuses, nil
}

func (m *mockExecutor) CallToolOnce(ctx context.Context, params mcp.ToolCallParams) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	_, ok := ctx.Deadline()
	m.deadlines = append(m.deadlines, ok)
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func (m *mockExecutor) probeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// mockNotifier records delivered results.
type mockNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (m *mockNotifier) Notify(_ context.Context, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func TestScheduler_Disabled(t *testing.T) {
	sched := New(Config{Enabled: false, Triggers: []Trigger{{Name: "x", Schedule: "* * * * *"}}}, nil, nil, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sched.TriggerCount() != 0 {
		t.Fatalf("expected no triggers when disabled, got %d", sched.TriggerCount())
	}
}

func TestScheduler_TriggerRegistration(t *testing.T) {
	sched := New(Config{
		Enabled: true,
		Triggers: []Trigger{
			{Name: "probe", Schedule: "0 9 * * 1"},
			{Name: "reindex", Schedule: "@every 5m", ServerID: "files", Tool: "reindex"},
		},
	}, &mockExecutor{}, NopNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if got := sched.TriggerCount(); got != 2 {
		t.Fatalf("expected 2 triggers, got %d", got)
	}
	names := sched.TriggerNames()
	if names[0] != "probe" || names[1] != "reindex" {
		t.Fatalf("unexpected names %v", names)
	}
	next, ok := sched.NextRun("probe")
	if !ok || next.IsZero() {
		t.Fatalf("expected a next run for probe, got %v %v", next, ok)
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 {
		t.Fatalf("expected Monday 09:00, got %v", next)
	}
	if _, ok := sched.NextRun("missing"); ok {
		t.Fatal("expected no next run for an unregistered trigger")
	}
}

func TestScheduler_InvalidTriggersAreSkipped(t *testing.T) {
	sched := New(Config{
		Enabled: true,
		Triggers: []Trigger{
			{Name: "bad-cron", Schedule: "not a cron"},
			{Name: "no-schedule"},
			{Name: "no-server", Schedule: "@hourly", Tool: "reindex"},
			{Schedule: "@hourly"},
			{Name: "good", Schedule: "@daily"},
		},
	}, &mockExecutor{}, NopNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if got := sched.TriggerNames(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("expected only the good trigger, got %v", got)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@every 30s", "@weekly", "0 9 * * 1-5"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "* * *", "61 * * * *", "0 0 0 * * *"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("expected ValidateSchedule(%q) to fail", expr)
		}
	}
}

func TestScheduler_RunNowProbe(t *testing.T) {
	exec := &mockExecutor{statuses: []mcp.ServerStatus{
		{ID: "a", Status: mcp.StatusConnected},
		{ID: "b", Status: mcp.StatusError},
	}}
	notifier := &mockNotifier{}
	sched := New(Config{
		Enabled:        true,
		TriggerTimeout: time.Minute,
		Triggers:       []Trigger{{Name: "probe", Schedule: "@hourly"}},
	}, exec, notifier, nil)

	res, err := sched.RunNow(context.Background(), "probe")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if res.Err != nil || len(res.Servers) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.Summary(); got != `trigger "probe" probed 2 servers, 1 connected` {
		t.Fatalf("unexpected summary %q", got)
	}
	if exec.probeCount() != 1 || !exec.deadlines[0] {
		t.Fatalf("expected one probe under a deadline, got %d %v", exec.probeCount(), exec.deadlines)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count())
	}
}

func TestScheduler_RunNowToolCall(t *testing.T) {
	exec := &mockExecutor{output: map[string]any{"ok": true}}
	notifier := &mockNotifier{}
	sched := New(Config{
		Enabled: true,
		Triggers: []Trigger{
			{Name: "reindex", Schedule: "@hourly", ServerID: "files", Tool: "reindex", Args: map[string]any{"full": true}},
			{Name: "bare", Schedule: "@hourly", ServerID: "files", Tool: "ping"},
		},
	}, exec, notifier, nil)

	res, err := sched.RunNow(context.Background(), "reindex")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if res.Output == nil || res.Servers != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := sched.RunNow(context.Background(), "bare"); err != nil {
		t.Fatalf("RunNow bare: %v", err)
	}

	if len(exec.calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(exec.calls))
	}
	first := exec.calls[0]
	if first.ServerID != "files" || first.Tool != "reindex" {
		t.Fatalf("unexpected call %+v", first)
	}
	if args, ok := first.Args.(map[string]any); !ok || args["full"] != true {
		t.Fatalf("unexpected args %#v", first.Args)
	}
	if args, ok := exec.calls[1].Args.(map[string]any); !ok || len(args) != 0 {
		t.Fatalf("expected empty args object, got %#v", exec.calls[1].Args)
	}
	if exec.deadlines[0] {
		t.Fatal("expected no deadline without a trigger timeout")
	}
}

func TestScheduler_RunNowFailure(t *testing.T) {
	exec := &mockExecutor{err: errors.New("server unreachable")}
	notifier := &mockNotifier{}
	sched := New(Config{
		Enabled:  true,
		Triggers: []Trigger{{Name: "probe", Schedule: "@hourly"}},
	}, exec, notifier, nil)

	res, err := sched.RunNow(context.Background(), "probe")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if res.Err == nil || !strings.Contains(res.Summary(), "server unreachable") {
		t.Fatalf("expected failure summary, got %q", res.Summary())
	}
	if notifier.count() != 1 {
		t.Fatalf("expected failures to be delivered, got %d", notifier.count())
	}

	if _, err := sched.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown trigger error")
	}
}

func TestScheduler_NilNotifierLogs(t *testing.T) {
	sched := New(Config{Enabled: true, Triggers: []Trigger{{Name: "probe", Schedule: "@hourly"}}}, &mockExecutor{}, nil, nil)
	if _, ok := sched.notifier.(*LogNotifier); !ok {
		t.Fatalf("expected LogNotifier default, got %T", sched.notifier)
	}
	if _, err := sched.RunNow(context.Background(), "probe"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
}

func TestNotifierFunc(t *testing.T) {
	var got string
	n := NotifierFunc(func(_ context.Context, r Result) error {
		got = r.Trigger
		return nil
	})
	if err := n.Notify(context.Background(), Result{Trigger: "t"}); err != nil || got != "t" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestScheduler_CronExecution(t *testing.T) {
	exec := &mockExecutor{}
	notifier := &mockNotifier{}
	sched := New(Config{
		Enabled:  true,
		Triggers: []Trigger{{Name: "rapid", Schedule: "@every 1s"}},
	}, exec, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for exec.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if exec.probeCount() == 0 {
		t.Fatal("expected the cron trigger to fire")
	}

	cancel()
	select {
	case <-sched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
	sched.Stop()
}
