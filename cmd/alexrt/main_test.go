package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"alexrt/internal/cancel"
	"alexrt/internal/config"
	"alexrt/internal/di"
	"alexrt/internal/host"
	"alexrt/internal/kernel"
	"alexrt/internal/mcp"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ALEXRT_CONFIG", filepath.Join(home, "config.yaml"))
	t.Setenv("ALEXRT_LOG_LEVEL", "error")
	return home
}

func TestKernelDemoPassesEveryScenario(t *testing.T) {
	isolateEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"kernel", "demo", "--no-color"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d\nstdout:\n%s\nstderr:\n%s", code, stdout.String(), stderr.String())
	}
	if got := strings.Count(stdout.String(), "PASS"); got != len(demoScenarios) {
		t.Fatalf("expected %d passing scenarios, got %d\n%s", len(demoScenarios), got, stdout.String())
	}
	for _, want := range []string{"snapshot", "scopes", "hang detector: No progress for 10ms"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, stdout.String())
		}
	}
}

func TestDemoSuperviseReportsLeakedTasks(t *testing.T) {
	var out bytes.Buffer
	d := &demo{w: &out}
	k, _ := d.kernel()
	scope, err := k.CreateScope(kernel.ScopeOptions{Kind: kernel.ScopeSession, Label: "leaky"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := scope.Spawn(func(tc *kernel.TaskContext) (any, error) {
		return nil, tc.Sleep(100)
	}, kernel.SpawnOptions{Label: "sleeper"}); err != nil {
		t.Fatal(err)
	}
	k.Tick(1)

	scope.Close(cancel.StopRequest("done"))
	d.ended = append(d.ended, scope.ID())
	err = d.supervise()
	if err == nil || !strings.Contains(err.Error(), "closed scopes still own tasks") {
		t.Fatalf("expected leaked task error, got %v", err)
	}
	if !strings.Contains(out.String(), "leaky") {
		t.Fatalf("expected scope tree in output:\n%s", out.String())
	}

	if err := k.RunUntilIdle(context.Background(), kernel.RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := d.supervise(); err != nil {
		t.Fatalf("expected no leaks once the task settled, got %v", err)
	}
}

func TestKernelDemoRejectsUnknownScenario(t *testing.T) {
	isolateEnv(t)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"kernel", "demo", "--scenario", "9"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--scenario") {
		t.Fatalf("unexpected error output: %s", stderr.String())
	}
}

func TestConfigShowReflectsEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ALEXRT_WORKSPACE", "ws-cli")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"config", "show", "--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	var cfg config.Config
	if err := json.Unmarshal(stdout.Bytes(), &cfg); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout.String())
	}
	if cfg.MCP.WorkspaceID != "ws-cli" {
		t.Fatalf("expected workspace from env, got %q", cfg.MCP.WorkspaceID)
	}
}

func TestConfigInitWritesDefaults(t *testing.T) {
	home := isolateEnv(t)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"config", "init"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"config", "init"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected second init to fail, got %d", code)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Fatalf("unexpected error output: %s", stderr.String())
	}
}

const cliServersYAML = `
mcp:
  servers:
    - id: local
      name: Local
      command: in-process
    - id: wild
      command: in-process
      trust: untrusted
scheduler:
  triggers:
    - name: echo-local
      schedule: "@hourly"
      server: local
      tool: echo
      args:
        text: hi
`

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	isolateEnv(t)
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.noColor = true
	a.loadOptions = []config.Option{
		config.WithEnv(func(string) (string, bool) { return "", false }),
		config.WithConfigPath("/virtual/config.yaml"),
		config.WithFileReader(func(string) ([]byte, error) { return []byte(cliServersYAML), nil }),
	}
	a.diOptions = []di.Option{
		di.WithClock(host.NewManualClock(0)),
		di.WithEnv(func(string) (string, bool) { return "", false }),
		di.WithDialer(func(ctx context.Context, serverID string) (mcp.Peer, error) {
			peer, err := mcp.NewInProcessPeer(ctx, demoServer(), mcp.ClientInfo{Name: "test"})
			if err != nil {
				return nil, err
			}
			return peer, nil
		}),
	}
	t.Cleanup(a.close)
	return a, &stdout
}

func execute(a *app, args ...string) error {
	root := newRootCommand(a)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestMCPToolsListsInProcessServer(t *testing.T) {
	a, stdout := newTestApp(t)
	if err := execute(a, "mcp", "tools", "local", "--json"); err != nil {
		t.Fatalf("mcp tools: %v", err)
	}
	var out struct {
		Tools []mcp.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "echo" || out.Tools[0].ServerID != "local" {
		t.Fatalf("unexpected tools: %+v", out.Tools)
	}
}

func TestMCPServersPrintsTrust(t *testing.T) {
	a, stdout := newTestApp(t)
	if err := execute(a, "mcp", "servers"); err != nil {
		t.Fatalf("mcp servers: %v", err)
	}
	text := stdout.String()
	if !strings.Contains(text, "Local") || !strings.Contains(text, "untrusted") {
		t.Fatalf("unexpected servers output:\n%s", text)
	}
}

func TestMCPCallStreamsResult(t *testing.T) {
	a, stdout := newTestApp(t)
	if err := execute(a, "mcp", "call", "local", "echo", "--args", `{"text":"hello there"}`); err != nil {
		t.Fatalf("mcp call: %v", err)
	}
	text := stdout.String()
	if !strings.Contains(text, "hello there") {
		t.Fatalf("expected tool output, got:\n%s", text)
	}
	if !strings.Contains(text, "completed") {
		t.Fatalf("expected completed close summary, got:\n%s", text)
	}
}

func TestMCPCallRequiresApprovalForUntrustedServer(t *testing.T) {
	a, _ := newTestApp(t)
	err := execute(a, "mcp", "call", "wild", "echo", "--args", `{"text":"x"}`)
	var exitErr *ExitCodeError
	if !errors.As(err, &exitErr) || exitErr.Code != exitToolFailed {
		t.Fatalf("expected tool failure exit code, got %v", err)
	}
	if !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected approval hint, got %v", err)
	}
}

func TestMCPCallRejectsBadArgs(t *testing.T) {
	a, _ := newTestApp(t)
	err := execute(a, "mcp", "call", "local", "echo", "--args", "{not json")
	if err == nil || !strings.Contains(err.Error(), "--args") {
		t.Fatalf("expected args error, got %v", err)
	}
}

func TestMCPWatchOnceRunsTrigger(t *testing.T) {
	a, stdout := newTestApp(t)
	if err := execute(a, "mcp", "watch", "--once", "echo-local", "--json"); err != nil {
		t.Fatalf("mcp watch: %v", err)
	}
	var report triggerReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout.String())
	}
	if report.Trigger != "echo-local" || report.Error != "" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Output == nil {
		t.Fatal("expected tool output in report")
	}
}

func TestMCPWatchRequiresEnabledScheduler(t *testing.T) {
	a, _ := newTestApp(t)
	err := execute(a, "mcp", "watch")
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled scheduler error, got %v", err)
	}
	if err := execute(a, "mcp", "watch", "--once", "missing"); err == nil {
		t.Fatal("expected unknown trigger error")
	}
}

func TestMCPStatusReportsLimitsAndBreakers(t *testing.T) {
	a, stdout := newTestApp(t)
	if err := execute(a, "mcp", "status", "--json"); err != nil {
		t.Fatalf("mcp status: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout.String())
	}
	for _, key := range []string{"servers", "limiters", "breakers"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("expected %q in status output: %s", key, stdout.String())
		}
	}
}
