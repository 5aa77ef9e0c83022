package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"alexrt/internal/mcp"
)

func envMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func fileWith(content string) func(string) ([]byte, error) {
	return func(string) ([]byte, error) { return []byte(content), nil }
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap(nil)),
		WithFileReader(noFile),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.Concurrency.Global != DefaultGlobalConcurrency || cfg.MCP.Concurrency.PerServer != DefaultPerServerConcurrency {
		t.Fatalf("unexpected concurrency defaults: %+v", cfg.MCP.Concurrency)
	}
	if cfg.MCP.ManifestTTL != DefaultManifestTTL {
		t.Fatalf("expected manifest ttl %v, got %v", DefaultManifestTTL, cfg.MCP.ManifestTTL)
	}
	if !cfg.MCP.Retry.Enabled || cfg.MCP.Retry.MaxAttempts != DefaultRetryAttempts {
		t.Fatalf("unexpected retry defaults: %+v", cfg.MCP.Retry)
	}
	if cfg.Observability.Logging.Level != "info" {
		t.Fatalf("expected info log level, got %q", cfg.Observability.Logging.Level)
	}
	if meta.Path() != "" {
		t.Fatalf("expected no config path, got %q", meta.Path())
	}
	if meta.Source("mcp.concurrency.global") != SourceDefault {
		t.Fatalf("expected default source, got %s", meta.Source("mcp.concurrency.global"))
	}
}

func TestLoadFilePreservesCase(t *testing.T) {
	content := `
kernel:
  limiters:
    ModelCalls: 2
mcp:
  workspace_id: ws-1
  manifest_ttl: 90s
  concurrency:
    global: 8
  servers:
    - id: Files
      command: files-server
      args: ["--root", "/tmp"]
      env:
        HOME_DIR: /tmp
      trust: Untrusted
    - id: remote
      url: https://tools.example.com/mcp
      transport: sse
      enabled: false
`
	cfg, meta, err := Load(
		WithEnv(envMap(nil)),
		WithConfigPath("/etc/alexrt.yaml"),
		WithFileReader(fileWith(content)),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Path() != "/etc/alexrt.yaml" {
		t.Fatalf("expected config path recorded, got %q", meta.Path())
	}
	if cfg.Kernel.Limiters["ModelCalls"] != 2 {
		t.Fatalf("expected case-preserving limiter, got %#v", cfg.Kernel.Limiters)
	}
	if cfg.MCP.ManifestTTL != 90*time.Second {
		t.Fatalf("expected 90s manifest ttl, got %v", cfg.MCP.ManifestTTL)
	}
	if cfg.MCP.Concurrency.Global != 8 || cfg.MCP.Concurrency.PerServer != DefaultPerServerConcurrency {
		t.Fatalf("unexpected concurrency: %+v", cfg.MCP.Concurrency)
	}
	if meta.Source("mcp.concurrency.global") != SourceFile {
		t.Fatalf("expected file source, got %s", meta.Source("mcp.concurrency.global"))
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("expected two servers, got %d", len(cfg.MCP.Servers))
	}
	files := cfg.MCP.Servers[0]
	if files.ID != "Files" || files.Env["HOME_DIR"] != "/tmp" || files.Trust != "untrusted" {
		t.Fatalf("unexpected server entry: %+v", files)
	}
	if files.TransportKind() != TransportStdio {
		t.Fatalf("expected stdio transport, got %s", files.TransportKind())
	}

	servers := cfg.MCP.ServerConfigs()
	if servers[0].DisplayName != "Files" || !servers[0].Enabled || servers[0].Trust != mcp.TrustUntrusted {
		t.Fatalf("unexpected converted server: %+v", servers[0])
	}
	if servers[1].Enabled || servers[1].Trust != mcp.TrustTrusted {
		t.Fatalf("unexpected converted remote server: %+v", servers[1])
	}
	if cfg.MCP.Servers[1].TransportKind() != TransportSSE {
		t.Fatalf("expected sse transport, got %s", cfg.MCP.Servers[1].TransportKind())
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	content := `
mcp:
  concurrency:
    per_server: 2
observability:
  logging:
    level: warn
`
	cfg, meta, err := Load(
		WithConfigPath("/cfg.yaml"),
		WithFileReader(fileWith(content)),
		WithEnv(envMap(map[string]string{
			"ALEXRT_MCP_CONCURRENCY_PER_SERVER": "6",
			"ALEXRT_LOG_LEVEL":                  "debug",
			"ALEXRT_WORKSPACE":                  " ws-env ",
			"ALEXRT_MCP_RETRY_BASE_DELAY":       "50ms",
			"ALEXRT_MCP_ENDPOINT_ALLOWED":       "true",
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.Concurrency.PerServer != 6 {
		t.Fatalf("expected env per-server 6, got %d", cfg.MCP.Concurrency.PerServer)
	}
	if meta.Source("mcp.concurrency.per_server") != SourceEnv {
		t.Fatalf("expected env source, got %s", meta.Source("mcp.concurrency.per_server"))
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Fatalf("expected alias to set debug, got %q", cfg.Observability.Logging.Level)
	}
	if cfg.MCP.WorkspaceID != "ws-env" {
		t.Fatalf("expected trimmed workspace, got %q", cfg.MCP.WorkspaceID)
	}
	if cfg.MCP.Retry.BaseDelay != 50*time.Millisecond {
		t.Fatalf("expected 50ms base delay, got %v", cfg.MCP.Retry.BaseDelay)
	}
	if !cfg.MCP.Endpoint.Allowed {
		t.Fatalf("expected endpoint allowed from env")
	}
}

func TestCanonicalEnvWinsOverAlias(t *testing.T) {
	cfg, _, err := Load(
		WithFileReader(noFile),
		WithConfigPath("/missing.yaml"),
		WithEnv(envMap(map[string]string{
			"ALEXRT_LOG_LEVEL":                   "debug",
			"ALEXRT_OBSERVABILITY_LOGGING_LEVEL": "error",
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Observability.Logging.Level != "error" {
		t.Fatalf("expected canonical variable to win, got %q", cfg.Observability.Logging.Level)
	}
}

func TestOverridesApplyLast(t *testing.T) {
	cfg, meta, err := Load(
		WithFileReader(noFile),
		WithConfigPath("/missing.yaml"),
		WithEnv(envMap(map[string]string{"ALEXRT_MCP_CONCURRENCY_GLOBAL": "4"})),
		WithOverride("mcp.concurrency.global", 3),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.Concurrency.Global != 3 {
		t.Fatalf("expected override 3, got %d", cfg.MCP.Concurrency.Global)
	}
	if meta.Source("mcp.concurrency.global") != SourceOverride {
		t.Fatalf("expected override source, got %s", meta.Source("mcp.concurrency.global"))
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"duplicate ids": "mcp:\n  servers:\n    - id: a\n      command: x\n    - id: a\n      command: y\n",
		"missing id":    "mcp:\n  servers:\n    - command: x\n",
		"bad trust":     "mcp:\n  servers:\n    - id: a\n      command: x\n      trust: maybe\n",
		"bad transport": "mcp:\n  servers:\n    - id: a\n      url: http://h\n      transport: grpc\n",
		"zero limiter":  "kernel:\n  limiters:\n    io: 0\n",
		"bad log level": "observability:\n  logging:\n    level: loud\n",
		"malformed":     "mcp: [unterminated\n",
		"bad schedule":  "scheduler:\n  triggers:\n    - name: t\n      schedule: soon\n",
		"ghost server":  "scheduler:\n  triggers:\n    - name: t\n      schedule: '@hourly'\n      server: nope\n      tool: x\n",
		"bad policy":    "scheduler:\n  concurrency_policy: queue\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Load(
				WithEnv(envMap(nil)),
				WithConfigPath("/cfg.yaml"),
				WithFileReader(fileWith(content)),
			)
			if err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadSchedulerTriggers(t *testing.T) {
	content := `
mcp:
  servers:
    - id: Files
      command: files-server
scheduler:
  enabled: true
  concurrency_policy: Delay
  triggers:
    - name: nightly-probe
      schedule: "0 3 * * *"
    - name: Reindex
      schedule: "@every 10m"
      server: Files
      tool: reindex
      args:
        fullScan: true
`
	cfg, _, err := Load(
		WithEnv(envMap(map[string]string{"ALEXRT_SCHEDULER_TRIGGER_TIMEOUT": "30s"})),
		WithConfigPath("/cfg.yaml"),
		WithFileReader(fileWith(content)),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.ConcurrencyPolicy != "delay" {
		t.Fatalf("unexpected scheduler section %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.TriggerTimeout != 30*time.Second {
		t.Fatalf("expected env trigger timeout, got %s", cfg.Scheduler.TriggerTimeout)
	}

	sc := cfg.SchedulerConfig()
	if len(sc.Triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(sc.Triggers))
	}
	if sc.Triggers[0].IsToolTrigger() {
		t.Fatal("expected the first trigger to probe")
	}
	tool := sc.Triggers[1]
	if tool.Name != "Reindex" || tool.ServerID != "Files" || tool.Tool != "reindex" {
		t.Fatalf("unexpected tool trigger %+v", tool)
	}
	if tool.Args["fullScan"] != true {
		t.Fatalf("expected case-preserved args, got %#v", tool.Args)
	}
}

func TestDefaultPathHonoursEnv(t *testing.T) {
	path, err := DefaultPath(WithEnv(envMap(map[string]string{"ALEXRT_CONFIG": "/srv/alexrt.yaml"})))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/srv/alexrt.yaml" {
		t.Fatalf("expected env path, got %q", path)
	}
	path, err = DefaultPath(
		WithEnv(envMap(nil)),
		WithHomeDir(func() (string, error) { return "/home/u", nil }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != filepath.Join("/home/u", ".alexrt", "config.yaml") {
		t.Fatalf("unexpected default path %q", path)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Kernel.Limiters["ModelCalls"] = 3
	cfg.MCP.WorkspaceID = "ws-42"
	cfg.MCP.ManifestTTL = 2 * time.Minute
	cfg.MCP.Servers = []ServerEntry{{ID: "Echo", Command: "echo-server", Env: map[string]string{"TOKEN": "x"}}}

	written, err := Save(cfg, WithConfigPath(path), WithEnv(envMap(nil)))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if written != path {
		t.Fatalf("expected %q, got %q", path, written)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, _, err := Load(WithConfigPath(path), WithEnv(envMap(nil)))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.MCP.WorkspaceID != "ws-42" || loaded.MCP.ManifestTTL != 2*time.Minute {
		t.Fatalf("unexpected round trip: %+v", loaded.MCP)
	}
	if loaded.Kernel.Limiters["ModelCalls"] != 3 {
		t.Fatalf("expected limiter to survive, got %#v", loaded.Kernel.Limiters)
	}
	if len(loaded.MCP.Servers) != 1 || loaded.MCP.Servers[0].Env["TOKEN"] != "x" {
		t.Fatalf("expected server to survive, got %+v", loaded.MCP.Servers)
	}
}

func TestRedactedMasksServerSecrets(t *testing.T) {
	cfg := Default()
	cfg.MCP.Servers = []ServerEntry{{
		ID:      "s",
		Command: "srv",
		Env:     map[string]string{"API_KEY": "abc", "EMPTY": ""},
		Headers: map[string]string{"Authorization": "Bearer abc"},
	}}
	red := cfg.Redacted()
	if red.MCP.Servers[0].Env["API_KEY"] == "abc" || red.MCP.Servers[0].Headers["Authorization"] == "Bearer abc" {
		t.Fatalf("expected masked values, got %+v", red.MCP.Servers[0])
	}
	if red.MCP.Servers[0].Env["EMPTY"] != "" {
		t.Fatalf("expected empty value untouched")
	}
	if cfg.MCP.Servers[0].Env["API_KEY"] != "abc" {
		t.Fatalf("original config mutated")
	}
}

func TestRetryConversion(t *testing.T) {
	if (RetryConfig{}).ErrorsRetry() != nil {
		t.Fatalf("expected nil retry when disabled")
	}
	rc := Default().MCP.Retry.ErrorsRetry()
	if rc == nil || rc.MaxAttempts != DefaultRetryAttempts || rc.BaseDelay != DefaultRetryBaseDelay {
		t.Fatalf("unexpected retry config: %+v", rc)
	}
}
