package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/logging"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	calls  map[Op]int
	handle func(ctx context.Context, req *Request) (*Response, error)
	stream func(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error
}

func (f *fakeTransport) Mode() Mode                 { return ModeDirect }
func (f *fakeTransport) Capabilities() Capabilities { return Capabilities{SupportsStreaming: true} }
func (f *fakeTransport) Close() error               { return nil }

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[Op]int{}
	}
	f.calls[req.Op]++
	f.mu.Unlock()
	if f.handle == nil {
		return req.Respond(map[string]any{"tools": []any{}, "resources": []any{}})
	}
	return f.handle(ctx, req)
}

func (f *fakeTransport) CallToolStream(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[Op]int{}
	}
	f.calls[OpToolsCall]++
	f.mu.Unlock()
	if f.stream == nil {
		return emit(FinalEvent(map[string]any{"ok": true}))
	}
	return f.stream(ctx, params, emit)
}

func (f *fakeTransport) count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func toolsResult(names ...string) map[string]any {
	tools := make([]any, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]any{"name": n, "description": "tool " + n})
	}
	return map[string]any{"tools": tools, "resources": []any{}}
}

type staticSource struct {
	cfg         *EndpointConfig
	invalidated atomic.Int32
}

func (s *staticSource) Get(context.Context) (*EndpointConfig, error) { return s.cfg, nil }

func (s *staticSource) Invalidate(context.Context, string) error {
	s.invalidated.Add(1)
	return nil
}

// relay serves envelope requests at /mcp with handler.
type relay struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newRelay(t *testing.T, handler func(req *Request) (int, any)) *relay {
	t.Helper()
	return newRawRelay(t, func(w http.ResponseWriter, hr *http.Request) {
		if hr.URL.Path != "/mcp" || hr.Header.Get("Authorization") != "Bearer relay-key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(hr.Body)
		req, err := ParseRequest(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		status, payload := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	})
}

func newRawRelay(t *testing.T, handler http.HandlerFunc) *relay {
	t.Helper()
	r := &relay{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, hr *http.Request) {
		r.hits.Add(1)
		handler(w, hr)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) transport(source EndpointSource) *EndpointTransport {
	return NewEndpointTransport(EndpointTransportOptions{
		Fetcher: r.srv.Client(),
		Config:  source,
		Timeout: 2 * time.Second,
		Logger:  logging.Nop(),
	})
}

func (r *relay) config() *EndpointConfig {
	return &EndpointConfig{URL: r.srv.URL, BearerKey: "relay-key"}
}

type clientFixture struct {
	client   *Client
	registry *Registry
	cache    *ManifestCache
	clock    *host.ManualClock
	warnings []string
	warnMu   sync.Mutex
}

func (f *clientFixture) warnCount() int {
	f.warnMu.Lock()
	defer f.warnMu.Unlock()
	return len(f.warnings)
}

func noSleepRetry(attempts int) *alexerrors.RetryConfig {
	return &alexerrors.RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newClientFixture(t *testing.T, servers []ServerConfig, configure func(*ClientOptions)) *clientFixture {
	t.Helper()
	ctx := context.Background()
	storage := host.NewMemoryStorage()
	clock := host.NewManualClock(1_000)
	registry := NewRegistry(storage, "", logging.Nop())
	for _, s := range servers {
		require.NoError(t, registry.Upsert(ctx, s, RegistryScopeApp))
	}
	cache, err := NewManifestCache(ManifestCacheOptions{
		Storage: storage,
		Clock:   clock,
		TTL:     time.Second,
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)

	f := &clientFixture{registry: registry, cache: cache, clock: clock}
	opts := ClientOptions{
		Registry: registry,
		Cache:    cache,
		Clock:    clock,
		Env:      func(string) (string, bool) { return "", false },
		Warn: func(msg string) {
			f.warnMu.Lock()
			f.warnings = append(f.warnings, msg)
			f.warnMu.Unlock()
		},
		Logger: logging.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	f.client = client
	return f
}

func testServer(id string, mode Mode) ServerConfig {
	return ServerConfig{ID: id, DisplayName: id, Enabled: true, Trust: TrustTrusted, PreferredMode: mode}
}
