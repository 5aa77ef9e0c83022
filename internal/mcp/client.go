package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"alexrt/internal/async"
	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/limiter"
	"alexrt/internal/logging"
)

const (
	defaultMaxInFlightGlobal    = 16
	defaultMaxInFlightPerServer = 4
	// manifestRefreshTimeout bounds a shared tools/list refresh.
	manifestRefreshTimeout = 30 * time.Second
	globalLimiterName           = "mcp_global"
	serverLimiterPrefix         = "mcp_server_"
	disableRetryEnv             = "MCP_DISABLE_RETRY"
	endpointMissingWarning      = "Warning: MCP endpoint config missing; falling back to direct mode if available."

	SpanSend     = "alexrt.mcp.send"
	SpanCallTool = "alexrt.mcp.call_tool"
)

// Metrics receives client measurements. A nil Metrics is valid.
type Metrics interface {
	RecordMCPRequest(op, mode, status string, latency time.Duration)
	RecordMCPFallback(from, to string)
	RecordManifestCache(hit bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordMCPRequest(string, string, string, time.Duration) {}
func (nopMetrics) RecordMCPFallback(string, string)                       {}
func (nopMetrics) RecordManifestCache(bool)                               {}

// ClientOptions configures a Client.
type ClientOptions struct {
	Registry *Registry
	Cache    *ManifestCache
	// Direct is the peer transport. Nil means direct mode is unavailable.
	Direct Transport
	// Endpoint is the relay transport, used only when EndpointAllowed.
	Endpoint        *EndpointTransport
	EndpointAllowed bool
	// Warn receives deduplicated operator warnings.
	Warn WarnSink
	// SessionKey scopes deduplicated warnings.
	SessionKey string
	// Retry enables retries of retryable errors. Nil disables retry.
	Retry *alexerrors.RetryConfig

	MaxInFlightGlobal    int
	MaxInFlightPerServer int

	Clock   host.Clock
	Env     host.EnvLookup
	Metrics Metrics
	Tracer  trace.Tracer
	Logger  logging.Logger
}

type connState struct {
	status       ConnectionStatus
	mode         Mode
	err          string
	hasTools     bool
	hasResources bool
}

// Client orchestrates calls to capability servers: transport selection,
// admission control, retry, fallback, manifest caching and streaming.
type Client struct {
	registry        *Registry
	cache           *ManifestCache
	direct          Transport
	endpoint        *EndpointTransport
	endpointAllowed bool
	warn            WarnSink
	sessionKey      string
	retry           *alexerrors.RetryConfig
	clock           host.Clock
	env             host.EnvLookup
	metrics         Metrics
	tracer          trace.Tracer
	logger          logging.Logger

	limits       *limiter.Set
	global       *limiter.Semaphore
	maxPerServer int
	warnOnce     WarnOnce
	refresh      singleflight.Group

	mu   sync.Mutex
	conn map[string]connState
}

// NewClient builds a client. Registry and Cache are required.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("mcp client: registry is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("mcp client: manifest cache is required")
	}
	maxGlobal := opts.MaxInFlightGlobal
	if maxGlobal == 0 {
		maxGlobal = defaultMaxInFlightGlobal
	}
	maxPerServer := opts.MaxInFlightPerServer
	if maxPerServer == 0 {
		maxPerServer = defaultMaxInFlightPerServer
	}
	limits := limiter.NewSet()
	global, err := limits.Define(globalLimiterName, max(1, maxGlobal))
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	c := &Client{
		registry:        opts.Registry,
		cache:           opts.Cache,
		direct:          opts.Direct,
		endpoint:        opts.Endpoint,
		endpointAllowed: opts.EndpointAllowed,
		warn:            opts.Warn,
		sessionKey:      opts.SessionKey,
		retry:           opts.Retry,
		clock:           opts.Clock,
		env:             opts.Env,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		logger:          opts.Logger,
		limits:          limits,
		global:          global,
		maxPerServer:    max(1, maxPerServer),
		conn:            make(map[string]connState),
	}
	if c.clock == nil {
		c.clock = host.NewSystemClock()
	}
	if c.env == nil {
		c.env = os.LookupEnv
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("alexrt/mcp")
	}
	if logging.IsNil(c.logger) {
		c.logger = logging.NewComponentLogger("MCPClient")
	}
	return c, nil
}

// Limits exposes the client's semaphores for inspection.
func (c *Client) Limits() *limiter.Set { return c.limits }

func (c *Client) acquireLimits(ctx context.Context, serverID string) (limiter.Release, error) {
	perServer, err := c.limits.Define(serverLimiterPrefix+serverID, c.maxPerServer)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error()).WithCause(err)
	}
	release, err := limiter.AcquireInOrder(ctx, c.global, perServer)
	if err != nil {
		if e := cancelledFrom(ctx); e != nil {
			return nil, e
		}
		return nil, ToError(err)
	}
	return release, nil
}

func (c *Client) setConn(serverID string, update func(*connState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.conn[serverID]
	if !ok {
		st = connState{status: StatusDisconnected}
	}
	update(&st)
	c.conn[serverID] = st
}

func (c *Client) markConnecting(serverID string, mode Mode) {
	c.setConn(serverID, func(st *connState) {
		st.status, st.mode, st.err = StatusConnecting, mode, ""
	})
}

func (c *Client) markConnected(serverID string, mode Mode) {
	c.setConn(serverID, func(st *connState) {
		st.status, st.mode, st.err = StatusConnected, mode, ""
	})
}

func (c *Client) markError(serverID string, mode Mode, err *Error) {
	c.setConn(serverID, func(st *connState) {
		st.status, st.mode, st.err = StatusError, mode, err.Message
	})
}

// serverConfig returns the registry entry for id, or nil when unknown.
func (c *Client) serverConfig(ctx context.Context, serverID string) (*ServerConfig, error) {
	cfg, err := c.registry.Server(ctx, serverID)
	if err != nil {
		return nil, NewError(CodeInternalError, fmt.Sprintf("read server registry: %v", err)).WithCause(err)
	}
	return cfg, nil
}

func checkEnabled(cfg *ServerConfig, serverID string) error {
	if cfg != nil && !cfg.Enabled {
		return ServerDisabled(fmt.Sprintf("MCP server '%s' is disabled", serverID))
	}
	return nil
}

// ListServers joins registry entries with their last observed status.
func (c *Client) ListServers(ctx context.Context) ([]ServerStatus, error) {
	servers, err := c.registry.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		st, ok := c.conn[s.ID]
		if !ok {
			st = connState{status: StatusDisconnected}
		}
		out = append(out, ServerStatus{
			ID:           s.ID,
			DisplayName:  s.DisplayName,
			Trust:        s.Trust,
			Enabled:      s.Enabled,
			Mode:         st.mode,
			Status:       st.status,
			HasTools:     st.hasTools,
			HasResources: st.hasResources,
			Error:        st.err,
		})
	}
	return out, nil
}

// RegisterServer adds or replaces a server in the given registry scope.
func (c *Client) RegisterServer(ctx context.Context, cfg ServerConfig, scope RegistryScope) error {
	if err := c.registry.Upsert(ctx, cfg, scope); err != nil {
		return err
	}
	return c.cache.Invalidate(ctx, cfg.ID)
}

type peerDropper interface {
	DropPeer(serverID string)
}

// RemoveServer deletes a server and forgets its manifest and status.
func (c *Client) RemoveServer(ctx context.Context, serverID string, scope RegistryScope) error {
	if err := c.registry.Remove(ctx, serverID, scope); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.conn, serverID)
	c.mu.Unlock()
	if d, ok := c.direct.(peerDropper); ok {
		d.DropPeer(serverID)
	}
	return c.cache.Invalidate(ctx, serverID)
}

func (c *Client) targetServers(ctx context.Context, serverID string) ([]string, error) {
	if serverID != "" {
		return []string{serverID}, nil
	}
	servers, err := c.registry.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

// ListTools returns the tools of serverID, or of every enabled server when
// serverID is empty.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]ToolDescriptor, error) {
	ids, err := c.targetServers(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := []ToolDescriptor{}
	for _, id := range ids {
		m, err := c.manifest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Tools...)
	}
	return out, nil
}

// ListResources returns the resources of serverID, or of every enabled
// server when serverID is empty.
func (c *Client) ListResources(ctx context.Context, serverID string) ([]ResourceDescriptor, error) {
	ids, err := c.targetServers(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := []ResourceDescriptor{}
	for _, id := range ids {
		m, err := c.manifest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Resources...)
	}
	return out, nil
}

// GrepTools matches pattern against "<serverId>/<name> <description>".
func (c *Client) GrepTools(ctx context.Context, pattern *regexp.Regexp) ([]ToolDescriptor, error) {
	tools, err := c.ListTools(ctx, "")
	if err != nil {
		return nil, err
	}
	out := []ToolDescriptor{}
	for _, t := range tools {
		subject := t.ServerID + "/" + t.Name
		if t.Description != "" {
			subject += " " + t.Description
		}
		if pattern.MatchString(subject) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetToolInfo returns a tool from the manifest, asking the server directly
// when the manifest does not list it. A nil result means unknown.
func (c *Client) GetToolInfo(ctx context.Context, serverID, toolName string) (*ToolDescriptor, error) {
	m, err := c.manifest(ctx, serverID)
	if err != nil {
		return nil, err
	}
	for i := range m.Tools {
		if m.Tools[i].Name == toolName {
			tool := m.Tools[i]
			return &tool, nil
		}
	}
	req, err := NewRequest(NewRequestID(), OpToolsInfo, Correlation{ServerID: serverID}, toolInfoParams{ServerID: serverID, ToolName: toolName})
	if err != nil {
		return nil, err
	}
	resp, err := c.sendWithFallback(ctx, serverID, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, nil
	}
	var result struct {
		Tool *ToolDescriptor `json:"tool"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	return result.Tool, nil
}

// ReadResource reads uri from serverID. A positive timeout bounds the call.
func (c *Client) ReadResource(ctx context.Context, serverID, uri string, timeout time.Duration) (any, error) {
	req, err := NewRequest(NewRequestID(), OpResourcesRead, Correlation{ServerID: serverID}, resourceReadParams{ServerID: serverID, URI: uri})
	if err != nil {
		return nil, err
	}
	ctx, cancel := withCallTimeout(ctx, OpResourcesRead, timeout)
	defer cancel()
	resp, err := c.sendWithFallback(ctx, serverID, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Value()
}

// Send dispatches a caller-built envelope. The envelope is validated first
// and never retried when invalid.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	serverID := req.Correlation.ServerID
	if serverID == "" {
		return nil, ProtocolError("MCP request missing correlation.serverId")
	}
	return c.sendWithFallback(ctx, serverID, req)
}

func withCallTimeout(ctx context.Context, op Op, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, timeout, HandshakeTimeout(fmt.Sprintf("%s timed out after %s", op, timeout)))
}

func (c *Client) authIdentity(ctx context.Context) string {
	if c.endpoint == nil {
		return ""
	}
	return c.endpoint.IdentityHash(ctx)
}

// manifest serves from cache; a miss issues one tools/list per server no
// matter how many callers are waiting.
func (c *Client) manifest(ctx context.Context, serverID string) (*Manifest, error) {
	auth := c.authIdentity(ctx)
	if m, err := c.cache.Get(ctx, serverID, auth); err != nil {
		c.logger.Warn("manifest cache read failed for %s: %v", serverID, err)
	} else if m != nil {
		c.metrics.RecordManifestCache(true)
		return m, nil
	}
	c.metrics.RecordManifestCache(false)

	// The shared refresh outlives any one caller; each caller still stops
	// waiting on its own cancellation.
	ch := c.refresh.DoChan(serverID, func() (any, error) {
		rctx, cancel := withCallTimeout(context.WithoutCancel(ctx), OpToolsList, manifestRefreshTimeout)
		defer cancel()
		return c.refreshManifest(rctx, serverID, auth)
	})
	select {
	case <-ctx.Done():
		return nil, cancelledFrom(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("joined in-flight manifest refresh for %s", serverID)
		}
		m := res.Val.(Manifest)
		return &m, nil
	}
}

func (c *Client) refreshManifest(ctx context.Context, serverID, auth string) (Manifest, error) {
	req, err := NewRequest(NewRequestID(), OpToolsList, Correlation{ServerID: serverID}, map[string]string{"serverId": serverID})
	if err != nil {
		return Manifest{}, err
	}
	resp, err := c.sendWithFallback(ctx, serverID, req)
	if err != nil {
		return Manifest{}, err
	}
	if err := resp.Err(); err != nil {
		return Manifest{}, err
	}
	var result struct {
		Tools     []ToolDescriptor     `json:"tools"`
		Resources []ResourceDescriptor `json:"resources"`
	}
	if err := resp.Decode(&result); err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		ServerID:        serverID,
		Tools:           result.Tools,
		Resources:       result.Resources,
		FetchedAtMonoMs: c.clock.NowMs(),
	}
	if m.Tools == nil {
		m.Tools = []ToolDescriptor{}
	}
	if m.Resources == nil {
		m.Resources = []ResourceDescriptor{}
	}
	for i := range m.Tools {
		if m.Tools[i].ServerID == "" {
			m.Tools[i].ServerID = serverID
		}
	}
	for i := range m.Resources {
		if m.Resources[i].ServerID == "" {
			m.Resources[i].ServerID = serverID
		}
	}
	stored, _, err := c.cache.Set(ctx, m, auth)
	if err != nil {
		c.logger.Warn("manifest cache write failed for %s: %v", serverID, err)
		stored = m
	}
	c.setConn(serverID, func(st *connState) {
		st.status, st.err = StatusConnected, ""
		st.hasTools = len(stored.Tools) > 0
		st.hasResources = len(stored.Resources) > 0
	})
	return stored, nil
}

func (c *Client) retryDisabledByEnv() bool {
	v, ok := c.env(disableRetryEnv)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "off":
		return true
	}
	return false
}

func withRetry[T any](ctx context.Context, c *Client, mode Mode, fn func(context.Context) (T, error)) (T, error) {
	if c.retry == nil || (mode == ModeEndpoint && c.retryDisabledByEnv()) {
		return fn(ctx)
	}
	cfg := *c.retry
	cfg.ShouldRetry = IsRetryable
	v, err := alexerrors.RetryWithResultAndLog(ctx, cfg, fn, c.logger)
	if err != nil {
		if e := cancelledFrom(ctx); e != nil {
			var zero T
			return zero, e
		}
	}
	return v, err
}

// fallbackWorthy reports whether the other transport might succeed where
// this one failed.
func fallbackWorthy(e *Error) bool {
	switch e.Code {
	case CodeConnectionFailed, CodeHandshakeTimeout, CodeConfigMissing, CodeAuthFailed:
		return true
	}
	return false
}

func (c *Client) warnMissingEndpoint() {
	if c.warn == nil {
		return
	}
	key := "mcp_endpoint_missing:" + c.sessionKey
	if c.sessionKey == "" {
		key = "mcp_endpoint_missing:default"
	}
	c.warnOnce.Warn(key, endpointMissingWarning, c.warn)
}

func (c *Client) invalidateEndpoint(ctx context.Context) {
	if c.endpoint == nil {
		return
	}
	if err := c.endpoint.Invalidate(context.WithoutCancel(ctx), string(CodeAuthFailed)); err != nil {
		c.logger.Warn("endpoint config invalidation failed: %v", err)
	}
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := logging.LogIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("alexrt.log_id", id))
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

func (c *Client) sendWithFallback(ctx context.Context, serverID string, req *Request) (resp *Response, err error) {
	ctx, span := c.startSpan(ctx, SpanSend,
		attribute.String("alexrt.mcp.op", string(req.Op)),
		attribute.String("alexrt.mcp.server_id", serverID),
		attribute.String("alexrt.mcp.request_id", req.RequestID),
	)
	defer func() { endSpan(span, err) }()

	cfg, err := c.serverConfig(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := checkEnabled(cfg, serverID); err != nil {
		return nil, err
	}
	prefer := ModeDirect
	if cfg != nil && cfg.PreferredMode == ModeEndpoint {
		prefer = ModeEndpoint
	}

	resp, err = c.attempt(ctx, serverID, prefer, req)
	if err == nil {
		c.markConnected(serverID, prefer)
		span.SetAttributes(attribute.String("alexrt.mcp.mode", string(prefer)))
		return resp, nil
	}
	first := ToError(err)
	c.markError(serverID, prefer, first)
	if first.Code == CodeAuthFailed {
		c.invalidateEndpoint(ctx)
	}
	if !c.endpointAllowed || !fallbackWorthy(first) || ctx.Err() != nil {
		return nil, first
	}

	other := ModeEndpoint
	if prefer == ModeEndpoint {
		other = ModeDirect
		c.warnMissingEndpoint()
	}
	c.metrics.RecordMCPFallback(string(prefer), string(other))
	c.logger.Debug("%s via %s failed (%v); falling back to %s", req.Op, prefer, first, other)

	resp, err = c.attempt(ctx, serverID, other, req)
	if err != nil {
		second := ToError(err)
		c.markError(serverID, other, second)
		if second.Code == CodeAuthFailed {
			c.invalidateEndpoint(ctx)
		}
		c.logger.Warn("%s fallback to %s failed: %v", req.Op, other, second)
		return nil, first
	}
	c.markConnected(serverID, other)
	span.SetAttributes(attribute.String("alexrt.mcp.mode", string(other)))
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, serverID string, mode Mode, req *Request) (*Response, error) {
	c.markConnecting(serverID, mode)
	release, err := c.acquireLimits(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	var resp *Response
	switch mode {
	case ModeDirect:
		if c.direct == nil {
			err = ConfigMissing("Direct MCP transport not available")
			break
		}
		resp, err = withRetry(ctx, c, mode, func(ctx context.Context) (*Response, error) {
			return c.direct.Send(ctx, req)
		})
	case ModeEndpoint:
		if !c.endpointAllowed {
			err = ConfigMissing("Endpoint mode not allowed")
			break
		}
		if c.endpoint == nil {
			err = ConfigMissing("MCP endpoint config missing")
			break
		}
		if _, err = c.endpoint.Config(ctx); err != nil {
			break
		}
		resp, err = withRetry(ctx, c, mode, func(ctx context.Context) (*Response, error) {
			return c.endpoint.Send(ctx, req)
		})
	default:
		err = ProtocolError(fmt.Sprintf("unknown transport mode %q", mode))
	}

	status := "ok"
	if err != nil {
		err = ToError(err)
		status = string(err.(*Error).Code)
	} else if !resp.OK {
		status = "response_error"
	}
	c.metrics.RecordMCPRequest(string(req.Op), string(mode), status, time.Since(start))
	return resp, err
}

// CallToolOnce runs a tool call and returns the value of its final event.
func (c *Client) CallToolOnce(ctx context.Context, params ToolCallParams) (any, error) {
	stream, err := c.CallToolStream(ctx, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var last any
	for evt := range stream.Events() {
		if evt.Kind == EventFinal {
			last = evt.Value
		}
	}
	return last, stream.Err()
}

// CallToolStream starts a tool call. Permits are held until the stream ends.
func (c *Client) CallToolStream(ctx context.Context, params ToolCallParams) (*ToolStream, error) {
	cfg, err := c.serverConfig(ctx, params.ServerID)
	if err != nil {
		return nil, err
	}
	if err := checkEnabled(cfg, params.ServerID); err != nil {
		return nil, err
	}
	return StartToolStream(ctx, c.logger, "mcp tool "+params.Tool, func(ctx context.Context, emit func(ToolStreamEvent) error) error {
		return c.streamTool(ctx, cfg, params, emit)
	}), nil
}

func (c *Client) streamTool(ctx context.Context, cfg *ServerConfig, params ToolCallParams, emit func(ToolStreamEvent) error) (err error) {
	ctx, span := c.startSpan(ctx, SpanCallTool,
		attribute.String("alexrt.mcp.server_id", params.ServerID),
		attribute.String("alexrt.mcp.tool", params.Tool),
	)
	defer func() { endSpan(span, err) }()

	release, err := c.acquireLimits(ctx, params.ServerID)
	if err != nil {
		return err
	}
	defer release()

	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = withCallTimeout(ctx, OpToolsCall, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if cfg != nil && cfg.PreferredMode == ModeEndpoint {
		if !c.endpointAllowed {
			return ConfigMissing("Endpoint mode not allowed")
		}
		if c.endpoint == nil || !c.hasEndpointConfig(ctx) {
			if e := cancelledFrom(ctx); e != nil {
				return e
			}
			c.warnMissingEndpoint()
			if c.direct == nil {
				return ConfigMissing("MCP endpoint config missing")
			}
			c.metrics.RecordMCPFallback(string(ModeEndpoint), string(ModeDirect))
			return c.direct.CallToolStream(ctx, params, emit)
		}
		return c.bufferedCall(ctx, params, emit, diagEndpointBuffered)
	}

	if c.direct == nil {
		if c.endpointAllowed && c.endpoint != nil {
			return c.bufferedCall(ctx, params, emit, diagEndpointBuffered)
		}
		return ConfigMissing("No MCP transports available")
	}

	err = c.direct.CallToolStream(ctx, params, emit)
	if err != nil && HasCode(err, CodeConnectionFailed) && c.endpointAllowed && c.endpoint != nil && c.hasEndpointConfig(ctx) {
		c.metrics.RecordMCPFallback(string(ModeDirect), string(ModeEndpoint))
		c.logger.Debug("streaming %s/%s failed (%v); falling back to endpoint", params.ServerID, params.Tool, err)
		return c.bufferedCall(ctx, params, emit, diagEndpointFallback)
	}
	return err
}

func (c *Client) hasEndpointConfig(ctx context.Context) bool {
	_, err := c.endpoint.Config(ctx)
	return err == nil
}

func (c *Client) bufferedCall(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error, diagnostic string) error {
	value, err := withRetry(ctx, c, ModeEndpoint, func(ctx context.Context) (any, error) {
		return c.endpoint.CallBuffered(ctx, params)
	})
	if err != nil {
		if HasCode(err, CodeAuthFailed) {
			c.invalidateEndpoint(ctx)
		}
		return err
	}
	if err := emit(DiagnosticEvent(diagnostic)); err != nil {
		return err
	}
	return emit(FinalEvent(value))
}

// Probe refreshes the manifest of every enabled server in parallel and
// returns the resulting statuses. Individual failures are reported in the
// status rather than returned.
func (c *Client) Probe(ctx context.Context) ([]ServerStatus, error) {
	ids, err := c.targetServers(ctx, "")
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.global.Max())
	for _, id := range ids {
		g.Go(func() error {
			if err := c.cache.Invalidate(gctx, id); err != nil {
				c.logger.Warn("invalidate manifest %s: %v", id, err)
			}
			if _, err := c.manifest(gctx, id); err != nil {
				c.logger.Info("probe %s failed: %v", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.ListServers(ctx)
}

// Close releases both transports.
func (c *Client) Close() error {
	var errs []error
	if c.direct != nil {
		errs = append(errs, c.direct.Close())
	}
	if c.endpoint != nil {
		errs = append(errs, c.endpoint.Close())
	}
	return errors.Join(errs...)
}

// ToolStream delivers the events of one tool call. Events is closed after
// the final event or on failure; Err reports the failure.
type ToolStream struct {
	events chan ToolStreamEvent
	cancel context.CancelCauseFunc

	mu  sync.Mutex
	err error
}

var errStreamClosed = errors.New("tool stream closed by consumer")

// StartToolStream runs produce on its own goroutine and exposes what it
// emits as a ToolStream. Failures are normalized to *Error.
func StartToolStream(ctx context.Context, logger logging.Logger, name string, produce func(ctx context.Context, emit func(ToolStreamEvent) error) error) *ToolStream {
	logger = logging.OrNop(logger)
	ctx, cancel := context.WithCancelCause(ctx)
	stream := &ToolStream{
		events: make(chan ToolStreamEvent, 16),
		cancel: cancel,
	}
	async.Go(logger, "mcp.toolStream", func() {
		err := async.Protect(logger, name, func() error {
			return produce(ctx, stream.send(ctx))
		})
		if err != nil {
			if e := cancelledFrom(ctx); e != nil {
				err = e
			} else {
				err = ToError(err)
			}
		}
		stream.finish(err)
		cancel(nil)
	})
	return stream
}

func (s *ToolStream) send(ctx context.Context) func(ToolStreamEvent) error {
	return func(evt ToolStreamEvent) error {
		select {
		case s.events <- evt:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (s *ToolStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

// Events returns the event channel.
func (s *ToolStream) Events() <-chan ToolStreamEvent { return s.events }

// Err returns the stream failure. It is meaningful once Events is closed.
func (s *ToolStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream and cancels the underlying call.
func (s *ToolStream) Close() {
	s.cancel(Cancelled("tool stream closed", errStreamClosed))
}

// Collect drains the stream.
func (s *ToolStream) Collect() ([]ToolStreamEvent, error) {
	var out []ToolStreamEvent
	for evt := range s.events {
		out = append(out, evt)
	}
	return out, s.Err()
}

