package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/httpclient"
	"alexrt/internal/logging"
)

const (
	defaultEndpointTimeout = 10 * time.Second
	endpointPath           = "/mcp"
	maxErrorSnippet        = 1024

	diagEndpointBuffered = "streaming_unavailable: endpoint mode buffered response"
	diagEndpointFallback = "streaming_unavailable: fallback to endpoint buffered response"
)

// EndpointSource resolves the relay config for each request.
type EndpointSource interface {
	Get(ctx context.Context) (*EndpointConfig, error)
}

// EndpointTransportOptions configures an EndpointTransport.
type EndpointTransportOptions struct {
	Fetcher       host.Fetcher
	Config        EndpointSource
	Timeout       time.Duration
	ResponseLimit int64
	Logger        logging.Logger
}

// EndpointTransport posts envelopes to the relay at <url>/mcp. It cannot
// stream; tool calls are buffered.
type EndpointTransport struct {
	fetcher host.Fetcher
	config  EndpointSource
	timeout time.Duration
	limit   int64
	logger  logging.Logger
}

// NewEndpointTransport builds an endpoint transport.
func NewEndpointTransport(opts EndpointTransportOptions) *EndpointTransport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultEndpointTimeout
	}
	limit := opts.ResponseLimit
	if limit <= 0 {
		limit = httpclient.DefaultResponseLimit
	}
	logger := opts.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("EndpointTransport")
	}
	return &EndpointTransport{
		fetcher: opts.Fetcher,
		config:  opts.Config,
		timeout: timeout,
		limit:   limit,
		logger:  logger,
	}
}

func (t *EndpointTransport) Mode() Mode { return ModeEndpoint }

func (t *EndpointTransport) Capabilities() Capabilities { return Capabilities{} }

func (t *EndpointTransport) Close() error { return nil }

// Config resolves the current relay config, returning config_missing when
// there is none.
func (t *EndpointTransport) Config(ctx context.Context) (*EndpointConfig, error) {
	if t.config == nil {
		return nil, ConfigMissing("MCP endpoint config missing")
	}
	cfg, err := t.config.Get(ctx)
	if err != nil {
		if e := cancelledFrom(ctx); e != nil {
			return nil, e
		}
		return nil, ConfigMissing("MCP endpoint config unavailable").WithCause(err)
	}
	if cfg == nil {
		return nil, ConfigMissing("MCP endpoint config missing")
	}
	return cfg, nil
}

type endpointInvalidator interface {
	Invalidate(ctx context.Context, reason string) error
}

type identityHasher interface {
	IdentityHash(ctx context.Context) (string, error)
}

// Invalidate drops the cached relay config when the source supports it.
func (t *EndpointTransport) Invalidate(ctx context.Context, reason string) error {
	if inv, ok := t.config.(endpointInvalidator); ok {
		return inv.Invalidate(ctx, reason)
	}
	return nil
}

// IdentityHash returns the auth identity of the config source, or "".
func (t *EndpointTransport) IdentityHash(ctx context.Context) string {
	h, ok := t.config.(identityHasher)
	if !ok {
		return ""
	}
	hash, err := h.IdentityHash(ctx)
	if err != nil {
		t.logger.Debug("identity hash unavailable: %v", err)
		return ""
	}
	return hash
}

func (t *EndpointTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	cfg, err := t.Config(ctx)
	if err != nil {
		return nil, err
	}
	return t.post(ctx, cfg, req, t.timeout)
}

func (t *EndpointTransport) CallToolStream(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error {
	value, err := t.CallBuffered(ctx, params)
	if err != nil {
		return err
	}
	if err := emit(DiagnosticEvent(diagEndpointBuffered)); err != nil {
		return err
	}
	return emit(FinalEvent(value))
}

// CallBuffered performs a tools/call and returns the buffered result.
func (t *EndpointTransport) CallBuffered(ctx context.Context, params ToolCallParams) (any, error) {
	cfg, err := t.Config(ctx)
	if err != nil {
		return nil, err
	}
	req, err := NewRequest(NewRequestID(), OpToolsCall, Correlation{ServerID: params.ServerID}, params)
	if err != nil {
		return nil, err
	}
	timeout := t.timeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	resp, err := t.post(ctx, cfg, req, timeout)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Value()
}

func resolveEndpointURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", ConfigMissing(fmt.Sprintf("invalid MCP endpoint url %q", base)).WithCause(err)
	}
	return parsed.ResolveReference(&url.URL{Path: endpointPath}).String(), nil
}

func (t *EndpointTransport) post(ctx context.Context, cfg *EndpointConfig, req *Request, timeout time.Duration) (*Response, error) {
	if t.fetcher == nil {
		return nil, ConfigMissing("network fetch capability unavailable")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	target, err := resolveEndpointURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ProtocolError("encode MCP request").WithCause(err)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, timeout)
	defer cancelCall()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(CodeInternalError, "build MCP endpoint request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cfg.BearerKey)
	httpReq.Header.Set("Content-Type", "application/json")

	t.logger.Debug("POST %s op=%s request=%s", target, req.Op, req.RequestID)
	resp, err := t.fetcher.Do(httpReq)
	if err != nil {
		return nil, t.mapFetchError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadResponseBody(resp, t.limit)
	if err != nil {
		if httpclient.IsBodyTooLarge(err) {
			return nil, ProtocolError(err.Error()).WithCause(err)
		}
		return nil, t.mapFetchError(ctx, callCtx, err)
	}

	var decoded any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			snippet := string(data)
			if len(snippet) > maxErrorSnippet {
				snippet = snippet[:maxErrorSnippet]
			}
			return nil, ProtocolError("Invalid JSON from MCP endpoint").
				WithCause(err).
				WithDetails(map[string]any{"text": snippet})
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mapHTTPError(resp.StatusCode, decoded)
	}
	return ParseResponse(data)
}

func (t *EndpointTransport) mapFetchError(parent, callCtx context.Context, err error) error {
	if e := cancelledFrom(parent); e != nil {
		return e
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return HandshakeTimeout("Request timeout").WithCause(err)
	}
	if alexerrors.IsDegraded(err) {
		// Open breaker: fail without retry.
		e := ConnectionFailed(err.Error()).WithCause(err)
		e.Retryable = false
		return e
	}
	return ConnectionFailed(err.Error()).WithCause(err)
}

func mapHTTPError(status int, body any) *Error {
	msg := fmt.Sprintf("HTTP %d", status)
	if obj, ok := body.(map[string]any); ok {
		if s, ok := obj["error"].(string); ok && s != "" {
			msg = s
		}
	}
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = AuthFailed(msg)
	case status == http.StatusTooManyRequests:
		e = RateLimited(msg)
	case status >= 500:
		e = ConnectionFailed(msg)
	default:
		e = ProtocolError(msg)
	}
	return e.WithDetails(body)
}
