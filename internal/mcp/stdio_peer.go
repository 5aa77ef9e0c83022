package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/logging"
)

const (
	// StdioProtocolVersion is offered during the stdio handshake.
	StdioProtocolVersion = "2025-03-26"

	maxStdioLine         = 16 << 20
	stdioStopTimeout     = 2 * time.Second
	methodProgress       = "notifications/progress"
	methodCancelled      = "notifications/cancelled"
	methodInitialized    = "notifications/initialized"
	methodPing           = "ping"
	defaultClientName    = "alexrt"
	defaultClientVersion = "dev"
)

// ClientInfo identifies this client during handshakes.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (c ClientInfo) orDefault() ClientInfo {
	if c.Name == "" {
		c.Name = defaultClientName
	}
	if c.Version == "" {
		c.Version = defaultClientVersion
	}
	return c
}

type serverCapabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      ClientInfo         `json:"serverInfo"`
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// StdioPeer speaks line-delimited JSON-RPC over a reader and writer pair,
// usually the pipes of a child process.
type StdioPeer struct {
	w      io.Writer
	closer func() error
	logger logging.Logger
	ids    rpcIDs

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *rpcMessage
	progress map[string]func(ToolStreamEvent)
	closed   chan struct{}
	closeErr error

	server initializeResult
}

// NewStdioPeer starts reading r, performs the initialize handshake and
// returns the ready peer. closer is called by Close.
func NewStdioPeer(ctx context.Context, r io.Reader, w io.Writer, closer func() error, info ClientInfo, logger logging.Logger) (*StdioPeer, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("StdioPeer")
	}
	p := &StdioPeer{
		w:        w,
		closer:   closer,
		logger:   logger,
		pending:  make(map[string]chan *rpcMessage),
		progress: make(map[string]func(ToolStreamEvent)),
		closed:   make(chan struct{}),
	}
	async.Go(logger, "mcp.stdioRead", func() { p.readLoop(r) })

	raw, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": StdioProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      info.orDefault(),
	})
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := json.Unmarshal(raw, &p.server); err != nil {
		_ = p.Close()
		return nil, ProtocolError("invalid initialize result").WithCause(err)
	}
	if err := p.notify(methodInitialized, nil); err != nil {
		_ = p.Close()
		return nil, err
	}
	p.logger.Debug("handshake done with %s %s (protocol %s)", p.server.ServerInfo.Name, p.server.ServerInfo.Version, p.server.ProtocolVersion)
	return p, nil
}

// SpawnStdioPeer starts a server process and connects to it.
func SpawnStdioPeer(ctx context.Context, cfg ProcessConfig, info ClientInfo, logger logging.Logger) (*StdioPeer, error) {
	pm := NewProcessManager(cfg, logger)
	if err := pm.Start(ctx); err != nil {
		return nil, ConnectionFailed(err.Error()).WithCause(err)
	}
	stop := func() error { return pm.Stop(stdioStopTimeout) }
	return NewStdioPeer(ctx, pm.Stdout(), pm, stop, info, logger)
}

func (p *StdioPeer) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := parseRPCMessage(line)
		if err != nil {
			p.logger.Warn("dropping malformed frame: %v", err)
			continue
		}
		p.dispatch(msg)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.shutdown(ConnectionFailed(fmt.Sprintf("MCP server connection closed: %v", err)).WithCause(err))
}

func (p *StdioPeer) dispatch(msg *rpcMessage) {
	switch {
	case msg.isResponse():
		p.mu.Lock()
		ch, ok := p.pending[msg.idKey()]
		delete(p.pending, msg.idKey())
		p.mu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.Method == methodProgress:
		var params progressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		token := (&rpcMessage{ID: params.ProgressToken}).idKey()
		p.mu.Lock()
		fn := p.progress[token]
		p.mu.Unlock()
		if fn != nil {
			current := params.Progress
			fn(ToolStreamEvent{Kind: EventProgress, Current: &current, Total: params.Total, Message: params.Message})
		}
	case len(msg.ID) > 0 && msg.Method == methodPing:
		p.reply(msg.ID, map[string]any{}, nil)
	case len(msg.ID) > 0:
		p.reply(msg.ID, nil, &RPCError{Code: RPCMethodNotFound, Message: "method not supported: " + msg.Method})
	}
}

func (p *StdioPeer) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	frame := map[string]any{"jsonrpc": JSONRPCVersion, "id": id}
	if rpcErr != nil {
		frame["error"] = rpcErr
	} else {
		frame["result"] = result
	}
	if err := p.writeFrame(frame); err != nil {
		p.logger.Debug("reply failed: %v", err)
	}
}

func (p *StdioPeer) shutdown(err *Error) {
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return
	default:
	}
	p.closeErr = err
	close(p.closed)
	p.pending = make(map[string]chan *rpcMessage)
	p.mu.Unlock()
}

func (p *StdioPeer) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return ProtocolError("encode JSON-RPC frame").WithCause(err)
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.w.Write(data); err != nil {
		return ConnectionFailed(fmt.Sprintf("write to MCP server: %v", err)).WithCause(err)
	}
	return nil
}

func (p *StdioPeer) notify(method string, params any) error {
	return p.writeFrame(newRPCNotification(method, params))
}

func (p *StdioPeer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := p.ids.next()
	key := rpcIDString(id)
	ch := make(chan *rpcMessage, 1)

	p.mu.Lock()
	select {
	case <-p.closed:
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	default:
	}
	p.pending[key] = ch
	p.mu.Unlock()

	if err := p.writeFrame(newRPCRequest(id, method, params)); err != nil {
		p.forget(key)
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, rpcToError(msg.Error)
		}
		return msg.Result, nil
	case <-p.closed:
		return nil, p.closeErr
	case <-ctx.Done():
		p.forget(key)
		_ = p.notify(methodCancelled, map[string]any{"requestId": id, "reason": context.Cause(ctx).Error()})
		return nil, cancelledFrom(ctx)
	}
}

func (p *StdioPeer) forget(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// ListTools pages through tools/list.
func (p *StdioPeer) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := p.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, ProtocolError("invalid tools/list result").WithCause(err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// ListResources returns resources, or unsupported when the server did not
// advertise them.
func (p *StdioPeer) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if len(p.server.Capabilities.Resources) == 0 {
		return nil, Unsupported("server does not expose resources")
	}
	raw, err := p.call(ctx, "resources/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var page struct {
		Resources []ResourceDescriptor `json:"resources"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, ProtocolError("invalid resources/list result").WithCause(err)
	}
	return page.Resources, nil
}

// ReadResource returns the raw resources/read result.
func (p *StdioPeer) ReadResource(ctx context.Context, uri string) (any, error) {
	raw, err := p.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, ProtocolError("invalid resources/read result").WithCause(err)
	}
	return out, nil
}

// CallTool runs tools/call, routing progress notifications to progress.
func (p *StdioPeer) CallTool(ctx context.Context, name string, args any, progress func(ToolStreamEvent)) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{"name": name, "arguments": args}
	if progress != nil {
		token := "progress_" + rpcIDString(p.ids.next())
		p.mu.Lock()
		p.progress[token] = progress
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.progress, token)
			p.mu.Unlock()
		}()
		params["_meta"] = map[string]any{"progressToken": token}
	}
	raw, err := p.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, ProtocolError("invalid tools/call result").WithCause(err)
	}
	return &result, nil
}

// Close stops reading and calls the closer.
func (p *StdioPeer) Close() error {
	p.shutdown(ConnectionFailed("MCP peer closed"))
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
