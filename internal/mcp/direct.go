package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"alexrt/internal/logging"
)

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ToolResult is the outcome of a tool call on a peer.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Peer is a live connection to one capability server.
type Peer interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ListResources(ctx context.Context) ([]ResourceDescriptor, error)
	ReadResource(ctx context.Context, uri string) (any, error)
	// CallTool invokes name. progress, when non-nil, receives progress
	// events while the call runs.
	CallTool(ctx context.Context, name string, args any, progress func(ToolStreamEvent)) (*ToolResult, error)
	Close() error
}

// PeerDialer opens a peer for a server on first use.
type PeerDialer func(ctx context.Context, serverID string) (Peer, error)

type toolInfoParams struct {
	ServerID string `json:"serverId"`
	ToolName string `json:"toolName"`
}

type resourceReadParams struct {
	ServerID string `json:"serverId"`
	URI      string `json:"uri"`
}

// DirectTransport talks to servers over per-server peers.
type DirectTransport struct {
	dial   PeerDialer
	logger logging.Logger

	mu    sync.Mutex
	peers map[string]Peer
}

// NewDirectTransport builds a direct transport. dial may be nil when every
// peer is registered up front with AddPeer.
func NewDirectTransport(dial PeerDialer, logger logging.Logger) *DirectTransport {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("DirectTransport")
	}
	return &DirectTransport{dial: dial, logger: logger, peers: make(map[string]Peer)}
}

// AddPeer registers an already connected peer.
func (d *DirectTransport) AddPeer(serverID string, p Peer) {
	d.mu.Lock()
	old := d.peers[serverID]
	d.peers[serverID] = p
	d.mu.Unlock()
	if old != nil && old != p {
		_ = old.Close()
	}
}

// DropPeer closes and forgets the peer for serverID.
func (d *DirectTransport) DropPeer(serverID string) {
	d.mu.Lock()
	p := d.peers[serverID]
	delete(d.peers, serverID)
	d.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

func (d *DirectTransport) peer(ctx context.Context, serverID string) (Peer, error) {
	if serverID == "" {
		return nil, ProtocolError("MCP request missing correlation.serverId")
	}
	d.mu.Lock()
	p, ok := d.peers[serverID]
	d.mu.Unlock()
	if ok {
		return p, nil
	}
	if d.dial == nil {
		return nil, ConfigMissing(fmt.Sprintf("no direct connection configured for MCP server %q", serverID))
	}
	dialed, err := d.dial(ctx, serverID)
	if err != nil {
		if e := cancelledFrom(ctx); e != nil {
			return nil, e
		}
		var me *Error
		if errors.As(err, &me) {
			return nil, me
		}
		return nil, ConnectionFailed(fmt.Sprintf("connect to MCP server %q: %v", serverID, err)).WithCause(err)
	}
	d.mu.Lock()
	if existing, raced := d.peers[serverID]; raced {
		d.mu.Unlock()
		_ = dialed.Close()
		return existing, nil
	}
	d.peers[serverID] = dialed
	d.mu.Unlock()
	d.logger.Info("connected to MCP server %s", serverID)
	return dialed, nil
}

func (d *DirectTransport) Mode() Mode { return ModeDirect }

func (d *DirectTransport) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true}
}

// Send dispatches req to the peer named by its correlation server id.
func (d *DirectTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	serverID := req.Correlation.ServerID
	p, err := d.peer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	var result any
	switch req.Op {
	case OpToolsList:
		result, err = d.manifestResult(ctx, serverID, p)
	case OpToolsInfo:
		var params toolInfoParams
		if err := req.DecodeParams(&params); err != nil {
			return nil, err
		}
		result, err = d.toolInfo(ctx, serverID, p, params.ToolName)
	case OpToolsCall:
		var params ToolCallParams
		if err := req.DecodeParams(&params); err != nil {
			return nil, err
		}
		var tr *ToolResult
		tr, err = p.CallTool(ctx, params.Tool, params.Args, nil)
		if err == nil {
			result = tr
		}
	case OpResourcesList:
		var resources []ResourceDescriptor
		resources, err = d.resources(ctx, serverID, p)
		result = map[string]any{"resources": resources}
	case OpResourcesRead:
		var params resourceReadParams
		if err := req.DecodeParams(&params); err != nil {
			return nil, err
		}
		result, err = p.ReadResource(ctx, params.URI)
	case OpServersList, OpGrep:
		return req.RespondError(Unsupported(fmt.Sprintf("%s is answered by the client, not a server", req.Op))), nil
	default:
		return req.RespondError(Unsupported(fmt.Sprintf("unknown MCP op %q", req.Op))), nil
	}
	if err != nil {
		return nil, peerError(ctx, err)
	}
	return req.Respond(result)
}

func (d *DirectTransport) manifestResult(ctx context.Context, serverID string, p Peer) (any, error) {
	tools, err := p.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		tools[i].ServerID = serverID
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	resources, err := d.resources(ctx, serverID, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools, "resources": resources}, nil
}

func (d *DirectTransport) resources(ctx context.Context, serverID string, p Peer) ([]ResourceDescriptor, error) {
	resources, err := p.ListResources(ctx)
	if HasCode(err, CodeUnsupported) {
		return []ResourceDescriptor{}, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range resources {
		resources[i].ServerID = serverID
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources, nil
}

func (d *DirectTransport) toolInfo(ctx context.Context, serverID string, p Peer, name string) (any, error) {
	tools, err := p.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			tool.ServerID = serverID
			return map[string]any{"tool": tool}, nil
		}
	}
	return map[string]any{"tool": nil}, nil
}

// CallToolStream forwards progress as it arrives, then text blocks, then
// the final result.
func (d *DirectTransport) CallToolStream(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error {
	p, err := d.peer(ctx, params.ServerID)
	if err != nil {
		return err
	}
	var (
		mu      sync.Mutex
		done    bool
		emitErr error
	)
	progress := func(evt ToolStreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		if !done && emitErr == nil {
			emitErr = emit(evt)
		}
	}
	result, err := p.CallTool(ctx, params.Tool, params.Args, progress)
	mu.Lock()
	done = true
	progressErr := emitErr
	mu.Unlock()
	if err != nil {
		return peerError(ctx, err)
	}
	if progressErr != nil {
		return progressErr
	}
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			if err := emit(TextEvent(block.Text)); err != nil {
				return err
			}
		}
	}
	value, err := toGeneric(result)
	if err != nil {
		return ProtocolError("decode tool result").WithCause(err)
	}
	return emit(FinalEvent(value))
}

// Close closes every peer.
func (d *DirectTransport) Close() error {
	d.mu.Lock()
	peers := d.peers
	d.peers = make(map[string]Peer)
	d.mu.Unlock()
	var errs []error
	for id, p := range peers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func peerError(ctx context.Context, err error) error {
	if e := cancelledFrom(ctx); e != nil {
		return e
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return ToError(err)
}

func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
