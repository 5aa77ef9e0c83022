package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	alexerrors "alexrt/internal/errors"
)

// RemotePeer adapts an mcp-go client to Peer. It backs streamable HTTP, SSE
// and in-process servers.
type RemotePeer struct {
	client    *client.Client
	resources bool
	ids       rpcIDs

	mu       sync.Mutex
	progress map[string]func(ToolStreamEvent)
}

// DialStreamableHTTP connects to a streamable HTTP server.
func DialStreamableHTTP(ctx context.Context, url string, headers map[string]string, info ClientInfo) (*RemotePeer, error) {
	c, err := client.NewStreamableHttpClient(url, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, ConnectionFailed(fmt.Sprintf("create streamable HTTP client: %v", err)).WithCause(err)
	}
	return newRemotePeer(ctx, c, info)
}

// DialSSE connects to a server over server-sent events.
func DialSSE(ctx context.Context, url string, headers map[string]string, info ClientInfo) (*RemotePeer, error) {
	c, err := client.NewSSEMCPClient(url, transport.WithHeaders(headers))
	if err != nil {
		return nil, ConnectionFailed(fmt.Sprintf("create SSE client: %v", err)).WithCause(err)
	}
	return newRemotePeer(ctx, c, info)
}

// NewInProcessPeer connects to a server living in this process.
func NewInProcessPeer(ctx context.Context, srv *server.MCPServer, info ClientInfo) (*RemotePeer, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, ConnectionFailed(fmt.Sprintf("create in-process client: %v", err)).WithCause(err)
	}
	return newRemotePeer(ctx, c, info)
}

func newRemotePeer(ctx context.Context, c *client.Client, info ClientInfo) (*RemotePeer, error) {
	p := &RemotePeer{client: c, progress: make(map[string]func(ToolStreamEvent))}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, remoteError(ctx, err)
	}
	c.OnNotification(p.onNotification)

	info = info.orDefault()
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: info.Name, Version: info.Version}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, remoteError(ctx, err)
	}
	p.resources = res.Capabilities.Resources != nil
	return p, nil
}

func (p *RemotePeer) onNotification(n mcpgo.JSONRPCNotification) {
	if n.Method != methodProgress {
		return
	}
	fields := n.Params.AdditionalFields
	token := fmt.Sprint(fields["progressToken"])
	p.mu.Lock()
	fn := p.progress[token]
	p.mu.Unlock()
	if fn == nil {
		return
	}
	evt := ToolStreamEvent{Kind: EventProgress}
	if v, ok := fields["progress"].(float64); ok {
		evt.Current = &v
	}
	if v, ok := fields["total"].(float64); ok {
		evt.Total = &v
	}
	if v, ok := fields["message"].(string); ok {
		evt.Message = v
	}
	fn(evt)
}

func (p *RemotePeer) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var tools []ToolDescriptor
	req := mcpgo.ListToolsRequest{}
	for {
		res, err := p.client.ListTools(ctx, req)
		if err != nil {
			return nil, remoteError(ctx, err)
		}
		for _, tool := range res.Tools {
			var desc ToolDescriptor
			if err := reencode(tool, &desc); err != nil {
				return nil, ProtocolError(fmt.Sprintf("invalid tool %q", tool.Name)).WithCause(err)
			}
			tools = append(tools, desc)
		}
		if res.NextCursor == "" || res.NextCursor == req.Params.Cursor {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

func (p *RemotePeer) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if !p.resources {
		return nil, Unsupported("server does not expose resources")
	}
	res, err := p.client.ListResources(ctx, mcpgo.ListResourcesRequest{})
	if err != nil {
		return nil, remoteError(ctx, err)
	}
	out := make([]ResourceDescriptor, 0, len(res.Resources))
	for _, r := range res.Resources {
		out = append(out, ResourceDescriptor{URI: r.URI, Name: r.Name, MimeType: r.MIMEType, Description: r.Description})
	}
	return out, nil
}

func (p *RemotePeer) ReadResource(ctx context.Context, uri string) (any, error) {
	req := mcpgo.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := p.client.ReadResource(ctx, req)
	if err != nil {
		return nil, remoteError(ctx, err)
	}
	var out any
	if err := reencode(res, &out); err != nil {
		return nil, ProtocolError("invalid resources/read result").WithCause(err)
	}
	return out, nil
}

func (p *RemotePeer) CallTool(ctx context.Context, name string, args any, progress func(ToolStreamEvent)) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
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
		req.Params.Meta = &mcpgo.Meta{ProgressToken: token}
	}
	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		return nil, remoteError(ctx, err)
	}
	out := &ToolResult{IsError: res.IsError, Content: make([]ContentBlock, 0, len(res.Content))}
	for _, content := range res.Content {
		var block ContentBlock
		if err := reencode(content, &block); err != nil {
			return nil, ProtocolError("invalid tool content").WithCause(err)
		}
		out.Content = append(out.Content, block)
	}
	return out, nil
}

func (p *RemotePeer) Close() error {
	return p.client.Close()
}

// remoteError classifies mcp-go failures. Transient transport errors stay
// retryable; everything else is a protocol error.
func remoteError(ctx context.Context, err error) error {
	if e := cancelledFrom(ctx); e != nil {
		return e
	}
	if alexerrors.IsTransient(err) {
		return ConnectionFailed(err.Error()).WithCause(err)
	}
	return ProtocolError(err.Error()).WithCause(err)
}

func reencode(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
