package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// defaultCommandCallTimeout applies to tools/call commands that give none.
const defaultCommandCallTimeout = 100_000_000 * time.Millisecond

// CommandFunc runs one engine command with raw JSON params.
type CommandFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Commands exposes the client as named engine commands with validated params.
type Commands struct {
	client   *Client
	handlers map[Op]CommandFunc
}

// NewCommands wires the engine commands to client.
func NewCommands(client *Client) *Commands {
	c := &Commands{client: client}
	c.handlers = map[Op]CommandFunc{
		OpServersList:   c.listServers,
		OpToolsList:     c.listTools,
		OpResourcesList: c.listResources,
		OpGrep:          c.grep,
		OpToolsInfo:     c.toolInfo,
		OpToolsCall:     c.callTool,
		OpResourcesRead: c.readResource,
	}
	return c
}

// Names lists the registered commands in sorted order.
func (c *Commands) Names() []Op {
	names := make([]Op, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Run dispatches name. Unknown commands are unsupported; bad params are
// protocol errors.
func (c *Commands) Run(ctx context.Context, name Op, params json.RawMessage) (any, error) {
	handler, ok := c.handlers[name]
	if !ok {
		return nil, Unsupported(fmt.Sprintf("unknown MCP command %q", name))
	}
	return handler(ctx, params)
}

// commandObject decodes params as an object. Absent params are allowed only
// when optional is set.
func commandObject(params json.RawMessage, optional bool) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if optional {
			return map[string]json.RawMessage{}, nil
		}
		return nil, ProtocolError("expected object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, ProtocolError("expected object")
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func numberField(fields map[string]json.RawMessage, key string) (float64, bool) {
	var n float64
	raw, ok := fields[key]
	if !ok || json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	return n, true
}

func (c *Commands) listServers(ctx context.Context, params json.RawMessage) (any, error) {
	if _, err := commandObject(params, true); err != nil {
		return nil, err
	}
	servers, err := c.client.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"servers": servers}, nil
}

func (c *Commands) listTools(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, true)
	if err != nil {
		return nil, err
	}
	tools, err := c.client.ListTools(ctx, stringField(fields, "serverId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools}, nil
}

func (c *Commands) listResources(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, true)
	if err != nil {
		return nil, err
	}
	resources, err := c.client.ListResources(ctx, stringField(fields, "serverId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"resources": resources}, nil
}

func (c *Commands) grep(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, false)
	if err != nil {
		return nil, err
	}
	pattern := stringField(fields, "pattern")
	if pattern == "" {
		return nil, ProtocolError("expected pattern:string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ProtocolError(fmt.Sprintf("invalid pattern: %v", err)).WithCause(err)
	}
	tools, err := c.client.GrepTools(ctx, re)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools}, nil
}

func (c *Commands) toolInfo(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, false)
	if err != nil {
		return nil, err
	}
	serverID, toolName := stringField(fields, "serverId"), stringField(fields, "toolName")
	if serverID == "" || toolName == "" {
		return nil, ProtocolError("expected {serverId,toolName}")
	}
	tool, err := c.client.GetToolInfo(ctx, serverID, toolName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tool": tool}, nil
}

func (c *Commands) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, false)
	if err != nil {
		return nil, err
	}
	serverID, tool := stringField(fields, "serverId"), stringField(fields, "tool")
	if serverID == "" || tool == "" {
		return nil, ProtocolError("expected {serverId,tool}")
	}
	var args any
	if raw, ok := fields["args"]; ok {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, ProtocolError("invalid args").WithCause(err)
		}
	}
	timeoutMs := defaultCommandCallTimeout.Milliseconds()
	if n, ok := numberField(fields, "timeoutMs"); ok {
		timeoutMs = int64(n)
	}
	result, err := c.client.CallToolOnce(ctx, ToolCallParams{ServerID: serverID, Tool: tool, Args: args, TimeoutMs: timeoutMs})
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (c *Commands) readResource(ctx context.Context, params json.RawMessage) (any, error) {
	fields, err := commandObject(params, false)
	if err != nil {
		return nil, err
	}
	serverID, uri := stringField(fields, "serverId"), stringField(fields, "uri")
	if serverID == "" || uri == "" {
		return nil, ProtocolError("expected {serverId,uri}")
	}
	var timeout time.Duration
	if n, ok := numberField(fields, "timeoutMs"); ok {
		timeout = time.Duration(n) * time.Millisecond
	}
	result, err := c.client.ReadResource(ctx, serverID, uri, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}
