package mcp

import (
	"context"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexrt/internal/logging"
)

func newInProcessServer() *server.MCPServer {
	srv := server.NewMCPServer("fixture", "1.0", server.WithResourceCapabilities(true, false))
	srv.AddTool(mcpgo.NewTool("ping",
		mcpgo.WithDescription("Answers pong"),
		mcpgo.WithString("note", mcpgo.Description("ignored")),
	), func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("pong"), nil
	})
	srv.AddTool(mcpgo.NewTool("echo", mcpgo.WithDescription("Echoes")),
		func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultText("echo"), nil
		})
	srv.AddResource(mcpgo.NewResource("mem://readme", "readme", mcpgo.WithMIMEType("text/plain")),
		func(context.Context, mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
			return []mcpgo.ResourceContents{
				mcpgo.TextResourceContents{URI: "mem://readme", MIMEType: "text/plain", Text: "hello"},
			}, nil
		})
	return srv
}

func newInProcessTestPeer(t *testing.T) *RemotePeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := NewInProcessPeer(ctx, newInProcessServer(), ClientInfo{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func TestRemotePeerListsToolsAndResources(t *testing.T) {
	peer := newInProcessTestPeer(t)
	ctx := context.Background()

	tools, err := peer.ListTools(ctx)
	require.NoError(t, err)
	names := map[string]ToolDescriptor{}
	for _, tool := range tools {
		names[tool.Name] = tool
	}
	require.Contains(t, names, "ping")
	require.Contains(t, names, "echo")
	assert.Equal(t, "Answers pong", names["ping"].Description)
	assert.Equal(t, "object", names["ping"].InputSchema["type"])

	resources, err := peer.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "mem://readme", resources[0].URI)
	assert.Equal(t, "text/plain", resources[0].MimeType)
}

func TestRemotePeerCallToolAndReadResource(t *testing.T) {
	peer := newInProcessTestPeer(t)
	ctx := context.Background()

	result, err := peer.CallTool(ctx, "ping", map[string]any{"note": "x"}, nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, ContentBlock{Type: "text", Text: "pong"}, result.Content[0])

	read, err := peer.ReadResource(ctx, "mem://readme")
	require.NoError(t, err)
	contents := read.(map[string]any)["contents"].([]any)
	require.Len(t, contents, 1)
	assert.Equal(t, "hello", contents[0].(map[string]any)["text"])
}

func TestClientEndToEndOverInProcessServer(t *testing.T) {
	peer := newInProcessTestPeer(t)
	direct := NewDirectTransport(nil, logging.Nop())
	direct.AddPeer("local", peer)
	f := newClientFixture(t, []ServerConfig{testServer("local", ModeDirect)}, func(o *ClientOptions) { o.Direct = direct })
	ctx := context.Background()

	tools, err := f.client.ListTools(ctx, "local")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "ping", tools[1].Name)

	resources, err := f.client.ListResources(ctx, "local")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "local", resources[0].ServerID)

	stream, err := f.client.CallToolStream(ctx, ToolCallParams{ServerID: "local", Tool: "ping"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TextEvent("pong"), events[0])
	assert.Equal(t, EventFinal, events[1].Kind)
}
