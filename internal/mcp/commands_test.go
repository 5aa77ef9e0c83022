package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommands(t *testing.T) (*Commands, *fakeTransport) {
	t.Helper()
	direct := &fakeTransport{
		handle: func(_ context.Context, req *Request) (*Response, error) {
			switch req.Op {
			case OpResourcesRead:
				return req.Respond(map[string]any{"contents": []any{}})
			default:
				return req.Respond(toolsResult("lookup"))
			}
		},
		stream: func(_ context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error {
			return emit(FinalEvent(map[string]any{"timeoutMs": float64(params.TimeoutMs)}))
		},
	}
	f := newClientFixture(t, []ServerConfig{testServer("s1", "")}, func(o *ClientOptions) { o.Direct = direct })
	return NewCommands(f.client), direct
}

func TestCommandNames(t *testing.T) {
	cmds, _ := newTestCommands(t)
	assert.Equal(t, []Op{OpGrep, OpResourcesList, OpResourcesRead, OpServersList, OpToolsCall, OpToolsInfo, OpToolsList}, cmds.Names())

	_, err := cmds.Run(context.Background(), "mcp.nope", nil)
	assert.True(t, HasCode(err, CodeUnsupported))
}

func TestCommandParamValidation(t *testing.T) {
	cmds, direct := newTestCommands(t)
	tests := []struct {
		op      Op
		params  string
		message string
	}{
		{OpToolsCall, ``, "expected object"},
		{OpToolsCall, `[1]`, "expected object"},
		{OpToolsCall, `{"serverId":"s1"}`, "expected {serverId,tool}"},
		{OpToolsInfo, `{"toolName":"x"}`, "expected {serverId,toolName}"},
		{OpResourcesRead, `{"serverId":"s1","uri":""}`, "expected {serverId,uri}"},
		{OpGrep, `{"pattern":42}`, "expected pattern:string"},
		{OpGrep, `{"pattern":"("}`, "invalid pattern"},
		{OpServersList, `"x"`, "expected object"},
	}
	for _, tc := range tests {
		_, err := cmds.Run(context.Background(), tc.op, json.RawMessage(tc.params))
		var e *Error
		require.ErrorAs(t, err, &e, "%s %s", tc.op, tc.params)
		assert.Equal(t, CodeProtocolError, e.Code)
		assert.Contains(t, e.Message, tc.message)
	}
	assert.Zero(t, direct.count(OpToolsList))
	assert.Zero(t, direct.count(OpToolsCall))
}

func TestCommandsDispatchToClient(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := context.Background()

	out, err := cmds.Run(ctx, OpServersList, nil)
	require.NoError(t, err)
	servers := out.(map[string]any)["servers"].([]ServerStatus)
	require.Len(t, servers, 1)

	out, err = cmds.Run(ctx, OpToolsList, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, out.(map[string]any)["tools"], 1)

	out, err = cmds.Run(ctx, OpGrep, json.RawMessage(`{"pattern":"look"}`))
	require.NoError(t, err)
	assert.Len(t, out.(map[string]any)["tools"], 1)

	out, err = cmds.Run(ctx, OpToolsInfo, json.RawMessage(`{"serverId":"s1","toolName":"lookup"}`))
	require.NoError(t, err)
	assert.Equal(t, "lookup", out.(map[string]any)["tool"].(*ToolDescriptor).Name)

	out, err = cmds.Run(ctx, OpResourcesRead, json.RawMessage(`{"serverId":"s1","uri":"mem://a"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": map[string]any{"contents": []any{}}}, out)

	out, err = cmds.Run(ctx, OpToolsCall, json.RawMessage(`{"serverId":"s1","tool":"lookup","args":{"q":1}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": map[string]any{"timeoutMs": float64(defaultCommandCallTimeout.Milliseconds())}}, out)

	out, err = cmds.Run(ctx, OpToolsCall, json.RawMessage(`{"serverId":"s1","tool":"lookup","timeoutMs":250}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": map[string]any{"timeoutMs": 250.0}}, out)
}
