package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCIDsAreSequential(t *testing.T) {
	var ids rpcIDs
	assert.Equal(t, int64(1), ids.next())
	assert.Equal(t, int64(2), ids.next())
	assert.Equal(t, "3", rpcIDString(ids.next()))
}

func TestRPCRequestWireShape(t *testing.T) {
	data, err := json.Marshal(newRPCRequest(4, "tools/list", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, string(data))

	data, err = json.Marshal(newRPCNotification("notifications/initialized", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(data))
}

func TestParseRPCMessage(t *testing.T) {
	msg, err := parseRPCMessage([]byte(`{"jsonrpc":"2.0","id":"7","result":{}}`))
	require.NoError(t, err)
	assert.True(t, msg.isResponse())
	assert.Equal(t, "7", msg.idKey())

	msg, err = parseRPCMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", msg.idKey())

	msg, err = parseRPCMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	require.NoError(t, err)
	assert.False(t, msg.isResponse())

	_, err = parseRPCMessage([]byte("not json"))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, RPCParseError, rpcErr.Code)

	_, err = parseRPCMessage([]byte(`{"jsonrpc":"1.0","id":1}`))
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, RPCInvalidRequest, rpcErr.Code)
}

func TestRPCErrorMapping(t *testing.T) {
	assert.Equal(t, "JSON-RPC error -32600: Invalid request (data: missing method)",
		(&RPCError{Code: RPCInvalidRequest, Message: "Invalid request", Data: "missing method"}).Error())
	assert.Equal(t, CodeUnsupported, rpcToError(&RPCError{Code: RPCMethodNotFound, Message: "nope"}).Code)
	assert.Equal(t, CodeProtocolError, rpcToError(&RPCError{Code: -32000, Message: "boom"}).Code)
}
