package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// JSON-RPC 2.0 framing used by stdio peers.

// JSONRPCVersion is the JSON-RPC version used on the wire.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes
const (
	RPCParseError     = -32700 // Invalid JSON was received
	RPCInvalidRequest = -32600 // The JSON sent is not a valid Request object
	RPCMethodNotFound = -32601 // The method does not exist / is not available
	RPCInvalidParams  = -32602 // Invalid method parameter(s)
	RPCInternalError  = -32603 // Internal JSON-RPC error
)

// RPCRequest is a JSON-RPC 2.0 request. A nil ID makes it a notification.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// rpcMessage is any inbound frame: a response, a notification or a
// server-initiated request.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *rpcMessage) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

// idKey normalizes an id so that 7 and "7" route to the same waiter.
func (m *rpcMessage) idKey() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// rpcIDs generates sequential request ids.
type rpcIDs struct {
	counter atomic.Int64
}

func (g *rpcIDs) next() int64 {
	return g.counter.Add(1)
}

func newRPCRequest(id int64, method string, params any) *RPCRequest {
	return &RPCRequest{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

func newRPCNotification(method string, params any) *RPCRequest {
	return &RPCRequest{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

func parseRPCMessage(data []byte) (*rpcMessage, error) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &RPCError{Code: RPCParseError, Message: "Failed to parse JSON-RPC message", Data: err.Error()}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &RPCError{Code: RPCInvalidRequest, Message: fmt.Sprintf("Invalid JSON-RPC version: %s", msg.JSONRPC)}
	}
	return &msg, nil
}

func rpcIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// rpcToError maps a JSON-RPC error object onto the client taxonomy.
func rpcToError(e *RPCError) *Error {
	switch e.Code {
	case RPCMethodNotFound:
		return Unsupported(e.Message).WithCause(e)
	case RPCInvalidParams, RPCInvalidRequest, RPCParseError:
		return ProtocolError(e.Message).WithCause(e)
	default:
		return ProtocolError(e.Error()).WithCause(e)
	}
}
