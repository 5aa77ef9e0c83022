package mcp

import (
	"context"

	"github.com/google/uuid"
)

// Transport is a concrete channel to capability servers.
type Transport interface {
	Mode() Mode
	Capabilities() Capabilities
	// Send performs one request/response exchange. Transport failures are
	// returned as errors; a well-formed failed response is returned as is.
	Send(ctx context.Context, req *Request) (*Response, error)
	// CallToolStream invokes a tool and passes each event to emit, ending
	// with exactly one final event on success.
	CallToolStream(ctx context.Context, params ToolCallParams, emit func(ToolStreamEvent) error) error
	Close() error
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return "mcp_req_" + uuid.NewString()
}
