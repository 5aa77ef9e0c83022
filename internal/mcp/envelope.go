package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// EnvelopeKind tags every request and response.
	EnvelopeKind = "mcp_envelope"
	// SchemaVersion is the only envelope version understood here.
	SchemaVersion = 1

	typeRequest  = "request"
	typeResponse = "response"
)

// Op is an envelope operation.
type Op string

const (
	OpServersList   Op = "mcp.servers/list"
	OpToolsList     Op = "mcp.tools/list"
	OpToolsInfo     Op = "mcp.tools/info"
	OpToolsCall     Op = "mcp.tools/call"
	OpResourcesList Op = "mcp.resources/list"
	OpResourcesRead Op = "mcp.resources/read"
	OpGrep          Op = "mcp.grep"
)

// Resume carries an optional resumption token.
type Resume struct {
	Token string `json:"token,omitempty"`
}

// Request is a versioned request envelope.
type Request struct {
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId"`
	Op            Op              `json:"op"`
	Correlation   Correlation     `json:"correlation"`
	Params        json.RawMessage `json:"params"`
	Resume        *Resume         `json:"resume,omitempty"`
}

// ResponseError is the wire form of a failed response.
type ResponseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Response is a versioned response envelope.
type Response struct {
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId"`
	Op            Op              `json:"op"`
	Correlation   Correlation     `json:"correlation"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ResponseError  `json:"error,omitempty"`
	Resume        *Resume         `json:"resume,omitempty"`
}

// NewRequest builds a request envelope, encoding params as JSON.
func NewRequest(requestID string, op Op, correlation Correlation, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, ProtocolError(fmt.Sprintf("encode %s params", op)).WithCause(err)
	}
	return &Request{
		Kind:          EnvelopeKind,
		SchemaVersion: SchemaVersion,
		Type:          typeRequest,
		RequestID:     requestID,
		Op:            op,
		Correlation:   correlation,
		Params:        raw,
	}, nil
}

// Validate checks the structural invariants of a request.
func (r *Request) Validate() error {
	switch {
	case r == nil:
		return ProtocolError("MCP request envelope must be an object")
	case r.Kind != EnvelopeKind:
		return ProtocolError("MCP envelope kind mismatch")
	case r.SchemaVersion != SchemaVersion:
		return ProtocolError("MCP envelope schemaVersion mismatch")
	case r.Type != typeRequest:
		return ProtocolError("MCP envelope type mismatch (expected request)")
	case strings.TrimSpace(r.RequestID) == "":
		return ProtocolError("MCP requestId missing")
	case strings.TrimSpace(string(r.Op)) == "":
		return ProtocolError("MCP op missing")
	case len(r.Params) == 0:
		return ProtocolError("MCP params missing")
	}
	return nil
}

// DecodeParams unmarshals the request params into v.
func (r *Request) DecodeParams(v any) error {
	if err := json.Unmarshal(r.Params, v); err != nil {
		return ProtocolError(fmt.Sprintf("invalid %s params", r.Op)).WithCause(err)
	}
	return nil
}

// Respond builds a successful response to r.
func (r *Request) Respond(result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, ProtocolError(fmt.Sprintf("encode %s result", r.Op)).WithCause(err)
	}
	resp := r.response(true)
	resp.Result = raw
	return resp, nil
}

// RespondError builds a failed response to r.
func (r *Request) RespondError(err error) *Response {
	e := ToError(err)
	resp := r.response(false)
	resp.Error = &ResponseError{
		Code:      string(e.Code),
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
	}
	return resp
}

func (r *Request) response(ok bool) *Response {
	return &Response{
		Kind:          EnvelopeKind,
		SchemaVersion: SchemaVersion,
		Type:          typeResponse,
		RequestID:     r.RequestID,
		Op:            r.Op,
		Correlation:   r.Correlation,
		OK:            ok,
		Resume:        r.Resume,
	}
}

// ParseRequest decodes and validates a request envelope.
func ParseRequest(data []byte) (*Request, error) {
	fields, err := decodeObject(data, "request")
	if err != nil {
		return nil, err
	}
	if _, ok := fields["correlation"]; !ok {
		return nil, ProtocolError("MCP correlation missing")
	}
	if _, ok := fields["params"]; !ok {
		return nil, ProtocolError("MCP params missing")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ProtocolError("invalid MCP request envelope").WithCause(err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseResponse decodes and validates a response envelope.
func ParseResponse(data []byte) (*Response, error) {
	fields, err := decodeObject(data, "response")
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, ProtocolError("invalid MCP response envelope").WithCause(err)
	}
	switch {
	case resp.Kind != EnvelopeKind:
		return nil, ProtocolError("MCP envelope kind mismatch")
	case resp.SchemaVersion != SchemaVersion:
		return nil, ProtocolError("MCP envelope schemaVersion mismatch")
	case resp.Type != typeResponse:
		return nil, ProtocolError("MCP envelope type mismatch (expected response)")
	case strings.TrimSpace(resp.RequestID) == "":
		return nil, ProtocolError("MCP response requestId missing")
	case strings.TrimSpace(string(resp.Op)) == "":
		return nil, ProtocolError("MCP response op missing")
	}
	var okField bool
	if raw, present := fields["ok"]; !present || json.Unmarshal(raw, &okField) != nil {
		return nil, ProtocolError("MCP response ok missing")
	}
	return &resp, nil
}

func decodeObject(data []byte, what string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, ProtocolError(fmt.Sprintf("MCP %s envelope must be an object", what)).WithCause(err)
	}
	return fields, nil
}

// Decode unmarshals a successful result into v.
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return ProtocolError(fmt.Sprintf("invalid %s result", r.Op)).WithCause(err)
	}
	return nil
}

// Value returns the result as generic JSON.
func (r *Response) Value() (any, error) {
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Err converts a failed response into an *Error. Codes outside the taxonomy
// become protocol errors.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return ProtocolError(fmt.Sprintf("MCP %s failed", r.Op))
	}
	code, known := parseCode(r.Error.Code)
	if !known {
		code = CodeProtocolError
	}
	message := r.Error.Message
	if message == "" {
		message = fmt.Sprintf("MCP %s failed", r.Op)
	}
	return &Error{Code: code, Message: message, Retryable: r.Error.Retryable, Details: r.Error.Details}
}
