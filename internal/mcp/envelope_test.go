package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"alexrt/internal/cancel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestValidation(t *testing.T) {
	valid := `{"kind":"mcp_envelope","schemaVersion":1,"type":"request","requestId":"r1","op":"mcp.tools/list","correlation":{},"params":{}}`
	req, err := ParseRequest([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, OpToolsList, req.Op)

	tests := map[string]string{
		"not an object":     `[1,2]`,
		"wrong kind":        `{"kind":"other","schemaVersion":1,"type":"request","requestId":"r1","op":"x","correlation":{},"params":{}}`,
		"wrong version":     `{"kind":"mcp_envelope","schemaVersion":2,"type":"request","requestId":"r1","op":"x","correlation":{},"params":{}}`,
		"response type":     `{"kind":"mcp_envelope","schemaVersion":1,"type":"response","requestId":"r1","op":"x","correlation":{},"params":{}}`,
		"blank request id":  `{"kind":"mcp_envelope","schemaVersion":1,"type":"request","requestId":"  ","op":"x","correlation":{},"params":{}}`,
		"missing op":        `{"kind":"mcp_envelope","schemaVersion":1,"type":"request","requestId":"r1","correlation":{},"params":{}}`,
		"missing params":    `{"kind":"mcp_envelope","schemaVersion":1,"type":"request","requestId":"r1","op":"x","correlation":{}}`,
		"missing corr":      `{"kind":"mcp_envelope","schemaVersion":1,"type":"request","requestId":"r1","op":"x","params":{}}`,
		"malformed payload": `{"kind":`,
	}
	for name, raw := range tests {
		_, err := ParseRequest([]byte(raw))
		assert.True(t, HasCode(err, CodeProtocolError), name)
	}
}

func TestParseResponseRequiresOK(t *testing.T) {
	_, err := ParseResponse([]byte(`{"kind":"mcp_envelope","schemaVersion":1,"type":"response","requestId":"r1","op":"mcp.tools/list","correlation":{}}`))
	assert.True(t, HasCode(err, CodeProtocolError))

	resp, err := ParseResponse([]byte(`{"kind":"mcp_envelope","schemaVersion":1,"type":"response","requestId":"r1","op":"mcp.tools/list","correlation":{},"ok":true,"result":{"n":1}}`))
	require.NoError(t, err)
	v, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, v)
}

func TestRespondPreservesCorrelation(t *testing.T) {
	corr := Correlation{SessionID: "sess", TaskID: "t1", ServerID: "s1"}
	req, err := NewRequest("r9", OpToolsCall, corr, ToolCallParams{ServerID: "s1", Tool: "x"})
	require.NoError(t, err)
	req.Resume = &Resume{Token: "tok"}

	resp := req.RespondError(RateLimited("slow down"))
	assert.False(t, resp.OK)
	assert.Equal(t, "r9", resp.RequestID)
	assert.Equal(t, corr, resp.Correlation)
	assert.Equal(t, "tok", resp.Resume.Token)

	err = resp.Err()
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeRateLimited, e.Code)
	assert.True(t, e.Retryable)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	parsed, err := ParseResponse(data)
	require.NoError(t, err)
	assert.Equal(t, resp.Error.Message, parsed.Error.Message)
}

func TestResponseErrUnknownCodeIsProtocolError(t *testing.T) {
	resp := &Response{Op: OpToolsList, Error: &ResponseError{Code: "teapot", Message: "short and stout"}}
	err := resp.Err()
	assert.True(t, HasCode(err, CodeProtocolError))
	assert.Contains(t, err.Error(), "short and stout")

	resp = &Response{Op: OpToolsList}
	assert.EqualError(t, resp.Err(), "protocol_error: MCP mcp.tools/list failed")
}

func TestToErrorClassification(t *testing.T) {
	assert.Nil(t, ToError(nil))

	typed := AuthFailed("nope")
	assert.Same(t, typed, ToError(errors.Join(errors.New("ctx"), typed)))

	assert.Equal(t, CodeCancelled, ToError(context.Canceled).Code)
	assert.Equal(t, CodeHandshakeTimeout, ToError(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeInternalError, ToError(errors.New("boom")).Code)

	reason := cancel.UserCancel("stop")
	e := Cancelled("stopped", reason)
	assert.Equal(t, reason, e.Details)
}

func TestCancelledFrom(t *testing.T) {
	assert.Nil(t, cancelledFrom(context.Background()))

	ctx, stop := context.WithCancelCause(context.Background())
	stop(HandshakeTimeout("slow"))
	assert.Equal(t, CodeHandshakeTimeout, cancelledFrom(ctx).Code)

	ctx, stop = context.WithCancelCause(context.Background())
	stop(nil)
	assert.Equal(t, CodeCancelled, cancelledFrom(ctx).Code)
}

func TestWarnOnceDeduplicatesByKey(t *testing.T) {
	var w WarnOnce
	var got []string
	sink := func(msg string) { got = append(got, msg) }
	assert.True(t, w.Warn("k", "first", sink))
	assert.False(t, w.Warn("k", "second", sink))
	assert.True(t, w.Warn("other", "third", sink))
	assert.Equal(t, []string{"first", "third"}, got)
}
