package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"alexrt/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	tools     []ToolDescriptor
	resources []ResourceDescriptor
	noRes     bool
	callErr   error
	closed    atomic.Int32
}

func (p *fakePeer) ListTools(context.Context) ([]ToolDescriptor, error) {
	return append([]ToolDescriptor(nil), p.tools...), nil
}

func (p *fakePeer) ListResources(context.Context) ([]ResourceDescriptor, error) {
	if p.noRes {
		return nil, Unsupported("no resources")
	}
	return append([]ResourceDescriptor(nil), p.resources...), nil
}

func (p *fakePeer) ReadResource(_ context.Context, uri string) (any, error) {
	return map[string]any{"uri": uri}, nil
}

func (p *fakePeer) CallTool(_ context.Context, name string, _ any, progress func(ToolStreamEvent)) (*ToolResult, error) {
	if p.callErr != nil {
		return nil, p.callErr
	}
	if progress != nil {
		current := 0.5
		progress(ToolStreamEvent{Kind: EventProgress, Current: &current})
	}
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: name}, {Type: "image", Data: "AAAA", MimeType: "image/png"}}}, nil
}

func (p *fakePeer) Close() error {
	p.closed.Add(1)
	return nil
}

func directRequest(t *testing.T, op Op, serverID string, params any) *Request {
	t.Helper()
	req, err := NewRequest(NewRequestID(), op, Correlation{ServerID: serverID}, params)
	require.NoError(t, err)
	return req
}

func TestDirectTransportDialsOncePerServer(t *testing.T) {
	var dials atomic.Int32
	peer := &fakePeer{tools: []ToolDescriptor{{Name: "b"}, {Name: "a"}}, noRes: true}
	direct := NewDirectTransport(func(context.Context, string) (Peer, error) {
		dials.Add(1)
		return peer, nil
	}, logging.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := direct.Send(ctx, directRequest(t, OpToolsList, "s1", map[string]string{"serverId": "s1"}))
		require.NoError(t, err)
		var m struct {
			Tools     []ToolDescriptor     `json:"tools"`
			Resources []ResourceDescriptor `json:"resources"`
		}
		require.NoError(t, resp.Decode(&m))
		require.Len(t, m.Tools, 2)
		assert.Equal(t, "a", m.Tools[0].Name)
		assert.NotNil(t, m.Resources)
		assert.Empty(t, m.Resources)
	}
	assert.EqualValues(t, 1, dials.Load())

	direct.DropPeer("s1")
	assert.EqualValues(t, 1, peer.closed.Load())
	_, err := direct.Send(ctx, directRequest(t, OpToolsList, "s1", map[string]string{}))
	require.NoError(t, err)
	assert.EqualValues(t, 2, dials.Load())
}

func TestDirectTransportDialFailures(t *testing.T) {
	ctx := context.Background()
	direct := NewDirectTransport(func(context.Context, string) (Peer, error) {
		return nil, errors.New("exec: not found")
	}, logging.Nop())
	_, err := direct.Send(ctx, directRequest(t, OpToolsList, "s1", map[string]string{}))
	assert.True(t, HasCode(err, CodeConnectionFailed))

	none := NewDirectTransport(nil, logging.Nop())
	_, err = none.Send(ctx, directRequest(t, OpToolsList, "s1", map[string]string{}))
	assert.True(t, HasCode(err, CodeConfigMissing))
}

func TestDirectTransportOps(t *testing.T) {
	peer := &fakePeer{
		tools:     []ToolDescriptor{{Name: "t"}},
		resources: []ResourceDescriptor{{URI: "mem://z"}, {URI: "mem://a"}},
	}
	direct := NewDirectTransport(nil, logging.Nop())
	direct.AddPeer("s1", peer)
	ctx := context.Background()

	resp, err := direct.Send(ctx, directRequest(t, OpToolsInfo, "s1", toolInfoParams{ServerID: "s1", ToolName: "missing"}))
	require.NoError(t, err)
	v, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tool": nil}, v)

	resp, err = direct.Send(ctx, directRequest(t, OpResourcesList, "s1", map[string]string{}))
	require.NoError(t, err)
	var res struct {
		Resources []ResourceDescriptor `json:"resources"`
	}
	require.NoError(t, resp.Decode(&res))
	require.Len(t, res.Resources, 2)
	assert.Equal(t, "mem://a", res.Resources[0].URI)
	assert.Equal(t, "s1", res.Resources[0].ServerID)

	resp, err = direct.Send(ctx, directRequest(t, OpResourcesRead, "s1", resourceReadParams{ServerID: "s1", URI: "mem://a"}))
	require.NoError(t, err)
	v, err = resp.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"uri": "mem://a"}, v)

	for _, op := range []Op{OpServersList, OpGrep, "mcp.unknown"} {
		resp, err = direct.Send(ctx, directRequest(t, op, "s1", map[string]string{}))
		require.NoError(t, err)
		assert.False(t, resp.OK)
		assert.True(t, HasCode(resp.Err(), CodeUnsupported))
	}
}

func TestDirectTransportStreamOrder(t *testing.T) {
	direct := NewDirectTransport(nil, logging.Nop())
	direct.AddPeer("s1", &fakePeer{})

	var kinds []EventKind
	err := direct.CallToolStream(context.Background(), ToolCallParams{ServerID: "s1", Tool: "hello"}, func(evt ToolStreamEvent) error {
		kinds = append(kinds, evt.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventProgress, EventText, EventFinal}, kinds)

	direct.AddPeer("s1", &fakePeer{callErr: errors.New("pipe broke")})
	err = direct.CallToolStream(context.Background(), ToolCallParams{ServerID: "s1", Tool: "hello"}, func(ToolStreamEvent) error { return nil })
	assert.True(t, HasCode(err, CodeInternalError))
}

func TestDirectTransportCloseClosesPeers(t *testing.T) {
	a, b := &fakePeer{}, &fakePeer{}
	direct := NewDirectTransport(nil, logging.Nop())
	direct.AddPeer("a", a)
	direct.AddPeer("b", b)
	require.NoError(t, direct.Close())
	assert.EqualValues(t, 1, a.closed.Load())
	assert.EqualValues(t, 1, b.closed.Load())
}
