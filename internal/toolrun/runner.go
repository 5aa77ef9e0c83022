// Package toolrun runs protocol tool calls as kernel tasks and forwards
// their events into kernel streams.
package toolrun

import (
	"context"
	"fmt"
	"strings"

	"alexrt/internal/kernel"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
)

// DefaultFlushBytes is the text aggregation threshold.
const DefaultFlushBytes = 8 * 1024

// ToolCaller is the part of mcp.Client the runner needs.
type ToolCaller interface {
	CallToolStream(ctx context.Context, params mcp.ToolCallParams) (*mcp.ToolStream, error)
	ListServers(ctx context.Context) ([]mcp.ServerStatus, error)
}

// Approver is consulted before a call whose hint asks for confirmation.
// Returning an error rejects the call.
type Approver func(ctx context.Context, call Call, hint PermissionHint) error

// Options configures a Runner.
type Options struct {
	FlushBytes   int
	StreamBuffer int
	Approve      Approver
	Logger       logging.Logger
}

// Runner spawns tool calls on a kernel.
type Runner struct {
	kernel     *kernel.Kernel
	client     ToolCaller
	flushBytes int
	buffer     int
	approve    Approver
	logger     logging.Logger
}

// NewRunner builds a runner over k and client.
func NewRunner(k *kernel.Kernel, client ToolCaller, opts Options) *Runner {
	flush := opts.FlushBytes
	if flush <= 0 {
		flush = DefaultFlushBytes
	}
	logger := opts.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ToolRunner")
	}
	return &Runner{
		kernel:     k,
		client:     client,
		flushBytes: flush,
		buffer:     opts.StreamBuffer,
		approve:    opts.Approve,
		logger:     logger,
	}
}

// Call describes one tool invocation.
type Call struct {
	Params      mcp.ToolCallParams
	Label       string
	Priority    kernel.Priority
	SessionID   string
	Correlation map[string]string
}

// Run is a started tool call. Task settles with the normalized Output as its
// value; Stream carries the forwarded events and closes when the call ends.
type Run struct {
	Task   *kernel.TaskHandle
	Stream *kernel.Stream
	Hint   PermissionHint
}

// Start spawns call in scope.
func (r *Runner) Start(ctx context.Context, scope *kernel.Scope, call Call) (*Run, error) {
	if scope == nil {
		return nil, fmt.Errorf("toolrun: nil scope")
	}
	if strings.TrimSpace(call.Params.ServerID) == "" || strings.TrimSpace(call.Params.Tool) == "" {
		return nil, mcp.ProtocolError("tool call requires serverId and tool")
	}
	hint, err := r.hintFor(ctx, call.Params.ServerID)
	if err != nil {
		return nil, err
	}

	stream := r.kernel.CreateStream(kernel.StreamMCP, kernel.StreamOptions{MaxBuffered: r.buffer})
	label := call.Label
	if label == "" {
		label = "mcp:" + call.Params.ServerID + "/" + call.Params.Tool
	}
	corr := map[string]string{"serverId": call.Params.ServerID, "streamId": stream.ID()}
	if call.SessionID != "" {
		corr["sessionId"] = call.SessionID
	}
	for k, v := range call.Correlation {
		corr[k] = v
	}

	handle, err := scope.Spawn(func(tc *kernel.TaskContext) (any, error) {
		return r.execute(tc, call, hint, stream)
	}, kernel.SpawnOptions{
		Label:          label,
		Priority:       call.Priority,
		CorrelationIDs: corr,
		Metadata: map[string]any{
			"tool":       call.Params.Tool,
			"permission": string(hint.Permission),
			"risk":       string(hint.Risk),
		},
	})
	if err != nil {
		stream.Close(kernel.CloseError, nil)
		return nil, err
	}
	// Tasks cancelled before they start never run execute.
	handle.Done().OnSettle(func() {
		res, _ := handle.Done().Result()
		stream.Close(closeReasonFor(res.Kind), nil)
	})
	return &Run{Task: handle, Stream: stream, Hint: hint}, nil
}

func (r *Runner) hintFor(ctx context.Context, serverID string) (PermissionHint, error) {
	servers, err := r.client.ListServers(ctx)
	if err != nil {
		return PermissionHint{}, err
	}
	for _, s := range servers {
		if s.ID == serverID {
			return HintForTrust(s.Trust), nil
		}
	}
	return HintForTrust(mcp.TrustUntrusted), nil
}

func (r *Runner) execute(tc *kernel.TaskContext, call Call, hint PermissionHint, stream *kernel.Stream) (any, error) {
	params := call.Params
	if params.Args == nil {
		params.Args = map[string]any{}
	}
	fw := newForwarder(stream, tc.ID(), r.flushBytes)

	out, err := kernel.Await(tc, func(ctx context.Context) (Output, error) {
		if hint.Permission == PermissionAsk && r.approve != nil {
			if err := r.approve(ctx, call, hint); err != nil {
				return Output{}, fmt.Errorf("tool %s/%s not approved: %w", params.ServerID, params.Tool, err)
			}
		}
		ts, err := r.client.CallToolStream(ctx, params)
		if err != nil {
			return Output{}, err
		}
		defer ts.Close()
		var final *Output
		for evt := range ts.Events() {
			if evt.Kind == mcp.EventFinal {
				o := NormalizeOutput(evt.Value)
				final = &o
				continue
			}
			if err := fw.forward(ctx, evt); err != nil {
				return Output{}, err
			}
		}
		if err := ts.Err(); err != nil {
			return Output{}, err
		}
		if final == nil {
			return Output{}, mcp.ProtocolError("tool stream ended without a final event")
		}
		if err := fw.finish(ctx, *final); err != nil {
			return Output{}, err
		}
		return *final, nil
	})

	switch {
	case err == nil:
		stream.Close(kernel.CloseCompleted, fw.counters())
		r.logger.Debug("tool %s/%s completed (%d chunks)", params.ServerID, params.Tool, fw.counters()["chunks"])
		return out, nil
	case tc.Cancelled() || mcp.HasCode(err, mcp.CodeCancelled):
		stream.Close(kernel.CloseCancelled, fw.counters())
		return nil, err
	default:
		stream.Close(kernel.CloseError, fw.counters())
		r.logger.Warn("tool %s/%s failed: %v", params.ServerID, params.Tool, err)
		return nil, err
	}
}

func closeReasonFor(kind kernel.ResultKind) kernel.CloseReason {
	switch kind {
	case kernel.ResultSuccess:
		return kernel.CloseCompleted
	case kernel.ResultCancelled, kernel.ResultTimeout:
		return kernel.CloseCancelled
	default:
		return kernel.CloseError
	}
}
