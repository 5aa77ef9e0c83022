package toolrun

import (
	"context"
	"sync"
	"unicode/utf8"

	"alexrt/internal/kernel"
	"alexrt/internal/mcp"
)

// OutputKind classifies a normalized tool result.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputStructured OutputKind = "structured"
)

// Output is the normalized final value of a tool call.
type Output struct {
	Kind  OutputKind `json:"kind"`
	Text  string     `json:"text,omitempty"`
	Value any        `json:"value,omitempty"`
}

// NormalizeOutput maps a final value onto Output. Strings become text;
// everything else, including protocol results carrying content blocks, is
// structured.
func NormalizeOutput(v any) Output {
	switch val := v.(type) {
	case string:
		return Output{Kind: OutputText, Text: val}
	case map[string]any:
		if _, ok := val["content"]; ok {
			return Output{Kind: OutputStructured, Value: val}
		}
	}
	return Output{Kind: OutputStructured, Value: v}
}

// forwarder copies tool stream events into a kernel stream. Text is held
// back until flushBytes accumulate or another event needs to go out.
type forwarder struct {
	stream     *kernel.Stream
	taskID     string
	flushBytes int

	mu          sync.Mutex
	pending     []byte
	sawText     bool
	chunks      int
	bytes       int
	progress    int
	diagnostics int
}

func newForwarder(stream *kernel.Stream, taskID string, flushBytes int) *forwarder {
	return &forwarder{stream: stream, taskID: taskID, flushBytes: flushBytes}
}

func (f *forwarder) forward(ctx context.Context, evt mcp.ToolStreamEvent) error {
	switch evt.Kind {
	case mcp.EventText:
		f.mu.Lock()
		f.sawText = true
		f.pending = append(f.pending, evt.Text...)
		f.mu.Unlock()
		return f.flush(ctx, false)
	case mcp.EventProgress:
		if err := f.flush(ctx, true); err != nil {
			return err
		}
		f.count(&f.progress)
		return f.stream.PushProgress(ctx, kernel.Progress{
			TaskID:  f.taskID,
			Message: evt.Message,
			Percent: percent(evt.Current, evt.Total),
			Details: progressDetails(evt),
		})
	case mcp.EventDiagnostic:
		if err := f.flush(ctx, true); err != nil {
			return err
		}
		f.count(&f.diagnostics)
		return f.stream.PushDiagnostic(ctx, evt.Message, nil)
	case mcp.EventStructured:
		if err := f.flush(ctx, true); err != nil {
			return err
		}
		f.count(&f.diagnostics)
		return f.stream.PushDiagnostic(ctx, "structured", map[string]any{"schema": evt.Schema, "value": evt.Value})
	}
	return nil
}

// finish flushes held text. A text result that never streamed is emitted
// so that readers of the stream see it.
func (f *forwarder) finish(ctx context.Context, out Output) error {
	f.mu.Lock()
	if out.Kind == OutputText && !f.sawText && out.Text != "" {
		f.pending = append(f.pending, out.Text...)
	}
	f.mu.Unlock()
	return f.flush(ctx, true)
}

// flush pushes full chunks, and the remainder too when all is set.
func (f *forwarder) flush(ctx context.Context, all bool) error {
	for {
		f.mu.Lock()
		if len(f.pending) == 0 || (!all && len(f.pending) < f.flushBytes) {
			f.mu.Unlock()
			return nil
		}
		cut := len(f.pending)
		if cut > f.flushBytes {
			cut = f.flushBytes
			for cut > 0 && !utf8.RuneStart(f.pending[cut]) {
				cut--
			}
			if cut == 0 {
				cut = f.flushBytes
			}
		}
		chunk := append([]byte(nil), f.pending[:cut]...)
		f.pending = f.pending[cut:]
		f.chunks++
		f.bytes += len(chunk)
		f.mu.Unlock()

		if err := f.stream.PushChunk(ctx, kernel.EncodingUTF8, chunk); err != nil {
			return err
		}
	}
}

func (f *forwarder) count(n *int) {
	f.mu.Lock()
	*n++
	f.mu.Unlock()
}

func (f *forwarder) counters() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"chunks":      f.chunks,
		"bytes":       f.bytes,
		"progress":    f.progress,
		"diagnostics": f.diagnostics,
	}
}

func percent(current, total *float64) *float64 {
	if current == nil {
		return nil
	}
	if total == nil || *total <= 0 {
		if *current >= 0 && *current <= 1 {
			p := *current * 100
			return &p
		}
		return nil
	}
	p := *current / *total * 100
	if p > 100 {
		p = 100
	}
	return &p
}

func progressDetails(evt mcp.ToolStreamEvent) any {
	if evt.Current == nil && evt.Total == nil {
		return nil
	}
	details := map[string]float64{}
	if evt.Current != nil {
		details["current"] = *evt.Current
	}
	if evt.Total != nil {
		details["total"] = *evt.Total
	}
	return details
}
