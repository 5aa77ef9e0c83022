package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"alexrt/internal/host"
)

// StreamKind selects the default buffering of a stream.
type StreamKind string

const (
	StreamTool      StreamKind = "tool"
	StreamHook      StreamKind = "hook"
	StreamMCP       StreamKind = "mcp"
	StreamTelemetry StreamKind = "telemetry"
	StreamDebug     StreamKind = "debug"
)

// StreamEventKind tags a stream event.
type StreamEventKind string

const (
	EventChunk      StreamEventKind = "chunk"
	EventProgress   StreamEventKind = "progress"
	EventDiagnostic StreamEventKind = "diagnostic"
	EventClose      StreamEventKind = "close"
)

// ChunkEncoding describes chunk payload bytes.
type ChunkEncoding string

const (
	EncodingUTF8   ChunkEncoding = "utf-8"
	EncodingBinary ChunkEncoding = "binary"
)

// CloseReason explains why a stream closed.
type CloseReason string

const (
	CloseCompleted CloseReason = "completed"
	CloseCancelled CloseReason = "cancelled"
	CloseError     CloseReason = "error"
	CloseClosed    CloseReason = "closed"
)

// StreamEvent is one item read from a Stream. Which fields are set depends
// on Kind.
type StreamEvent struct {
	Kind     StreamEventKind `json:"kind"`
	Seq      int64           `json:"seq"`
	TsMonoMs int64           `json:"tsMonoMs"`

	Encoding ChunkEncoding `json:"encoding,omitempty"`
	Data     []byte        `json:"data,omitempty"`

	TaskID  string   `json:"taskId,omitempty"`
	Message string   `json:"message,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
	Details any      `json:"details,omitempty"`
	Fields  any      `json:"fields,omitempty"`

	Reason   CloseReason    `json:"reason,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
}

// StreamOptions overrides the per-kind buffering defaults.
type StreamOptions struct {
	MaxBuffered int
	DropPolicy  DropPolicy
}

func streamDefaults(kind StreamKind) (int, DropPolicy) {
	switch kind {
	case StreamTool, StreamHook, StreamMCP:
		return 1024, BlockProducer
	default:
		return 256, DropOldest
	}
}

// Stream is a sequenced event channel. Every event gets the next seq and a
// monotonic timestamp; exactly one close event is emitted.
type Stream struct {
	id    string
	kind  StreamKind
	clock host.Clock
	queue *BoundedQueue[StreamEvent]

	mu      sync.Mutex
	seq     int64
	closed  bool
	emitted int64
}

// CreateStream registers a stream with the kernel.
func (k *Kernel) CreateStream(kind StreamKind, opts StreamOptions) *Stream {
	size, policy := streamDefaults(kind)
	if opts.MaxBuffered > 0 {
		size = opts.MaxBuffered
	}
	if opts.DropPolicy != "" {
		policy = opts.DropPolicy
	}
	s := &Stream{
		id:    k.ids.NextID("stream"),
		kind:  kind,
		clock: k.clock,
		queue: NewBoundedQueue[StreamEvent](size, policy),
	}
	k.mu.Lock()
	k.streams[s.id] = s
	k.mu.Unlock()
	return s
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Kind returns the stream kind.
func (s *Stream) Kind() StreamKind { return s.kind }

func (s *Stream) stamp(ev StreamEvent) (StreamEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ev, false
	}
	s.seq++
	ev.Seq = s.seq
	ev.TsMonoMs = s.clock.NowMs()
	s.emitted = s.seq
	return ev, true
}

func (s *Stream) emit(ctx context.Context, ev StreamEvent) error {
	ev, ok := s.stamp(ev)
	if !ok {
		return nil
	}
	err := s.queue.Push(ctx, ev)
	if err == ErrQueueClosed {
		return nil
	}
	return err
}

// PushChunk emits a chunk. Under block_producer it waits for space.
func (s *Stream) PushChunk(ctx context.Context, encoding ChunkEncoding, data []byte) error {
	if encoding == "" {
		encoding = EncodingUTF8
	}
	return s.emit(ctx, StreamEvent{Kind: EventChunk, Encoding: encoding, Data: data})
}

// PushText emits a utf-8 chunk.
func (s *Stream) PushText(ctx context.Context, text string) error {
	return s.PushChunk(ctx, EncodingUTF8, []byte(text))
}

// Progress is the payload of a progress event.
type Progress struct {
	TaskID  string
	Message string
	Percent *float64
	Details any
}

// PushProgress emits a progress event.
func (s *Stream) PushProgress(ctx context.Context, p Progress) error {
	return s.emit(ctx, StreamEvent{Kind: EventProgress, TaskID: p.TaskID, Message: p.Message, Percent: p.Percent, Details: p.Details})
}

// PushDiagnostic emits a diagnostic event.
func (s *Stream) PushDiagnostic(ctx context.Context, message string, fields any) error {
	return s.emit(ctx, StreamEvent{Kind: EventDiagnostic, Message: message, Fields: fields})
}

// Close emits the close event and closes the stream. Later calls do nothing.
func (s *Stream) Close(reason CloseReason, counters map[string]int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.seq++
	ev := StreamEvent{Kind: EventClose, Seq: s.seq, TsMonoMs: s.clock.NowMs(), Reason: reason, Counters: counters}
	s.emitted = s.seq
	s.mu.Unlock()
	s.queue.CloseWithFinal(ev)
}

// Next reads the next event. ok is false after the close event was read.
func (s *Stream) Next(ctx context.Context) (StreamEvent, bool, error) {
	return s.queue.Next(ctx)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats reports buffer usage.
func (s *Stream) Stats() QueueStats { return s.queue.Stats() }

// Info is the snapshot view of s.
func (s *Stream) Info() StreamInfo {
	s.mu.Lock()
	info := StreamInfo{ID: s.id, Kind: s.kind, LastEmittedSeq: s.emitted, Closed: s.closed}
	s.mu.Unlock()
	info.Dropped = s.queue.Stats().Dropped
	return info
}

// StreamSummary fingerprints the chunks of a stream.
type StreamSummary struct {
	EventCount int    `json:"eventCount"`
	ChunkCount int    `json:"chunkCount"`
	TotalBytes int    `json:"totalBytes"`
	SHA256Hex  string `json:"sha256Hex"`
}

// SummarizeEvents hashes the concatenated chunk payloads of events.
func SummarizeEvents(events []StreamEvent) StreamSummary {
	h := sha256.New()
	sum := StreamSummary{EventCount: len(events)}
	for _, ev := range events {
		if ev.Kind != EventChunk {
			continue
		}
		sum.ChunkCount++
		sum.TotalBytes += len(ev.Data)
		h.Write(ev.Data)
	}
	sum.SHA256Hex = hex.EncodeToString(h.Sum(nil))
	return sum
}

// Drain reads s until it closes and returns every event.
func Drain(ctx context.Context, s *Stream) ([]StreamEvent, error) {
	var events []StreamEvent
	for {
		ev, ok, err := s.Next(ctx)
		if err != nil {
			return events, err
		}
		if !ok {
			return events, nil
		}
		events = append(events, ev)
	}
}
