package observability

import (
	"context"
	"fmt"
	"sync"

	"alexrt/internal/kernel"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter       string  `yaml:"exporter" mapstructure:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint" mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `yaml:"service_version" mapstructure:"service_version"`
}

// TracerProvider wraps OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("alexrt"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "alexrt"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("alexrt"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span tagged with the session id carried by ctx.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanKernelTask = "alexrt.kernel.task"
	SpanCLICommand = "alexrt.cli.command"
)

// Common attribute keys
const (
	AttrSessionID = "alexrt.session_id"
	AttrTaskID    = "alexrt.task_id"
	AttrScopeID   = "alexrt.scope_id"
	AttrLabel     = "alexrt.task.label"
	AttrPriority  = "alexrt.task.priority"
	AttrOutcome   = "alexrt.task.outcome"
)

// KernelTaskTracer turns kernel task events into spans. Each task gets one
// span from queue to settle; lifecycle transitions become span events.
type KernelTaskTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewKernelTaskTracer builds a tracer. A nil tracer uses the global provider.
func NewKernelTaskTracer(tracer trace.Tracer) *KernelTaskTracer {
	if tracer == nil {
		tracer = otel.Tracer("alexrt/kernel")
	}
	return &KernelTaskTracer{tracer: tracer, spans: make(map[string]trace.Span)}
}

// Handle consumes one event. It fits kernel.Options.OnTaskEvent.
func (t *KernelTaskTracer) Handle(ev kernel.TaskEvent) {
	if t == nil {
		return
	}
	stamp := trace.WithAttributes(attribute.Int64("alexrt.mono_ms", ev.TsMonoMs))

	t.mu.Lock()
	defer t.mu.Unlock()
	span, ok := t.spans[ev.TaskID]
	if !ok {
		attrs := []attribute.KeyValue{
			attribute.String(AttrTaskID, ev.TaskID),
			attribute.String(AttrScopeID, ev.ScopeID),
			attribute.String(AttrPriority, string(ev.Priority)),
		}
		if ev.Label != "" {
			attrs = append(attrs, attribute.String(AttrLabel, ev.Label))
		}
		if sessionID := ev.CorrelationIDs["sessionId"]; sessionID != "" {
			attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
		}
		_, span = t.tracer.Start(context.Background(), SpanKernelTask, trace.WithAttributes(attrs...))
		t.spans[ev.TaskID] = span
	}

	span.AddEvent(string(ev.Type), stamp)
	if ev.Type != kernel.TaskCompleted {
		return
	}
	span.SetAttributes(attribute.String(AttrOutcome, string(ev.Outcome)))
	if ev.Outcome == kernel.ResultError || ev.Outcome == kernel.ResultTimeout {
		span.SetStatus(codes.Error, string(ev.Outcome))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	delete(t.spans, ev.TaskID)
}

// Open reports how many task spans have not ended.
func (t *KernelTaskTracer) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ErrorAttrs creates error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool("alexrt.error", true),
		attribute.String("error.message", err.Error()),
	}
}
