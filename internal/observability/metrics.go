package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/logging"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records kernel and protocol client measurements. It
// implements kernel.Metrics and mcp.Metrics. A nil or disabled collector
// drops everything.
type MetricsCollector struct {
	registry *prom.Registry
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	logger   logging.Logger

	// Kernel metrics
	tasksSpawned       metric.Int64Counter
	tasksSettled       metric.Int64Counter
	taskDuration       metric.Float64Histogram
	limiterWaits       metric.Int64Counter
	schedulerRunnables metric.Int64Histogram

	// Protocol client metrics
	mcpRequests   metric.Int64Counter
	mcpLatency    metric.Float64Histogram
	mcpFallbacks  metric.Int64Counter
	manifestCache metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. Instruments are
// exported through a private Prometheus registry served by Handler.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	logger = logging.OrNop(logger)
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("alexrt")

	m := &MetricsCollector{registry: registry, provider: provider, meter: meter, logger: logger}
	if err := m.init(); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	if config.PrometheusPort > 0 {
		m.StartPrometheusServer(config.PrometheusPort)
	}
	return m, nil
}

func (m *MetricsCollector) init() error {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := m.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := m.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}

	m.tasksSpawned = counter("alexrt.kernel.tasks.spawned", "Tasks spawned by priority", "{task}")
	m.tasksSettled = counter("alexrt.kernel.tasks.settled", "Tasks settled by outcome", "{task}")
	m.taskDuration = seconds("alexrt.kernel.task.duration", "Task run time from start to settle")
	m.limiterWaits = counter("alexrt.kernel.limiter.waits", "Limiter acquisitions that had to queue", "{wait}")
	runnables, err := m.meter.Int64Histogram("alexrt.kernel.scheduler.runnables",
		metric.WithDescription("Runnables executed per scheduler tick"),
		metric.WithUnit("{runnable}"))
	errs = append(errs, err)
	m.schedulerRunnables = runnables

	m.mcpRequests = counter("alexrt.mcp.requests", "Protocol requests by op, mode and status", "{request}")
	m.mcpLatency = seconds("alexrt.mcp.latency", "Protocol request latency")
	m.mcpFallbacks = counter("alexrt.mcp.fallbacks", "Transport fallbacks", "{fallback}")
	m.manifestCache = counter("alexrt.mcp.manifest_cache", "Manifest cache lookups by result", "{lookup}")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}
	return nil
}

// Handler serves the Prometheus exposition of this collector.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registerer exposes the collector's registry for extra collectors. It is
// nil when metrics are disabled.
func (m *MetricsCollector) Registerer() prom.Registerer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := m.prometheusServer
	async.Go(m.logger, "observability.prometheus", func() {
		m.logger.Info("Prometheus metrics server listening on :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Prometheus server error: %v", err)
		}
	})
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordTaskSpawned counts a spawned task.
func (m *MetricsCollector) RecordTaskSpawned(ctx context.Context, priority string) {
	if m == nil || m.tasksSpawned == nil {
		return
	}
	m.tasksSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// RecordTaskSettled counts a settled task and its run time.
func (m *MetricsCollector) RecordTaskSettled(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.tasksSettled == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.tasksSettled.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLimiterWait counts a queued limiter acquisition.
func (m *MetricsCollector) RecordLimiterWait(ctx context.Context, name string) {
	if m == nil || m.limiterWaits == nil {
		return
	}
	m.limiterWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter", name)))
}

// RecordSchedulerTick records how many runnables one tick executed.
func (m *MetricsCollector) RecordSchedulerTick(ctx context.Context, runnables int) {
	if m == nil || m.schedulerRunnables == nil {
		return
	}
	m.schedulerRunnables.Record(ctx, int64(runnables))
}

// RecordMCPRequest counts a protocol request.
func (m *MetricsCollector) RecordMCPRequest(op, mode, status string, latency time.Duration) {
	if m == nil || m.mcpRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.mcpRequests.Add(ctx, 1, attrs)
	m.mcpLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordMCPFallback counts a switch between transports.
func (m *MetricsCollector) RecordMCPFallback(from, to string) {
	if m == nil || m.mcpFallbacks == nil {
		return
	}
	m.mcpFallbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordManifestCache counts a manifest cache lookup.
func (m *MetricsCollector) RecordManifestCache(hit bool) {
	if m == nil || m.manifestCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.manifestCache.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}
