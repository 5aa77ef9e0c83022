// Package di assembles the runtime from configuration: host services, the
// task kernel, the protocol client and the observability stack.
package di

import (
	"context"
	"errors"
	"sync"

	"alexrt/internal/config"
	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/kernel"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
	"alexrt/internal/observability"
	"alexrt/internal/scheduler"
	"alexrt/internal/toolrun"
)

// Container holds all application dependencies
type Container struct {
	Config config.Config
	Logger logging.Logger

	Clock   host.Clock
	IDs     host.IDSource
	Storage host.Storage
	Secrets host.Secrets

	Kernel *kernel.Kernel
	Runner *toolrun.Runner

	Registry *mcp.Registry
	Cache    *mcp.ManifestCache
	Client   *mcp.Client
	Commands *mcp.Commands
	Breakers *alexerrors.CircuitBreakerManager

	Metrics    *observability.MetricsCollector
	Tracing    *observability.TracerProvider
	Gauges     *observability.KernelGauges
	TaskTracer *observability.KernelTaskTracer

	startOnce sync.Once
	startErr  error
}

// Start seeds the server registry from configuration. It runs once; later
// calls return the first result.
func (c *Container) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.startErr = seedRegistry(ctx, c.Registry, c.Config.MCP)
		if c.startErr != nil {
			c.Logger.Warn("Failed to seed MCP registry: %v", c.startErr)
			return
		}
		c.Logger.Debug("MCP registry seeded with %d servers", len(c.Config.MCP.Servers))
	})
	return c.startErr
}

// RunOptions bounds kernel runs with the configured limits.
func (c *Container) RunOptions() kernel.RunOptions {
	return kernel.RunOptions{
		MaxTicks:            c.Config.Kernel.MaxTicks,
		MaxRunnablesPerTick: c.Config.Kernel.MaxRunnablesPerTick,
	}
}

// StreamOptions returns the configured buffering for kind. A zero value
// keeps the kernel default.
func (c *Container) StreamOptions(kind kernel.StreamKind) kernel.StreamOptions {
	return kernel.StreamOptions{MaxBuffered: c.Config.Kernel.StreamBuffers[string(kind)]}
}

// NewScheduler builds the cron trigger scheduler over the protocol client.
// A nil notifier logs each result.
func (c *Container) NewScheduler(notifier scheduler.Notifier) *scheduler.Scheduler {
	return scheduler.New(c.Config.SchedulerConfig(), c.Client, notifier, logging.NewComponentLogger("Scheduler"))
}

// ObserveKernel mirrors the current kernel snapshot into the gauges.
func (c *Container) ObserveKernel() {
	if c.Gauges == nil {
		return
	}
	c.Gauges.Observe(c.Kernel.Snapshot())
}

// Cleanup gracefully shuts down all resources
func (c *Container) Cleanup(ctx context.Context) error {
	var errs []error
	if c.Client != nil {
		errs = append(errs, c.Client.Close())
	}
	if c.Metrics != nil {
		errs = append(errs, c.Metrics.Shutdown(ctx))
	}
	if c.Tracing != nil {
		errs = append(errs, c.Tracing.Shutdown(ctx))
	}
	if c.TaskTracer != nil {
		if open := c.TaskTracer.Open(); open > 0 {
			c.Logger.Debug("Cleanup with %d task spans still open", open)
		}
	}
	return errors.Join(errs...)
}

// seedRegistry writes the configured servers: managed ones replace the
// managed set, the rest are upserted into the app record.
func seedRegistry(ctx context.Context, registry *mcp.Registry, cfg config.MCPConfig) error {
	var managed []mcp.ServerConfig
	var errs []error
	for _, server := range cfg.ServerConfigs() {
		if server.Trust == mcp.TrustManaged {
			managed = append(managed, server)
			continue
		}
		if err := registry.Upsert(ctx, server, mcp.RegistryScopeApp); err != nil {
			errs = append(errs, err)
		}
	}
	if len(managed) > 0 {
		errs = append(errs, registry.SetManagedServers(ctx, managed))
	}
	return errors.Join(errs...)
}
