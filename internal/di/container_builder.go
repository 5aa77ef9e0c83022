package di

import (
	"context"
	"fmt"
	"strings"

	"alexrt/internal/config"
	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/kernel"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
	"alexrt/internal/observability"
	"alexrt/internal/toolrun"
)

// Option overrides a host service. Tests use these to get a deterministic
// runtime.
type Option func(*containerBuilder)

// WithClock replaces the system clock.
func WithClock(clock host.Clock) Option {
	return func(b *containerBuilder) { b.clock = clock }
}

// WithIDs replaces the xid source.
func WithIDs(ids host.IDSource) Option {
	return func(b *containerBuilder) { b.ids = ids }
}

// WithStorage replaces the in-memory storage.
func WithStorage(storage host.Storage) Option {
	return func(b *containerBuilder) { b.storage = storage }
}

// WithSecrets replaces the environment-backed secrets.
func WithSecrets(secrets host.Secrets) Option {
	return func(b *containerBuilder) { b.secrets = secrets }
}

// WithEnv replaces the process environment lookup.
func WithEnv(lookup host.EnvLookup) Option {
	return func(b *containerBuilder) { b.env = lookup }
}

// WithDialer replaces the peer dialer derived from the server list.
func WithDialer(dial mcp.PeerDialer) Option {
	return func(b *containerBuilder) { b.dial = dial }
}

// WithWarnSink receives operator warnings from the client.
func WithWarnSink(warn mcp.WarnSink) Option {
	return func(b *containerBuilder) { b.warn = warn }
}

// WithApprover is consulted before calling tools on untrusted servers.
func WithApprover(approve toolrun.Approver) Option {
	return func(b *containerBuilder) { b.approve = approve }
}

// WithSessionKey scopes deduplicated warnings.
func WithSessionKey(key string) Option {
	return func(b *containerBuilder) { b.sessionKey = key }
}

type containerBuilder struct {
	config config.Config
	logger logging.Logger

	clock      host.Clock
	ids        host.IDSource
	storage    host.Storage
	secrets    host.Secrets
	env        host.EnvLookup
	dial       mcp.PeerDialer
	warn       mcp.WarnSink
	approve    toolrun.Approver
	sessionKey string
}

// BuildContainer builds the dependency injection container with the given configuration.
// Registry seeding is deferred until Start() is called.
func BuildContainer(cfg config.Config, opts ...Option) (*Container, error) {
	builder := newContainerBuilder(cfg, opts...)
	return builder.Build()
}

func newContainerBuilder(cfg config.Config, opts ...Option) *containerBuilder {
	b := &containerBuilder{
		config: cfg,
		logger: logging.NewComponentLogger("DI"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = host.NewSystemClock()
	}
	if b.ids == nil {
		b.ids = host.XIDSource{}
	}
	if b.storage == nil {
		b.storage = host.NewMemoryStorage()
	}
	if b.env == nil {
		b.env = host.EnvLookup(config.DefaultEnvLookup)
	}
	if b.secrets == nil {
		b.secrets = host.EnvSecrets{Lookup: b.env}
	}
	if b.warn == nil {
		warnLogger := logging.NewComponentLogger("MCPClient")
		b.warn = func(message string) { warnLogger.Warn("%s", message) }
	}
	return b
}

func (b *containerBuilder) Build() (*Container, error) {
	b.logger.Debug("Building container for workspace=%q servers=%d", b.config.MCP.WorkspaceID, len(b.config.MCP.Servers))

	metrics, err := observability.NewMetricsCollector(b.config.Observability.Metrics, logging.NewComponentLogger("Metrics"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	tracing, err := observability.NewTracerProvider(b.config.Observability.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	var gauges *observability.KernelGauges
	if reg := metrics.Registerer(); reg != nil {
		gauges = observability.NewKernelGauges(reg)
	}
	taskTracer := observability.NewKernelTaskTracer(tracing.Tracer())

	k, err := b.buildKernel(metrics, taskTracer)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		_ = tracing.Shutdown(context.Background())
		return nil, err
	}

	registry := mcp.NewRegistry(b.storage, b.config.MCP.WorkspaceID, logging.NewComponentLogger("MCPRegistry"))
	cache, err := mcp.NewManifestCache(mcp.ManifestCacheOptions{
		Storage:       b.storage,
		Clock:         b.clock,
		WorkspaceID:   b.config.MCP.WorkspaceID,
		TTL:           b.config.MCP.ManifestTTL,
		MemoryEntries: b.config.MCP.ManifestMemoryEntries,
		Logger:        logging.NewComponentLogger("ManifestCache"),
	})
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		_ = tracing.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create manifest cache: %w", err)
	}

	breakers := alexerrors.NewCircuitBreakerManager(b.circuitBreakerConfig())
	endpoint := b.buildEndpoint(breakers)

	dial := b.dial
	if dial == nil {
		dial = NewPeerDialer(b.config.MCP.Servers, mcp.ClientInfo{Name: "alexrt", Version: b.config.Observability.Tracing.ServiceVersion})
	}
	direct := mcp.NewDirectTransport(dial, logging.NewComponentLogger("DirectTransport"))

	client, err := mcp.NewClient(mcp.ClientOptions{
		Registry:             registry,
		Cache:                cache,
		Direct:               direct,
		Endpoint:             endpoint,
		EndpointAllowed:      endpoint != nil,
		Warn:                 b.warn,
		SessionKey:           b.sessionKey,
		Retry:                b.config.MCP.Retry.ErrorsRetry(),
		MaxInFlightGlobal:    b.config.MCP.Concurrency.Global,
		MaxInFlightPerServer: b.config.MCP.Concurrency.PerServer,
		Clock:                b.clock,
		Env:                  b.env,
		Metrics:              metrics,
		Tracer:               tracing.Tracer(),
		Logger:               logging.NewComponentLogger("MCPClient"),
	})
	if err != nil {
		_ = direct.Close()
		_ = metrics.Shutdown(context.Background())
		_ = tracing.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	runner := toolrun.NewRunner(k, client, toolrun.Options{
		StreamBuffer: b.config.Kernel.StreamBuffers[string(kernel.StreamMCP)],
		Approve:      b.approve,
		Logger:       logging.NewComponentLogger("ToolRunner"),
	})

	b.logger.Info("Container built successfully")

	return &Container{
		Config:     b.config,
		Logger:     b.logger,
		Clock:      b.clock,
		IDs:        b.ids,
		Storage:    b.storage,
		Secrets:    b.secrets,
		Kernel:     k,
		Runner:     runner,
		Registry:   registry,
		Cache:      cache,
		Client:     client,
		Commands:   mcp.NewCommands(client),
		Breakers:   breakers,
		Metrics:    metrics,
		Tracing:    tracing,
		Gauges:     gauges,
		TaskTracer: taskTracer,
	}, nil
}

func (b *containerBuilder) buildKernel(metrics kernel.Metrics, tracer *observability.KernelTaskTracer) (*kernel.Kernel, error) {
	kernelLogger := logging.NewComponentLogger("Kernel")
	k := kernel.New(kernel.Options{
		Clock:       b.clock,
		IDs:         b.ids,
		Logger:      kernelLogger,
		Metrics:     metrics,
		OnTaskEvent: tracer.Handle,
		OnScopeClosed: func(summary kernel.ShutdownSummary) {
			kernelLogger.Debug("Scope %s (%s) closed: success=%d error=%d cancelled=%d timeout=%d",
				summary.ScopeID, summary.Kind, summary.Success, summary.Error, summary.Cancelled, summary.Timeout)
		},
	})
	for name, permits := range b.config.Kernel.Limiters {
		if err := k.DefineLimiter(name, permits); err != nil {
			return nil, fmt.Errorf("failed to define limiter %s: %w", name, err)
		}
	}
	return k, nil
}

func (b *containerBuilder) circuitBreakerConfig() alexerrors.CircuitBreakerConfig {
	cfg := alexerrors.DefaultCircuitBreakerConfig()
	cfg.Logger = logging.NewComponentLogger("CircuitBreaker")
	return cfg
}

// buildEndpoint returns nil unless the relay is allowed.
func (b *containerBuilder) buildEndpoint(breakers *alexerrors.CircuitBreakerManager) *mcp.EndpointTransport {
	ep := b.config.MCP.Endpoint
	if !ep.Allowed {
		return nil
	}
	logger := logging.NewComponentLogger("EndpointTransport")

	var breaker *alexerrors.CircuitBreaker
	if ep.CircuitBreaker {
		breaker = breakers.Get("mcp-endpoint")
	}
	provider := mcp.NewEndpointConfigProvider(mcp.EndpointConfigOptions{
		Storage:     b.storage,
		Secrets:     b.secrets,
		WorkspaceID: b.config.MCP.WorkspaceID,
		TTL:         ep.ConfigTTL,
		Discover:    b.discoverEndpoint(ep),
		Logger:      logger,
	})
	return mcp.NewEndpointTransport(mcp.EndpointTransportOptions{
		Fetcher:       host.NewHTTPFetcher(ep.RequestTimeout, logger, breaker),
		Config:        provider,
		Timeout:       ep.RequestTimeout,
		ResponseLimit: ep.ResponseLimit,
		Logger:        logger,
	})
}

// discoverEndpoint resolves the configured relay url and its bearer secret.
// Nothing is discovered without a url or a credential.
func (b *containerBuilder) discoverEndpoint(ep config.EndpointConfig) mcp.DiscoverFunc {
	return func(ctx context.Context) (*mcp.EndpointConfig, error) {
		if strings.TrimSpace(ep.URL) == "" {
			return nil, nil
		}
		bearer, ok, err := b.secrets.GetSecret(ctx, ep.BearerSecret)
		if err != nil {
			return nil, fmt.Errorf("read secret %s: %w", ep.BearerSecret, err)
		}
		if !ok {
			return nil, nil
		}
		return &mcp.EndpointConfig{URL: ep.URL, BearerKey: bearer}, nil
	}
}
