package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"alexrt/internal/observability"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	configPath string
	overrides  map[string]any
}

// WithEnv injects the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithConfigPath reads the given file instead of the default location.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects the function used to read the config file.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir injects the home directory resolver.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// WithOverride sets a dotted key after file and environment are applied.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		o.overrides[strings.ToLower(key)] = value
	}
}

func defaultOptions() loadOptions {
	return loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Kernel: KernelConfig{
			Limiters:      map[string]int{},
			StreamBuffers: map[string]int{},
		},
		MCP: MCPConfig{
			Concurrency: ConcurrencyConfig{
				Global:    DefaultGlobalConcurrency,
				PerServer: DefaultPerServerConcurrency,
			},
			Retry: RetryConfig{
				Enabled:     true,
				MaxAttempts: DefaultRetryAttempts,
				BaseDelay:   DefaultRetryBaseDelay,
				MaxDelay:    DefaultRetryMaxDelay,
				Multiplier:  DefaultRetryMultiplier,
				Jitter:      DefaultRetryJitter,
			},
			ManifestTTL:           DefaultManifestTTL,
			ManifestMemoryEntries: DefaultManifestMemoryEntries,
			Endpoint: EndpointConfig{
				BearerSecret:   DefaultEndpointSecretName,
				ConfigTTL:      DefaultEndpointConfigTTL,
				RequestTimeout: DefaultEndpointTimeout,
				ResponseLimit:  DefaultEndpointResponseLimit,
			},
		},
		Scheduler: SchedulerConfig{
			ConcurrencyPolicy: "skip",
			TriggerTimeout:    DefaultTriggerTimeout,
		},
		Observability: observability.DefaultConfig(),
	}
}

// DefaultPath is ~/.alexrt/config.yaml, or $ALEXRT_CONFIG when set.
func DefaultPath(opts ...Option) (string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return resolvePath(options)
}

func resolvePath(options loadOptions) (string, error) {
	if options.configPath != "" {
		return options.configPath, nil
	}
	if options.envLookup != nil {
		if path, ok := options.envLookup(EnvPrefix + "CONFIG"); ok && strings.TrimSpace(path) != "" {
			return strings.TrimSpace(path), nil
		}
	}
	home, err := options.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".alexrt", "config.yaml"), nil
}

// Load builds the configuration from defaults, the YAML file, ALEXRT_*
// environment variables and caller overrides, in that order.
func Load(opts ...Option) (Config, Metadata, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	path, err := resolvePath(options)
	if err != nil {
		return Config{}, Metadata{}, err
	}
	data, err := options.readFile(path)
	switch {
	case err == nil:
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return Config{}, Metadata{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		meta.path = path
		for _, key := range v.AllKeys() {
			if v.InConfig(key) {
				meta.sources[key] = SourceFile
			}
		}
	case errors.Is(err, os.ErrNotExist):
		data = nil
	default:
		return Config{}, Metadata{}, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(v, &meta, options.envLookup)

	overrideKeys := make([]string, 0, len(options.overrides))
	for key := range options.overrides {
		overrideKeys = append(overrideKeys, key)
	}
	sort.Strings(overrideKeys)
	for _, key := range overrideKeys {
		v.Set(key, options.overrides[key])
		meta.sources[key] = SourceOverride
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	// Viper lowercases map keys; names and env vars are case sensitive.
	if err := applyCaseSensitive(&cfg, data); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("kernel.limiters", def.Kernel.Limiters)
	v.SetDefault("kernel.stream_buffers", def.Kernel.StreamBuffers)
	v.SetDefault("kernel.max_ticks", def.Kernel.MaxTicks)
	v.SetDefault("kernel.max_runnables_per_tick", def.Kernel.MaxRunnablesPerTick)

	v.SetDefault("mcp.workspace_id", def.MCP.WorkspaceID)
	v.SetDefault("mcp.concurrency.global", def.MCP.Concurrency.Global)
	v.SetDefault("mcp.concurrency.per_server", def.MCP.Concurrency.PerServer)
	v.SetDefault("mcp.retry.enabled", def.MCP.Retry.Enabled)
	v.SetDefault("mcp.retry.max_attempts", def.MCP.Retry.MaxAttempts)
	v.SetDefault("mcp.retry.base_delay", def.MCP.Retry.BaseDelay)
	v.SetDefault("mcp.retry.max_delay", def.MCP.Retry.MaxDelay)
	v.SetDefault("mcp.retry.multiplier", def.MCP.Retry.Multiplier)
	v.SetDefault("mcp.retry.jitter", def.MCP.Retry.Jitter)
	v.SetDefault("mcp.manifest_ttl", def.MCP.ManifestTTL)
	v.SetDefault("mcp.manifest_memory_entries", def.MCP.ManifestMemoryEntries)
	v.SetDefault("mcp.endpoint.allowed", def.MCP.Endpoint.Allowed)
	v.SetDefault("mcp.endpoint.url", def.MCP.Endpoint.URL)
	v.SetDefault("mcp.endpoint.bearer_secret", def.MCP.Endpoint.BearerSecret)
	v.SetDefault("mcp.endpoint.config_ttl", def.MCP.Endpoint.ConfigTTL)
	v.SetDefault("mcp.endpoint.request_timeout", def.MCP.Endpoint.RequestTimeout)
	v.SetDefault("mcp.endpoint.response_limit", def.MCP.Endpoint.ResponseLimit)
	v.SetDefault("mcp.endpoint.circuit_breaker", def.MCP.Endpoint.CircuitBreaker)
	v.SetDefault("mcp.skip_telemetry", def.MCP.SkipTelemetry)

	v.SetDefault("scheduler.enabled", def.Scheduler.Enabled)
	v.SetDefault("scheduler.concurrency_policy", def.Scheduler.ConcurrencyPolicy)
	v.SetDefault("scheduler.trigger_timeout", def.Scheduler.TriggerTimeout)

	obs := def.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", obs.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}

// envAliases maps short variable names onto dotted keys.
var envAliases = map[string]string{
	EnvPrefix + "LOG_LEVEL":    "observability.logging.level",
	EnvPrefix + "LOG_FORMAT":   "observability.logging.format",
	EnvPrefix + "WORKSPACE":    "mcp.workspace_id",
	EnvPrefix + "ENDPOINT_URL": "mcp.endpoint.url",
}

// scalarKeys lists the keys that can be set from the environment.
func scalarKeys(v *viper.Viper) []string {
	var keys []string
	for _, key := range v.AllKeys() {
		if strings.HasPrefix(key, "mcp.servers") ||
			strings.HasPrefix(key, "scheduler.triggers") ||
			strings.HasPrefix(key, "kernel.limiters") ||
			strings.HasPrefix(key, "kernel.stream_buffers") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// EnvName returns the variable that overrides a dotted key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnv(v *viper.Viper, meta *Metadata, lookup EnvLookup) {
	if lookup == nil {
		return
	}
	aliases := make([]string, 0, len(envAliases))
	for name := range envAliases {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)
	for _, name := range aliases {
		if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
			key := envAliases[name]
			v.Set(key, strings.TrimSpace(value))
			meta.sources[key] = SourceEnv
		}
	}
	// Canonical names win over aliases.
	for _, key := range scalarKeys(v) {
		if value, ok := lookup(EnvName(key)); ok && strings.TrimSpace(value) != "" {
			v.Set(key, strings.TrimSpace(value))
			meta.sources[key] = SourceEnv
		}
	}
}

type caseSensitiveSections struct {
	Kernel struct {
		Limiters map[string]int `yaml:"limiters"`
	} `yaml:"kernel"`
	MCP struct {
		Servers []ServerEntry `yaml:"servers"`
	} `yaml:"mcp"`
	Scheduler struct {
		Triggers []TriggerConfig `yaml:"triggers"`
	} `yaml:"scheduler"`
}

func applyCaseSensitive(cfg *Config, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raw caseSensitiveSections
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Kernel.Limiters != nil {
		cfg.Kernel.Limiters = raw.Kernel.Limiters
	}
	if raw.MCP.Servers != nil {
		cfg.MCP.Servers = raw.MCP.Servers
	}
	if raw.Scheduler.Triggers != nil {
		cfg.Scheduler.Triggers = raw.Scheduler.Triggers
	}
	return nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.Kernel.Limiters == nil {
		cfg.Kernel.Limiters = map[string]int{}
	}
	if cfg.Kernel.StreamBuffers == nil {
		cfg.Kernel.StreamBuffers = map[string]int{}
	}
	m := &cfg.MCP
	m.WorkspaceID = strings.TrimSpace(m.WorkspaceID)
	if m.Concurrency.Global <= 0 {
		m.Concurrency.Global = def.MCP.Concurrency.Global
	}
	if m.Concurrency.PerServer <= 0 {
		m.Concurrency.PerServer = def.MCP.Concurrency.PerServer
	}
	if m.Retry.MaxAttempts < 0 {
		m.Retry.MaxAttempts = 0
	}
	if m.Retry.Multiplier < 1 {
		m.Retry.Multiplier = def.MCP.Retry.Multiplier
	}
	if m.ManifestTTL <= 0 {
		m.ManifestTTL = def.MCP.ManifestTTL
	}
	m.Endpoint.URL = strings.TrimRight(strings.TrimSpace(m.Endpoint.URL), "/")
	m.Endpoint.BearerSecret = strings.TrimSpace(m.Endpoint.BearerSecret)
	if m.Endpoint.RequestTimeout <= 0 {
		m.Endpoint.RequestTimeout = def.MCP.Endpoint.RequestTimeout
	}
	for i := range m.Servers {
		s := &m.Servers[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Name = strings.TrimSpace(s.Name)
		s.Command = strings.TrimSpace(s.Command)
		s.URL = strings.TrimSpace(s.URL)
		s.Trust = strings.ToLower(strings.TrimSpace(s.Trust))
		s.PreferredMode = strings.ToLower(strings.TrimSpace(s.PreferredMode))
		s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	}
	sc := &cfg.Scheduler
	sc.ConcurrencyPolicy = strings.ToLower(strings.TrimSpace(sc.ConcurrencyPolicy))
	if sc.TriggerTimeout <= 0 {
		sc.TriggerTimeout = def.Scheduler.TriggerTimeout
	}
	for i := range sc.Triggers {
		t := &sc.Triggers[i]
		t.Name = strings.TrimSpace(t.Name)
		t.Schedule = strings.TrimSpace(t.Schedule)
		t.Server = strings.TrimSpace(t.Server)
		t.Tool = strings.TrimSpace(t.Tool)
	}
	cfg.Observability.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Level))
	cfg.Observability.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Format))
}
