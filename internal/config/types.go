package config

import (
	"time"

	"alexrt/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEXRT_"

// Defaults shared with the protocol client.
const (
	DefaultGlobalConcurrency     = 16
	DefaultPerServerConcurrency  = 4
	DefaultManifestTTL           = 5 * time.Minute
	DefaultEndpointTimeout       = 10 * time.Second
	DefaultEndpointConfigTTL     = 10 * time.Minute
	DefaultEndpointResponseLimit = 8 << 20
	DefaultEndpointSecretName    = "mcp_endpoint_bearer"
	DefaultRetryAttempts         = 3
	DefaultRetryBaseDelay        = 200 * time.Millisecond
	DefaultRetryMaxDelay         = 5 * time.Second
	DefaultRetryMultiplier       = 2.0
	DefaultRetryJitter           = 0.25
	DefaultManifestMemoryEntries = 128
	DefaultTriggerTimeout        = time.Minute
)

// Config is the full runtime configuration.
type Config struct {
	Kernel        KernelConfig         `yaml:"kernel" mapstructure:"kernel"`
	MCP           MCPConfig            `yaml:"mcp" mapstructure:"mcp"`
	Scheduler     SchedulerConfig      `yaml:"scheduler" mapstructure:"scheduler"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// KernelConfig sets kernel limiters and stream buffering.
type KernelConfig struct {
	// Limiters are defined on the kernel at startup, name to permit count.
	Limiters map[string]int `yaml:"limiters" mapstructure:"limiters"`
	// StreamBuffers overrides the default buffer size per stream kind.
	StreamBuffers       map[string]int `yaml:"stream_buffers" mapstructure:"stream_buffers"`
	MaxTicks            int            `yaml:"max_ticks" mapstructure:"max_ticks"`
	MaxRunnablesPerTick int            `yaml:"max_runnables_per_tick" mapstructure:"max_runnables_per_tick"`
}

// MCPConfig configures the protocol client.
type MCPConfig struct {
	WorkspaceID           string            `yaml:"workspace_id" mapstructure:"workspace_id"`
	Concurrency           ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Retry                 RetryConfig       `yaml:"retry" mapstructure:"retry"`
	ManifestTTL           time.Duration     `yaml:"manifest_ttl" mapstructure:"manifest_ttl"`
	ManifestMemoryEntries int               `yaml:"manifest_memory_entries" mapstructure:"manifest_memory_entries"`
	Endpoint              EndpointConfig    `yaml:"endpoint" mapstructure:"endpoint"`
	SkipTelemetry         bool              `yaml:"skip_telemetry" mapstructure:"skip_telemetry"`
	Servers               []ServerEntry     `yaml:"servers" mapstructure:"servers"`
}

// ConcurrencyConfig bounds in-flight protocol calls.
type ConcurrencyConfig struct {
	Global    int `yaml:"global" mapstructure:"global"`
	PerServer int `yaml:"per_server" mapstructure:"per_server"`
}

// RetryConfig configures client-level retry of retryable failures.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      float64       `yaml:"jitter" mapstructure:"jitter"`
}

// EndpointConfig configures the relay transport.
type EndpointConfig struct {
	Allowed bool   `yaml:"allowed" mapstructure:"allowed"`
	URL     string `yaml:"url" mapstructure:"url"`
	// BearerSecret names the host secret holding the relay credential.
	BearerSecret   string        `yaml:"bearer_secret" mapstructure:"bearer_secret"`
	ConfigTTL      time.Duration `yaml:"config_ttl" mapstructure:"config_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ResponseLimit  int64         `yaml:"response_limit" mapstructure:"response_limit"`
	CircuitBreaker bool          `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// ServerEntry declares one capability server. Command starts a stdio peer;
// URL dials a remote peer over Transport (http or sse).
type ServerEntry struct {
	ID            string            `yaml:"id" mapstructure:"id"`
	Name          string            `yaml:"name,omitempty" mapstructure:"name"`
	Enabled       *bool             `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Trust         string            `yaml:"trust,omitempty" mapstructure:"trust"`
	PreferredMode string            `yaml:"preferred_mode,omitempty" mapstructure:"preferred_mode"`
	Command       string            `yaml:"command,omitempty" mapstructure:"command"`
	Args          []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env           map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	URL           string            `yaml:"url,omitempty" mapstructure:"url"`
	Transport     string            `yaml:"transport,omitempty" mapstructure:"transport"`
	Headers       map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// SchedulerConfig configures cron triggers run by "alexrt mcp watch".
type SchedulerConfig struct {
	Enabled           bool            `yaml:"enabled" mapstructure:"enabled"`
	ConcurrencyPolicy string          `yaml:"concurrency_policy" mapstructure:"concurrency_policy"`
	TriggerTimeout    time.Duration   `yaml:"trigger_timeout" mapstructure:"trigger_timeout"`
	Triggers          []TriggerConfig `yaml:"triggers" mapstructure:"triggers"`
}

// TriggerConfig declares one trigger. Without a tool it probes every server.
type TriggerConfig struct {
	Name     string         `yaml:"name" mapstructure:"name"`
	Schedule string         `yaml:"schedule" mapstructure:"schedule"`
	Server   string         `yaml:"server,omitempty" mapstructure:"server"`
	Tool     string         `yaml:"tool,omitempty" mapstructure:"tool"`
	Args     map[string]any `yaml:"args,omitempty" mapstructure:"args"`
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	path     string
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin for the given dotted configuration key.
func (m Metadata) Source(key string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the config file that was read, if any.
func (m Metadata) Path() string {
	return m.path
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
