package config

import (
	"strings"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
	"alexrt/internal/scheduler"
)

// Server transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ServerConfigs converts the declared servers into registry entries.
// Omitted fields default to enabled, trusted and the server id as name.
func (m MCPConfig) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(m.Servers))
	for _, s := range m.Servers {
		out = append(out, s.ServerConfig())
	}
	return out
}

// ServerConfig converts one entry.
func (s ServerEntry) ServerConfig() mcp.ServerConfig {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	trust := mcp.Trust(s.Trust)
	if trust == "" {
		trust = mcp.TrustTrusted
	}
	return mcp.ServerConfig{
		ID:            s.ID,
		DisplayName:   name,
		Enabled:       enabled,
		Trust:         trust,
		PreferredMode: mcp.Mode(s.PreferredMode),
	}
}

// TransportKind resolves the transport, defaulting to stdio for commands
// and streamable HTTP for urls.
func (s ServerEntry) TransportKind() string {
	if s.Transport != "" {
		return s.Transport
	}
	if s.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// ProcessConfig is the stdio launch configuration of s.
func (s ServerEntry) ProcessConfig() mcp.ProcessConfig {
	return mcp.ProcessConfig{Command: s.Command, Args: s.Args, Env: s.Env}
}

// Server finds a declared server by id.
func (m MCPConfig) Server(id string) (ServerEntry, bool) {
	for _, s := range m.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// ErrorsRetry converts the retry section. Nil means retry is disabled.
func (r RetryConfig) ErrorsRetry() *alexerrors.RetryConfig {
	if !r.Enabled {
		return nil
	}
	rc := alexerrors.DefaultRetryConfig()
	rc.MaxAttempts = r.MaxAttempts
	if r.BaseDelay > 0 {
		rc.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		rc.MaxDelay = r.MaxDelay
	}
	if r.Multiplier >= 1 {
		rc.Multiplier = r.Multiplier
	}
	if r.Jitter >= 0 {
		rc.JitterFactor = r.Jitter
	}
	return &rc
}

// LoggingConfig is the backend configuration for internal/logging.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Observability.Logging.Level, Format: c.Observability.Logging.Format}
}

// Redacted returns a copy safe to print. Server env values and headers are
// masked.
func (c Config) Redacted() Config {
	out := c
	out.MCP.Servers = make([]ServerEntry, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		s.Env = maskValues(s.Env)
		s.Headers = maskValues(s.Headers)
		s.Args = append([]string(nil), s.Args...)
		for j, arg := range s.Args {
			s.Args[j] = logging.Redact(arg)
		}
		out.MCP.Servers[i] = s
	}
	return out
}

func maskValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if strings.TrimSpace(v) == "" {
			out[k] = v
			continue
		}
		out[k] = logging.Placeholder
	}
	return out
}

// SchedulerConfig converts the scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	triggers := make([]scheduler.Trigger, 0, len(c.Scheduler.Triggers))
	for _, t := range c.Scheduler.Triggers {
		triggers = append(triggers, scheduler.Trigger{
			Name:     t.Name,
			Schedule: t.Schedule,
			ServerID: t.Server,
			Tool:     t.Tool,
			Args:     t.Args,
		})
	}
	return scheduler.Config{
		Enabled:           c.Scheduler.Enabled,
		Triggers:          triggers,
		TriggerTimeout:    c.Scheduler.TriggerTimeout,
		ConcurrencyPolicy: c.Scheduler.ConcurrencyPolicy,
	}
}
