package config

import (
	"fmt"
	"net/url"

	"alexrt/internal/mcp"
	"alexrt/internal/scheduler"
)

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	for name, n := range c.Kernel.Limiters {
		if n <= 0 {
			return fmt.Errorf("config: limiter %q must allow at least one permit", name)
		}
	}
	if c.MCP.Endpoint.URL != "" {
		if u, err := url.Parse(c.MCP.Endpoint.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: invalid endpoint url %q", c.MCP.Endpoint.URL)
		}
	}
	seen := make(map[string]struct{}, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			return fmt.Errorf("config: mcp.servers[%d] has no id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("config: duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Trust != "" && !mcp.Trust(s.Trust).Valid() {
			return fmt.Errorf("config: server %q has unknown trust %q", s.ID, s.Trust)
		}
		switch mcp.Mode(s.PreferredMode) {
		case "", mcp.ModeDirect, mcp.ModeEndpoint:
		default:
			return fmt.Errorf("config: server %q has unknown preferred_mode %q", s.ID, s.PreferredMode)
		}
		switch s.Transport {
		case "", TransportStdio, TransportHTTP, TransportSSE:
		default:
			return fmt.Errorf("config: server %q has unknown transport %q", s.ID, s.Transport)
		}
		if s.Command != "" && s.URL != "" {
			return fmt.Errorf("config: server %q sets both command and url", s.ID)
		}
	}
	if err := c.Scheduler.validate(seen); err != nil {
		return err
	}
	return c.Observability.Validate()
}

func (s SchedulerConfig) validate(servers map[string]struct{}) error {
	switch s.ConcurrencyPolicy {
	case "", "skip", "delay":
	default:
		return fmt.Errorf("config: unknown scheduler concurrency_policy %q", s.ConcurrencyPolicy)
	}
	names := make(map[string]struct{}, len(s.Triggers))
	for i, t := range s.Triggers {
		if t.Name == "" {
			return fmt.Errorf("config: scheduler.triggers[%d] has no name", i)
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("config: duplicate trigger %q", t.Name)
		}
		names[t.Name] = struct{}{}
		if err := scheduler.ValidateSchedule(t.Schedule); err != nil {
			return fmt.Errorf("config: trigger %q: %w", t.Name, err)
		}
		if t.Tool == "" {
			continue
		}
		if _, ok := servers[t.Server]; !ok {
			return fmt.Errorf("config: trigger %q calls unknown server %q", t.Name, t.Server)
		}
	}
	return nil
}
