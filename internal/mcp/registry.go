package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/host"
	"alexrt/internal/logging"
)

const registryKey = "mcp/server-registry/v1"

// RegistryScope selects which registry record a mutation targets.
type RegistryScope string

const (
	RegistryScopeApp       RegistryScope = "app"
	RegistryScopeWorkspace RegistryScope = "workspace"
)

// RegistryRecord is the stored registry document.
type RegistryRecord struct {
	SchemaVersion  int                     `json:"schemaVersion"`
	Servers        map[string]ServerConfig `json:"servers"`
	ManagedServers map[string]ServerConfig `json:"managedServers,omitempty"`
}

// LegacyServer is an entry from the pre-registry server list.
type LegacyServer struct {
	ID          string
	DisplayName string
	Enabled     *bool
}

func emptyRecord() RegistryRecord {
	return RegistryRecord{SchemaVersion: 1, Servers: map[string]ServerConfig{}}
}

// Registry stores server configs per app and per workspace. Writes are
// compare-and-swap on the storage version token and retried on conflict.
type Registry struct {
	storage     host.Storage
	appNS       host.Namespace
	workspaceNS *host.Namespace
	logger      logging.Logger
	retry       alexerrors.RetryConfig
}

// NewRegistry builds a registry. An empty workspaceID disables workspace overrides.
func NewRegistry(storage host.Storage, workspaceID string, logger logging.Logger) *Registry {
	r := &Registry{
		storage: storage,
		appNS:   host.AppNamespace(),
		logger:  logging.OrNop(logger),
		retry: alexerrors.RetryConfig{
			MaxAttempts:  5,
			BaseDelay:    5 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			JitterFactor: 0.5,
			ShouldRetry:  func(err error) bool { return errors.Is(err, host.ErrConflict) },
		},
	}
	if workspaceID != "" {
		ns := host.WorkspaceNamespace(workspaceID)
		r.workspaceNS = &ns
	}
	return r
}

func sanitizeServer(id string, cfg ServerConfig) (ServerConfig, bool) {
	if cfg.ID == "" || cfg.ID != id || cfg.DisplayName == "" || !cfg.Trust.Valid() {
		return ServerConfig{}, false
	}
	if cfg.PreferredMode != ModeDirect && cfg.PreferredMode != ModeEndpoint {
		cfg.PreferredMode = ""
	}
	return cfg, true
}

func (r *Registry) read(ctx context.Context, ns host.Namespace) (RegistryRecord, string, error) {
	rec, err := r.storage.Get(ctx, ns, registryKey)
	if errors.Is(err, host.ErrNotFound) {
		return emptyRecord(), "", nil
	}
	if err != nil {
		return RegistryRecord{}, "", fmt.Errorf("read server registry (%s): %w", ns, err)
	}
	var raw RegistryRecord
	if err := json.Unmarshal(rec.Value, &raw); err != nil || raw.SchemaVersion != 1 {
		r.logger.Warn("server registry (%s) unreadable, starting empty", ns)
		return emptyRecord(), rec.Version, nil
	}
	out := emptyRecord()
	for id, cfg := range raw.Servers {
		if clean, ok := sanitizeServer(id, cfg); ok {
			out.Servers[id] = clean
		}
	}
	for id, cfg := range raw.ManagedServers {
		cfg.Trust = TrustManaged
		if clean, ok := sanitizeServer(id, cfg); ok {
			if out.ManagedServers == nil {
				out.ManagedServers = map[string]ServerConfig{}
			}
			out.ManagedServers[id] = clean
		}
	}
	return out, rec.Version, nil
}

func (r *Registry) update(ctx context.Context, ns host.Namespace, mutate func(*RegistryRecord) error) error {
	return alexerrors.Retry(ctx, r.retry, func(ctx context.Context) error {
		record, version, err := r.read(ctx, ns)
		if err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode server registry: %w", err)
		}
		if _, err := r.storage.Set(ctx, ns, registryKey, data, version); err != nil {
			return fmt.Errorf("write server registry (%s): %w", ns, err)
		}
		return nil
	}, r.logger)
}

func (r *Registry) scopeNS(scope RegistryScope) host.Namespace {
	if scope == RegistryScopeWorkspace && r.workspaceNS != nil {
		return *r.workspaceNS
	}
	return r.appNS
}

// Snapshot returns the app record and, when configured, the workspace record.
func (r *Registry) Snapshot(ctx context.Context) (RegistryRecord, *RegistryRecord, error) {
	app, _, err := r.read(ctx, r.appNS)
	if err != nil {
		return RegistryRecord{}, nil, err
	}
	if r.workspaceNS == nil {
		return app, nil, nil
	}
	ws, _, err := r.read(ctx, *r.workspaceNS)
	if err != nil {
		return RegistryRecord{}, nil, err
	}
	return app, &ws, nil
}

// ListServers merges app and managed servers, overlays workspace overrides
// onto servers that already exist, and sorts by display name.
func (r *Registry) ListServers(ctx context.Context) ([]ServerConfig, error) {
	app, ws, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]ServerConfig, len(app.Servers)+len(app.ManagedServers))
	for id, cfg := range app.Servers {
		merged[id] = cfg
	}
	for id, cfg := range app.ManagedServers {
		merged[id] = cfg
	}
	if ws != nil {
		for id, override := range ws.Servers {
			if _, ok := merged[id]; ok {
				merged[id] = override
			}
		}
	}
	out := make([]ServerConfig, 0, len(merged))
	for _, cfg := range merged {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Server returns the merged config for id, or nil when unknown.
func (r *Registry) Server(ctx context.Context, id string) (*ServerConfig, error) {
	servers, err := r.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if servers[i].ID == id {
			return &servers[i], nil
		}
	}
	return nil, nil
}

// Upsert writes cfg into the given scope. Managed servers cannot be edited.
func (r *Registry) Upsert(ctx context.Context, cfg ServerConfig, scope RegistryScope) error {
	if cfg.Trust == TrustManaged {
		return ProtocolError("Managed MCP servers cannot be edited")
	}
	clean, ok := sanitizeServer(cfg.ID, cfg)
	if !ok {
		return ProtocolError(fmt.Sprintf("invalid MCP server config %q", cfg.ID))
	}
	return r.update(ctx, r.scopeNS(scope), func(rec *RegistryRecord) error {
		rec.Servers[clean.ID] = clean
		return nil
	})
}

// Remove deletes id from the given scope.
func (r *Registry) Remove(ctx context.Context, id string, scope RegistryScope) error {
	return r.update(ctx, r.scopeNS(scope), func(rec *RegistryRecord) error {
		delete(rec.Servers, id)
		return nil
	})
}

// SetManagedServers replaces the managed set in the app record.
func (r *Registry) SetManagedServers(ctx context.Context, servers []ServerConfig) error {
	return r.update(ctx, r.appNS, func(rec *RegistryRecord) error {
		rec.ManagedServers = make(map[string]ServerConfig, len(servers))
		for _, s := range servers {
			s.Trust = TrustManaged
			rec.ManagedServers[s.ID] = s
		}
		return nil
	})
}

// ImportLegacyServers adds trusted app entries for each legacy server.
func (r *Registry) ImportLegacyServers(ctx context.Context, legacy []LegacyServer) error {
	return r.update(ctx, r.appNS, func(rec *RegistryRecord) error {
		for _, s := range legacy {
			if s.ID == "" {
				continue
			}
			name := s.DisplayName
			if name == "" {
				name = s.ID
			}
			enabled := true
			if s.Enabled != nil {
				enabled = *s.Enabled
			}
			rec.Servers[s.ID] = ServerConfig{ID: s.ID, DisplayName: name, Enabled: enabled, Trust: TrustTrusted}
		}
		return nil
	})
}
