package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alexrt/internal/host"
	"alexrt/internal/logging"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	manifestKeyPrefix    = "mcp/manifest/v1/"
	defaultManifestTTL   = 5 * time.Minute
	defaultMemoryEntries = 128
)

type storedManifest struct {
	SchemaVersion int `json:"schemaVersion"`
	Manifest
}

// Drift reports a manifest whose content hash changed on refresh.
type Drift struct {
	PreviousHash string
	NextHash     string
}

// ManifestCacheOptions configures a ManifestCache.
type ManifestCacheOptions struct {
	Storage       host.Storage
	Clock         host.Clock
	WorkspaceID   string
	TTL           time.Duration
	MemoryEntries int
	Logger        logging.Logger
}

// ManifestCache keeps server manifests in host storage with an in-memory LRU
// tier in front. Entries expire after TTL of kernel clock time.
type ManifestCache struct {
	storage host.Storage
	clock   host.Clock
	ns      host.Namespace
	ttlMs   int64
	mem     *lru.Cache[string, Manifest]
	logger  logging.Logger
}

// NewManifestCache builds a cache. A zero TTL uses the five minute default;
// a negative TTL disables expiry.
func NewManifestCache(opts ManifestCacheOptions) (*ManifestCache, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("manifest cache: storage is required")
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = defaultManifestTTL
	}
	size := opts.MemoryEntries
	if size <= 0 {
		size = defaultMemoryEntries
	}
	mem, err := lru.New[string, Manifest](size)
	if err != nil {
		return nil, fmt.Errorf("manifest cache: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = host.NewSystemClock()
	}
	return &ManifestCache{
		storage: opts.Storage,
		clock:   clock,
		ns:      host.WorkspaceNamespace(opts.WorkspaceID),
		ttlMs:   ttl.Milliseconds(),
		mem:     mem,
		logger:  logging.OrNop(opts.Logger),
	}, nil
}

func manifestKey(serverID string) string { return manifestKeyPrefix + serverID }

func (c *ManifestCache) usable(m Manifest, authIdentityHash string) bool {
	if authIdentityHash != "" && m.AuthIdentityHash != "" && authIdentityHash != m.AuthIdentityHash {
		return false
	}
	if c.ttlMs > 0 && c.clock.NowMs()-m.FetchedAtMonoMs > c.ttlMs {
		return false
	}
	return true
}

// Get returns the cached manifest, or nil when missing, expired, or stored
// under a different auth identity.
func (c *ManifestCache) Get(ctx context.Context, serverID, authIdentityHash string) (*Manifest, error) {
	key := manifestKey(serverID)
	if m, ok := c.mem.Get(key); ok {
		if !c.usable(m, authIdentityHash) {
			return nil, nil
		}
		return &m, nil
	}
	rec, err := c.storage.Get(ctx, c.ns, key)
	if errors.Is(err, host.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest cache get %s: %w", serverID, err)
	}
	var stored storedManifest
	if err := json.Unmarshal(rec.Value, &stored); err != nil || stored.SchemaVersion != 1 || stored.ServerID == "" {
		c.logger.Warn("ignoring unreadable manifest record for %s", serverID)
		return nil, nil
	}
	m := stored.Manifest
	if m.Tools == nil {
		m.Tools = []ToolDescriptor{}
	}
	if m.Resources == nil {
		m.Resources = []ResourceDescriptor{}
	}
	c.mem.Add(key, m)
	if !c.usable(m, authIdentityHash) {
		return nil, nil
	}
	return &m, nil
}

// Set hashes and stores m, replacing any previous entry. When a usable
// previous entry had a different hash the change is returned as drift.
func (c *ManifestCache) Set(ctx context.Context, m Manifest, authIdentityHash string) (Manifest, *Drift, error) {
	hash, err := sha256CanonicalJSON(struct {
		Tools     []ToolDescriptor     `json:"tools"`
		Resources []ResourceDescriptor `json:"resources"`
	}{Tools: m.Tools, Resources: m.Resources})
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("manifest cache hash %s: %w", m.ServerID, err)
	}
	prev, err := c.Get(ctx, m.ServerID, authIdentityHash)
	if err != nil {
		return Manifest{}, nil, err
	}

	m.Hash = hash
	if authIdentityHash != "" {
		m.AuthIdentityHash = authIdentityHash
	}
	data, err := json.Marshal(storedManifest{SchemaVersion: 1, Manifest: m})
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("manifest cache encode %s: %w", m.ServerID, err)
	}
	key := manifestKey(m.ServerID)
	if _, err := c.storage.Set(ctx, c.ns, key, data, ""); err != nil {
		return Manifest{}, nil, fmt.Errorf("manifest cache set %s: %w", m.ServerID, err)
	}
	c.mem.Add(key, m)

	var drift *Drift
	if prev != nil && prev.Hash != hash {
		drift = &Drift{PreviousHash: prev.Hash, NextHash: hash}
		c.logger.Info("manifest drift for %s: %s -> %s", m.ServerID, shortHash(prev.Hash), shortHash(hash))
	}
	return m, drift, nil
}

// Invalidate drops the entry for serverID.
func (c *ManifestCache) Invalidate(ctx context.Context, serverID string) error {
	key := manifestKey(serverID)
	c.mem.Remove(key)
	if err := c.storage.Delete(ctx, c.ns, key, ""); err != nil && !errors.Is(err, host.ErrNotFound) {
		return fmt.Errorf("manifest cache invalidate %s: %w", serverID, err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
