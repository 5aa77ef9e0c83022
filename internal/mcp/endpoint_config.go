package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"alexrt/internal/host"
	"alexrt/internal/logging"
)

const (
	endpointConfigKey = "mcp/endpoint-config/v1"
	// DefaultSessionSecretName names the secret hashed into the auth identity.
	DefaultSessionSecretName = "claude_code/session_access_token"
)

// DiscoverFunc looks up a relay config when nothing usable is stored.
type DiscoverFunc func(ctx context.Context) (*EndpointConfig, error)

// EndpointConfigOptions configures an EndpointConfigProvider.
type EndpointConfigOptions struct {
	Storage     host.Storage
	Secrets     host.Secrets
	WallClock   host.WallClock
	WorkspaceID string
	// TTL bounds how long a resolved value is memoized in process.
	TTL time.Duration
	// Explicit short-circuits every lookup when set.
	Explicit   *EndpointConfig
	Discover   DiscoverFunc
	SecretName string
	Logger     logging.Logger
}

type storedEndpointConfig struct {
	SchemaVersion int `json:"schemaVersion"`
	EndpointConfig
}

// EndpointConfigProvider resolves the relay URL and credential. Stored
// configs are dropped once expired or when the session identity changed.
type EndpointConfigProvider struct {
	opts   EndpointConfigOptions
	ns     host.Namespace
	logger logging.Logger

	mu          sync.Mutex
	memo        *EndpointConfig
	memoized    bool
	memoExpires int64
}

// NewEndpointConfigProvider builds a provider.
func NewEndpointConfigProvider(opts EndpointConfigOptions) *EndpointConfigProvider {
	if opts.WallClock == nil {
		opts.WallClock = host.NewSystemClock()
	}
	if opts.SecretName == "" {
		opts.SecretName = DefaultSessionSecretName
	}
	return &EndpointConfigProvider{
		opts:   opts,
		ns:     host.WorkspaceNamespace(opts.WorkspaceID),
		logger: logging.OrNop(opts.Logger),
	}
}

// IdentityHash returns the SHA-256 of the session secret, or "" when the
// secret is unavailable.
func (p *EndpointConfigProvider) IdentityHash(ctx context.Context) (string, error) {
	if p.opts.Secrets == nil {
		return "", nil
	}
	token, ok, err := p.opts.Secrets.GetSecret(ctx, p.opts.SecretName)
	if err != nil {
		return "", fmt.Errorf("read session secret: %w", err)
	}
	if !ok {
		return "", nil
	}
	return sha256Hex([]byte(token)), nil
}

// Get returns the current endpoint config, or nil when none is known.
func (p *EndpointConfigProvider) Get(ctx context.Context) (*EndpointConfig, error) {
	if p.opts.Explicit != nil {
		cfg := *p.opts.Explicit
		return &cfg, nil
	}
	now := p.opts.WallClock.NowWallMs()

	p.mu.Lock()
	if p.memoized && p.memoExpires > now {
		memo := p.memo
		p.mu.Unlock()
		return memo, nil
	}
	p.mu.Unlock()

	cfg, err := p.loadStored(ctx, now)
	if err != nil {
		return nil, err
	}
	if cfg == nil && p.opts.Discover != nil {
		cfg, err = p.opts.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover endpoint config: %w", err)
		}
		if cfg != nil {
			if err := p.store(ctx, cfg, now); err != nil {
				p.logger.Warn("failed to persist discovered endpoint config: %v", err)
			}
		}
	}

	p.mu.Lock()
	p.memo = cfg
	p.memoized = true
	p.memoExpires = now + p.opts.TTL.Milliseconds()
	p.mu.Unlock()
	return cfg, nil
}

func (p *EndpointConfigProvider) loadStored(ctx context.Context, now int64) (*EndpointConfig, error) {
	if p.opts.Storage == nil {
		return nil, nil
	}
	rec, err := p.opts.Storage.Get(ctx, p.ns, endpointConfigKey)
	if errors.Is(err, host.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint config: %w", err)
	}
	var stored storedEndpointConfig
	if err := json.Unmarshal(rec.Value, &stored); err != nil || stored.URL == "" || stored.BearerKey == "" {
		return nil, nil
	}
	if stored.ExpiresAtWallMs != 0 && stored.ExpiresAtWallMs <= now {
		return nil, nil
	}
	current, err := p.IdentityHash(ctx)
	if err != nil {
		return nil, err
	}
	if stored.AuthIdentityHash != "" && current != "" && stored.AuthIdentityHash != current {
		p.logger.Info("stored endpoint config belongs to another identity, ignoring")
		return nil, nil
	}
	cfg := stored.EndpointConfig
	return &cfg, nil
}

func (p *EndpointConfigProvider) store(ctx context.Context, cfg *EndpointConfig, now int64) error {
	if p.opts.Storage == nil {
		return nil
	}
	identity, err := p.IdentityHash(ctx)
	if err != nil {
		return err
	}
	record := storedEndpointConfig{SchemaVersion: 1, EndpointConfig: *cfg}
	if record.FetchedAtWallMs == 0 {
		record.FetchedAtWallMs = now
	}
	record.AuthIdentityHash = identity
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = p.opts.Storage.Set(ctx, p.ns, endpointConfigKey, data, "")
	return err
}

// Invalidate forgets the memoized and stored config.
func (p *EndpointConfigProvider) Invalidate(ctx context.Context, reason string) error {
	p.mu.Lock()
	p.memo = nil
	p.memoized = false
	p.mu.Unlock()
	p.logger.Info("endpoint config invalidated: %s", reason)
	if p.opts.Storage == nil {
		return nil
	}
	if err := p.opts.Storage.Delete(ctx, p.ns, endpointConfigKey, ""); err != nil && !errors.Is(err, host.ErrNotFound) {
		return fmt.Errorf("invalidate endpoint config: %w", err)
	}
	return nil
}
