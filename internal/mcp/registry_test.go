package mcp

import (
	"context"
	"sync"
	"testing"

	"alexrt/internal/host"
	"alexrt/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryMergesManagedAndWorkspaceOverrides(t *testing.T) {
	ctx := context.Background()
	storage := host.NewMemoryStorage()
	reg := NewRegistry(storage, "ws1", logging.Nop())

	require.NoError(t, reg.Upsert(ctx, ServerConfig{ID: "b", DisplayName: "Beta", Enabled: true, Trust: TrustTrusted}, RegistryScopeApp))
	require.NoError(t, reg.Upsert(ctx, ServerConfig{ID: "a", DisplayName: "Alpha", Enabled: true, Trust: TrustUntrusted}, RegistryScopeApp))
	require.NoError(t, reg.SetManagedServers(ctx, []ServerConfig{{ID: "m", DisplayName: "Managed", Enabled: true, Trust: TrustTrusted}}))

	require.NoError(t, reg.Upsert(ctx, ServerConfig{ID: "a", DisplayName: "Alpha", Enabled: false, Trust: TrustUntrusted}, RegistryScopeWorkspace))
	require.NoError(t, reg.Upsert(ctx, ServerConfig{ID: "ghost", DisplayName: "Ghost", Enabled: true, Trust: TrustTrusted}, RegistryScopeWorkspace))

	servers, err := reg.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 3)
	assert.Equal(t, "Alpha", servers[0].DisplayName)
	assert.False(t, servers[0].Enabled)
	assert.Equal(t, "Beta", servers[1].DisplayName)
	assert.Equal(t, "Managed", servers[2].DisplayName)
	assert.Equal(t, TrustManaged, servers[2].Trust)

	ghost, err := reg.Server(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, ghost)

	err = reg.Upsert(ctx, ServerConfig{ID: "m", DisplayName: "Hijack", Trust: TrustManaged}, RegistryScopeApp)
	assert.True(t, HasCode(err, CodeProtocolError))
}

func TestRegistryDropsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	storage := host.NewMemoryStorage()
	raw := `{"schemaVersion":1,"servers":{
		"ok":{"id":"ok","displayName":"Ok","enabled":true,"trust":"trusted","preferredMode":"carrier-pigeon"},
		"mismatch":{"id":"other","displayName":"X","enabled":true,"trust":"trusted"},
		"notrust":{"id":"notrust","displayName":"N","enabled":true,"trust":"sketchy"}}}`
	_, err := storage.Set(ctx, host.AppNamespace(), registryKey, []byte(raw), "")
	require.NoError(t, err)

	servers, err := NewRegistry(storage, "", logging.Nop()).ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "ok", servers[0].ID)
	assert.Equal(t, Mode(""), servers[0].PreferredMode)

	_, err = storage.Set(ctx, host.AppNamespace(), registryKey, []byte(`{"schemaVersion":7}`), "")
	require.NoError(t, err)
	servers, err = NewRegistry(storage, "", logging.Nop()).ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestRegistryConcurrentWritesAllLand(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(host.NewMemoryStorage(), "", logging.Nop())
	require.NoError(t, reg.Upsert(ctx, ServerConfig{ID: "s0", DisplayName: "s0", Trust: TrustTrusted}, RegistryScopeApp))

	var wg sync.WaitGroup
	ids := []string{"s1", "s2", "s3", "s4"}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Upsert(ctx, ServerConfig{ID: id, DisplayName: id, Enabled: true, Trust: TrustTrusted}, RegistryScopeApp))
		}()
	}
	wg.Wait()

	servers, err := reg.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, len(ids)+1)
}

func TestRegistryImportLegacyServers(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(host.NewMemoryStorage(), "", logging.Nop())
	disabled := false
	require.NoError(t, reg.ImportLegacyServers(ctx, []LegacyServer{
		{ID: "fs"},
		{ID: "web", DisplayName: "Web", Enabled: &disabled},
		{ID: ""},
	}))

	fs, err := reg.Server(ctx, "fs")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, "fs", fs.DisplayName)
	assert.True(t, fs.Enabled)
	assert.Equal(t, TrustTrusted, fs.Trust)

	web, err := reg.Server(ctx, "web")
	require.NoError(t, err)
	require.NotNil(t, web)
	assert.False(t, web.Enabled)

	require.NoError(t, reg.Remove(ctx, "fs", RegistryScopeApp))
	fs, err = reg.Server(ctx, "fs")
	require.NoError(t, err)
	assert.Nil(t, fs)
}
