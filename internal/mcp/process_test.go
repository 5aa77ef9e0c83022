package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexrt/internal/logging"
)

func channelClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestProcessManagerReinitializesStopChan(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "sleep", Args: []string{"5"}}, logging.Nop())

	require.NoError(t, pm.Start(context.Background()))
	assert.False(t, channelClosed(pm.stopChan))

	require.NoError(t, pm.Stop(100*time.Millisecond))
	assert.True(t, channelClosed(pm.stopChan))

	require.NoError(t, pm.Start(context.Background()))
	assert.False(t, channelClosed(pm.stopChan), "stopChan is recreated on restart")
	_ = pm.Stop(100 * time.Millisecond)
}

func TestProcessManagerInheritsEnvironmentWhenOverridesProvided(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "run.sh")
	// Without PATH, /usr/bin/env cannot locate sh and the script exits non-zero.
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/usr/bin/env sh\nexit 0\n"), 0o755))

	pm := NewProcessManager(ProcessConfig{
		Command: scriptPath,
		Env:     map[string]string{"TEST_VAR": "test"},
	}, logging.Nop())
	require.NoError(t, pm.Start(context.Background()))

	select {
	case err := <-pm.waitDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
	assert.Eventually(t, func() bool { return !pm.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestProcessManagerRejectsMissingCommand(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "  "}, logging.Nop())
	assert.ErrorContains(t, pm.Start(context.Background()), "command is required")

	_, err := pm.Write([]byte("x"))
	assert.ErrorContains(t, err, "not running")
}
