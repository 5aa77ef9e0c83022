package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/logging"
)

// ProcessManager owns the lifecycle of a stdio server process.
type ProcessManager struct {
	command  string
	args     []string
	env      []string
	process  *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	exited   chan struct{}
	stopChan chan struct{}
	waitDone chan error
}

// ProcessConfig configures a stdio server process.
type ProcessConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// NewProcessManager creates a manager for config. The process inherits the
// parent environment with config.Env layered on top.
func NewProcessManager(config ProcessConfig, logger logging.Logger) *ProcessManager {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger(fmt.Sprintf("ProcessManager[%s]", config.Command))
	}
	pm := &ProcessManager{
		command:  config.Command,
		args:     config.Args,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	if len(config.Env) > 0 {
		keys := make([]string, 0, len(config.Env))
		for k := range config.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pm.env = os.Environ()
		for _, k := range keys {
			pm.env = append(pm.env, k+"="+config.Env[k])
		}
	}
	return pm
}

// Start spawns the process. The process is not tied to ctx; Stop ends it.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}

	pm.stopChan = make(chan struct{})
	pm.waitDone = make(chan error, 1)
	pm.exited = make(chan struct{})

	pm.logger.Info("Starting MCP server: %s %v", pm.command, pm.args)
	pm.process = exec.Command(resolved, pm.args...)
	pm.process.Env = pm.env

	if pm.stdin, err = pm.process.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if pm.stdout, err = pm.process.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if pm.stderr, err = pm.process.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := pm.process.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.running = true
	pm.logger.Info("MCP server started with PID: %d", pm.process.Process.Pid)

	stderr, stopChan := pm.stderr, pm.stopChan
	async.Go(pm.logger, "mcp.monitorStderr", func() { pm.monitorStderr(stderr, stopChan) })
	process, waitDone, exited := pm.process, pm.waitDone, pm.exited
	async.Go(pm.logger, "mcp.monitorExit", func() { pm.monitorExit(process, waitDone, exited) })
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Stop closes stdin and waits up to timeout for the process to exit before
// killing it.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.logger.Info("Stopping MCP server (timeout: %v)", timeout)
	pm.running = false
	stopChan, exited, process, stdin := pm.stopChan, pm.exited, pm.process, pm.stdin
	pm.mu.Unlock()

	close(stopChan)
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
		pm.logger.Debug("Process exited gracefully")
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("Graceful shutdown timeout, killing process")
		if process != nil && process.Process != nil {
			if err := process.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill process: %w", err)
			}
		}
		return nil
	}
}

// IsRunning reports whether the process is up.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Write sends data to the process stdin.
func (pm *ProcessManager) Write(data []byte) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running || pm.stdin == nil {
		return 0, fmt.Errorf("process not running")
	}
	n, err := pm.stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("failed to write to stdin: %w", err)
	}
	return n, nil
}

// Stdout returns the process stdout.
func (pm *ProcessManager) Stdout() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

// Exited is closed when the current process exits.
func (pm *ProcessManager) Exited() <-chan struct{} {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.exited
}

func (pm *ProcessManager) monitorStderr(stderr io.Reader, stopChan <-chan struct{}) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-stopChan:
			return
		default:
			pm.logger.Debug("[STDERR] %s", scanner.Text())
		}
	}
}

func (pm *ProcessManager) monitorExit(process *exec.Cmd, waitDone chan<- error, exited chan struct{}) {
	err := process.Wait()
	waitDone <- err
	close(exited)

	pm.mu.Lock()
	wasRunning := pm.running && pm.process == process
	if wasRunning {
		pm.running = false
	}
	pm.mu.Unlock()

	if wasRunning {
		if err != nil {
			pm.logger.Error("Process exited unexpectedly: %v", err)
		} else {
			pm.logger.Warn("Process exited unexpectedly (no error)")
		}
	}
}
