package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"alexrt/internal/config"
	"alexrt/internal/di"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"
	"alexrt/internal/observability"

	"github.com/fatih/color"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// app carries the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	jsonOutput bool
	noColor    bool

	// Injected by tests.
	loadOptions []config.Option
	diOptions   []di.Option

	cfg       config.Config
	meta      config.Metadata
	loaded    bool
	container *di.Container
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// loadConfig resolves configuration and configures logging. It runs before
// every command.
func (a *app) loadConfig() error {
	if a.loaded {
		return nil
	}
	opts := append([]config.Option(nil), a.loadOptions...)
	if a.configPath != "" {
		opts = append(opts, config.WithConfigPath(a.configPath))
	}
	if a.logLevel != "" {
		opts = append(opts, config.WithOverride("observability.logging.level", a.logLevel))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg, a.meta, a.loaded = cfg, meta, true

	logCfg := cfg.LoggingConfig()
	logCfg.Output = a.stderr
	logging.Configure(logCfg)
	if a.noColor {
		color.NoColor = true
	}
	return nil
}

// runtime builds the container on first use and seeds the registry.
func (a *app) runtime(ctx context.Context) (*di.Container, error) {
	if a.container != nil {
		return a.container, nil
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	c, err := di.BuildContainer(a.cfg, a.diOptions...)
	if err != nil {
		return nil, err
	}
	a.container = c
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// runEngineCommand dispatches op through the engine commands inside a CLI
// span and decodes the result into out.
func (a *app) runEngineCommand(ctx context.Context, op mcp.Op, params any, out any) error {
	c, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if params != nil {
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
	}

	ctx, span := c.Tracing.StartSpan(ctx, observability.SpanCLICommand, attribute.String("alexrt.command", string(op)))
	defer span.End()
	result, err := c.Commands.Run(ctx, op, raw)
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return json.Unmarshal(encoded, out)
}

func (a *app) close() {
	if a.container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.container.Cleanup(ctx); err != nil {
		fmt.Fprintf(a.stderr, "Cleanup error: %v\n", err)
	}
	a.container = nil
}
