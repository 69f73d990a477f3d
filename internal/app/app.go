// Package app wires the component manager, interpreter, worker pool and
// message bus into a runnable application.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/stellard/internal/addon"
	"github.com/vk/stellard/internal/bus"
	"github.com/vk/stellard/internal/config"
	"github.com/vk/stellard/internal/ctxlog"
	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/internal/manager"
	"github.com/vk/stellard/internal/modloader"
	"github.com/vk/stellard/internal/registry"
	"github.com/vk/stellard/internal/workpool"
	"github.com/vk/stellard/modules"
	"github.com/vk/stellard/modules/driverfn"
	"github.com/vk/stellard/modules/sysfn"
)

// App encapsulates the application's dependencies, configuration and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config

	pool    *workpool.Pool
	bus     *bus.Bus[any]
	manager *manager.Manager
	interp  *interp.Interpreter
	drivers *driverfn.Module
	host    *modules.Host
}

// New constructs a fully wired application from the effective config.
func New(outW io.Writer, cfg *config.Config, extra ...modules.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	pool := workpool.New(cfg.Workers)
	messageBus := bus.New[any](cfg.BusCap)

	componentManager := manager.New(
		modloader.New(),
		addon.NewRegistry(),
		registry.New(),
		manager.Options{
			EnvVar:     cfg.ModulePathEnv,
			ModuleRoot: cfg.ModuleRoot,
			DriverOutput: func(name string, data []byte) {
				logger.Info("Driver output.", "driver", name, "output", strings.TrimRight(string(data), "\n"))
			},
		},
	)

	interpreter := interp.New(ctx, interp.Options{
		Pool:          pool,
		Bus:           messageBus,
		ScriptDir:     cfg.ScriptDir,
		EventQueueCap: cfg.EventQueueCap,
	})

	drivers := driverfn.New()
	host := &modules.Host{Ctx: ctx, Interp: interpreter, Manager: componentManager, Bus: messageBus}
	registered := []modules.Module{&sysfn.Module{}, drivers}
	registered = append(registered, extra...)
	for _, mod := range registered {
		if err := mod.Register(host); err != nil {
			pool.Close()
			messageBus.Close()
			return nil, fmt.Errorf("failed to register function module: %w", err)
		}
	}
	logger.Debug("Function modules registered.", "count", len(registered))

	return &App{
		outW:    outW,
		logger:  logger,
		cfg:     cfg,
		pool:    pool,
		bus:     messageBus,
		manager: componentManager,
		interp:  interpreter,
		drivers: drivers,
		host:    host,
	}, nil
}

// Interp returns the application's interpreter. Primarily for testing.
func (a *App) Interp() *interp.Interpreter { return a.interp }

// Manager returns the component manager. Primarily for testing.
func (a *App) Manager() *manager.Manager { return a.manager }

// Bus returns the application message bus.
func (a *App) Bus() *bus.Bus[any] { return a.bus }

// Run loads components and scripts, executes auto-run scripts, and blocks
// until ctx is cancelled or every auto-run script has finished. Shutdown is
// orderly: interpreter, drivers, components, pool, bus.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	defer a.shutdown(ctx)

	if err := a.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("component loading failed: %w", err)
	}

	if err := a.loadScripts(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- a.interp.ExecuteAll() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.Info("Shutdown requested.")
		a.interp.Stop()
		<-done
		return nil
	}
}

// loadScripts registers every .json script in the task folder under its
// base name.
func (a *App) loadScripts(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	dir := a.cfg.ScriptDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Info("Script directory does not exist, skipping.", "dir", dir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read script directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read script %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		if err := a.interp.LoadScript(name, raw); err != nil {
			logger.Warn("Skipping invalid script.", "script", entry.Name(), "error", err)
			continue
		}
	}
	return nil
}

func (a *App) shutdown(ctx context.Context) {
	a.interp.Stop()
	a.drivers.StopAll(a.host)
	if err := a.manager.Teardown(ctx); err != nil {
		a.logger.Error("Component teardown failed.", "error", err)
	}
	a.pool.Close()
	a.bus.Close()
	a.logger.Info("Shutdown complete.")
}
