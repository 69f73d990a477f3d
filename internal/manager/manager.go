// Package manager orchestrates discovery, verification, ordered loading,
// dependency wiring and initialization of components.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/stellard/internal/addon"
	"github.com/vk/stellard/internal/component"
	"github.com/vk/stellard/internal/ctxlog"
	"github.com/vk/stellard/internal/depgraph"
	"github.com/vk/stellard/internal/modloader"
	"github.com/vk/stellard/internal/registry"
	"github.com/vk/stellard/internal/standalone"
)

// DefaultModuleRoot is used when the configured environment variable is
// unset.
const DefaultModuleRoot = "./modules"

// Loader is the slice of the module loader the manager depends on.
type Loader interface {
	Load(path, name string) error
	Instance(name, entry string) (component.Component, error)
	Release(name string)
	Unload(name string) error
}

// Options configure a Manager.
type Options struct {
	// EnvVar names the environment variable that overrides the module root.
	EnvVar string
	// ModuleRoot is the fallback module root.
	ModuleRoot string
	// LibExt overrides the platform shared-library extension (tests).
	LibExt string
	// DriverOutput receives standalone driver output when listening.
	DriverOutput standalone.OutputHandler
}

// Manager wires the loader, addon registry, resolver and component registry
// into the public load/unload/reload contract.
type Manager struct {
	loader     Loader
	addons     *addon.Registry
	components *registry.Registry
	opts       Options

	entries map[string]component.Entry // FQN -> descriptor of loaded components
}

// New constructs a manager over explicit collaborators.
func New(loader Loader, addons *addon.Registry, components *registry.Registry, opts Options) *Manager {
	if opts.ModuleRoot == "" {
		opts.ModuleRoot = DefaultModuleRoot
	}
	if opts.LibExt == "" {
		opts.LibExt = modloader.LibExt()
	}
	return &Manager{
		loader:     loader,
		addons:     addons,
		components: components,
		opts:       opts,
		entries:    make(map[string]component.Entry),
	}
}

// Registry returns the component registry the manager publishes into.
func (m *Manager) Registry() *registry.Registry { return m.components }

// moduleRoot resolves the configured module root, environment first.
func (m *Manager) moduleRoot() string {
	if m.opts.EnvVar != "" {
		if v := os.Getenv(m.opts.EnvVar); v != "" {
			return v
		}
	}
	return m.opts.ModuleRoot
}

// Initialize discovers qualified addon directories and loads every declared
// module in dependency order. An empty module root is a successful no-op;
// load faults during startup abort initialization.
func (m *Manager) Initialize(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	root := m.moduleRoot()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		logger.Info("Module root does not exist, skipping component loading.", "root", root)
		return nil
	}

	// Directory pass: the resolver orders the qualified subdirectories so
	// addons register before anything that depends on them.
	dirs, err := depgraph.ResolveDirectory(ctx, root, m.opts.LibExt)
	if err != nil {
		return fmt.Errorf("failed to resolve addon load order: %w", err)
	}
	if len(dirs) == 0 {
		logger.Info("No modules found, skipping component loading.", "root", root)
		return nil
	}
	logger.Info("Loading modules.", "root", root, "addons", len(dirs))

	// Component pass: register each manifest and collect its declared
	// modules, then derive the finer per-component order, so every
	// component initializes after everything it depends on even within a
	// single addon.
	graph := depgraph.New()
	for _, dir := range dirs {
		path := filepath.Join(root, dir)
		if err := m.addons.AddModule(path, dir); err != nil {
			logger.Warn("Skipping addon with invalid manifest.", "dir", dir, "error", err)
			continue
		}
		manifest, err := m.addons.GetModule(dir)
		if err != nil {
			return err
		}
		logger.Info("Loading addon.", "addon", manifest.Name, "version", manifest.Version)

		for _, decl := range manifest.Modules {
			// Shared modules live in dir/<component><platform-ext>;
			// standalone entries name the driver executable itself.
			libPath := filepath.Join(path, decl.Name+m.opts.LibExt)
			if decl.DeclKind() == component.KindStandalone {
				libPath = filepath.Join(path, decl.Name)
			}
			entry := component.Entry{
				Component:    decl.Name,
				Addon:        manifest.Name,
				Entry:        decl.Entry,
				Kind:         decl.DeclKind(),
				Path:         libPath,
				Dependencies: decl.Dependencies,
			}
			if err := graph.Add(entry); err != nil {
				return err
			}
		}
	}

	order, err := graph.LoadOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve component load order: %w", err)
	}
	for _, entry := range order {
		if err := m.Load(ctx, entry); err != nil {
			return fmt.Errorf("failed to load component %s: %w", entry.FQN(), err)
		}
	}
	return nil
}

// Load brings one declared component to life: load the library (shared) or
// prepare the driver proxy (standalone), inject dependencies, initialize,
// and publish. Any failure unwinds the partial steps and leaves the
// registry in its prior state.
func (m *Manager) Load(ctx context.Context, entry component.Entry) error {
	switch entry.Kind {
	case component.KindStandalone:
		return m.loadStandalone(ctx, entry)
	default:
		return m.loadShared(ctx, entry)
	}
}

func (m *Manager) loadShared(ctx context.Context, entry component.Entry) error {
	logger := ctxlog.FromContext(ctx)
	fqn := entry.FQN()
	logger.Debug("Loading shared component.", "fqn", fqn, "path", entry.Path)

	path := normalizeSeparators(entry.Path)
	if err := m.loader.Load(path, fqn); err != nil {
		return err
	}

	instance, err := m.loader.Instance(fqn, entry.Entry)
	if err != nil {
		m.loader.Unload(fqn)
		return err
	}

	if err := m.wireAndPublish(ctx, fqn, entry, instance); err != nil {
		m.loader.Release(fqn)
		m.loader.Unload(fqn)
		return err
	}
	logger.Info("Loaded shared component.", "fqn", fqn)
	return nil
}

func (m *Manager) loadStandalone(ctx context.Context, entry component.Entry) error {
	logger := ctxlog.FromContext(ctx)
	fqn := entry.FQN()
	logger.Debug("Loading standalone component.", "fqn", fqn, "command", entry.Path)

	proxy := standalone.NewProxy(ctx, fqn, normalizeSeparators(entry.Path), nil, m.opts.DriverOutput)
	if err := m.wireAndPublish(ctx, fqn, entry, proxy); err != nil {
		return err
	}
	logger.Info("Loaded standalone component.", "fqn", fqn)
	return nil
}

// wireAndPublish injects dependency borrows, initializes the instance and
// publishes it to the component registry plus the global name map.
func (m *Manager) wireAndPublish(ctx context.Context, fqn string, entry component.Entry, instance component.Component) error {
	logger := ctxlog.FromContext(ctx)

	for _, dep := range entry.Dependencies {
		if dep == "" {
			logger.Warn("Empty dependency name ignored.", "fqn", fqn)
			continue
		}
		instance.AddDependency(dep, m.components.Weak(dep))
	}

	if err := instance.Initialize(); err != nil {
		return fmt.Errorf("component %s failed to initialize: %w", fqn, err)
	}

	if err := m.components.Add(fqn, instance); err != nil {
		instance.Destroy()
		return err
	}
	if err := registry.Global().Add(fqn, instance); err != nil {
		// Compensate so the registry returns to its prior state.
		m.components.Remove(fqn)
		instance.Destroy()
		return err
	}
	m.entries[fqn] = entry
	return nil
}

// Has reports whether fqn is currently loaded.
func (m *Manager) Has(fqn string) bool {
	_, ok := m.entries[fqn]
	return ok
}

// List returns the loaded fully-qualified names in sorted order.
func (m *Manager) List() []string {
	names := make([]string, 0, len(m.entries))
	for fqn := range m.entries {
		names = append(names, fqn)
	}
	sort.Strings(names)
	return names
}

// dependentsOf returns loaded components that declare fqn as a dependency.
func (m *Manager) dependentsOf(fqn string) []string {
	var out []string
	for name, entry := range m.entries {
		for _, dep := range entry.Dependencies {
			if dep == fqn {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Unload tears one component down. With live dependents it refuses unless
// forced; forced unload first tears each dependent down recursively
// (depth-first, not breadth-first), so every component is destroyed before
// the components it depends on.
func (m *Manager) Unload(ctx context.Context, fqn string, forced bool) error {
	logger := ctxlog.FromContext(ctx)

	entry, ok := m.entries[fqn]
	if !ok {
		return fmt.Errorf("component %q is not loaded", fqn)
	}

	if dependents := m.dependentsOf(fqn); len(dependents) > 0 {
		if !forced {
			return fmt.Errorf("component %q has live dependents: %s", fqn, strings.Join(dependents, ", "))
		}
		for _, dep := range dependents {
			if _, still := m.entries[dep]; !still {
				continue // already torn down as a dependent of an earlier one
			}
			if err := m.Unload(ctx, dep, true); err != nil {
				return err
			}
		}
	}

	instance, err := m.components.Get(fqn)
	if err != nil {
		return err
	}
	if err := instance.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy component %q: %w", fqn, err)
	}
	if err := m.components.Remove(fqn); err != nil {
		return err
	}
	registry.Global().Remove(fqn)

	if entry.Kind == component.KindShared {
		m.loader.Release(fqn)
		if err := m.loader.Unload(fqn); err != nil {
			logger.Warn("Component destroyed but library unload failed.", "fqn", fqn, "error", err)
		}
	}
	delete(m.entries, fqn)
	logger.Info("Unloaded component.", "fqn", fqn, "forced", forced)
	return nil
}

// Reload unloads fqn and loads it again from its retained descriptor.
func (m *Manager) Reload(ctx context.Context, fqn string) error {
	entry, ok := m.entries[fqn]
	if !ok {
		return fmt.Errorf("component %q is not loaded", fqn)
	}
	if err := m.Unload(ctx, fqn, false); err != nil {
		return err
	}
	return m.Load(ctx, entry)
}

// Teardown destroys every loaded component in reverse topological order.
func (m *Manager) Teardown(ctx context.Context) error {
	order, err := m.teardownOrder()
	if err != nil {
		return err
	}
	var firstErr error
	for _, fqn := range order {
		if err := m.Unload(ctx, fqn, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// teardownOrder is the reverse of the dependency load order over the
// currently loaded components. Dependencies on components that are already
// gone are dropped before ordering.
func (m *Manager) teardownOrder() ([]string, error) {
	g := depgraph.New()
	for _, entry := range m.entries {
		trimmed := entry
		trimmed.Dependencies = nil
		for _, dep := range entry.Dependencies {
			if _, loaded := m.entries[dep]; loaded {
				trimmed.Dependencies = append(trimmed.Dependencies, dep)
			}
		}
		if err := g.Add(trimmed); err != nil {
			return nil, err
		}
	}

	order, err := g.LoadOrder()
	if err != nil {
		return nil, err
	}
	fqns := make([]string, len(order))
	for i, entry := range order {
		fqns[len(order)-1-i] = entry.FQN()
	}
	return fqns, nil
}

func normalizeSeparators(path string) string {
	if filepath.Separator == '/' {
		return strings.ReplaceAll(path, "\\", "/")
	}
	return strings.ReplaceAll(path, "/", "\\")
}
