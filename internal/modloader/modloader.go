// Package modloader opens shared libraries under logical names and
// instantiates components through named factory symbols.
package modloader

import (
	"fmt"
	"log/slog"
	"os"
	"plugin"
	"sync"

	"github.com/vk/stellard/internal/component"
)

// Library is the per-file handle the loader works against. plugin.Plugin
// satisfies it; tests substitute in-memory fakes because building real
// shared objects inside a unit test is not portable.
type Library interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// OpenFunc opens a shared library at path. The default is plugin.Open.
type OpenFunc func(path string) (Library, error)

func defaultOpen(path string) (Library, error) {
	return plugin.Open(path)
}

// Factory is the required signature of every entry symbol: a zero-argument
// constructor returning an owning handle to a component.
type Factory = func() component.Component

type module struct {
	path     string
	lib      Library
	refCount int
}

// Loader tracks open shared libraries keyed by logical name and enforces
// reference counts on unload.
type Loader struct {
	mu      sync.Mutex
	open    OpenFunc
	modules map[string]*module
}

// New returns a loader backed by the Go plugin runtime.
func New() *Loader {
	return NewWithOpener(defaultOpen)
}

// NewWithOpener returns a loader using a custom library opener.
func NewWithOpener(open OpenFunc) *Loader {
	return &Loader{open: open, modules: make(map[string]*module)}
}

// Load opens the shared library at path and registers it under name.
// Partial failures leave the loader unchanged.
func (l *Loader) Load(path, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, loaded := l.modules[name]; loaded {
		return fmt.Errorf("module %q already loaded", name)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("module %q: library %s does not exist: %w", name, path, err)
	}

	lib, err := l.open(path)
	if err != nil {
		return fmt.Errorf("module %q: failed to open %s: %w", name, path, err)
	}

	l.modules[name] = &module{path: path, lib: lib}
	slog.Debug("Module library loaded.", "name", name, "path", path)
	return nil
}

// Has reports whether a library is loaded under name.
func (l *Loader) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.modules[name]
	return ok
}

// HasSymbol reports whether the named module exports sym.
func (l *Loader) HasSymbol(name, sym string) bool {
	l.mu.Lock()
	mod, ok := l.modules[name]
	l.mu.Unlock()
	if !ok || sym == "" {
		return false
	}
	_, err := mod.lib.Lookup(sym)
	return err == nil
}

// Instance resolves entry in the named module, calls it as a component
// factory, and returns the resulting instance. Each successful call pins the
// module with one reference; Release drops it.
func (l *Loader) Instance(name, entry string) (component.Component, error) {
	l.mu.Lock()
	mod, ok := l.modules[name]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module %q is not loaded", name)
	}
	if entry == "" {
		return nil, fmt.Errorf("module %q: empty entry symbol", name)
	}

	sym, err := mod.lib.Lookup(entry)
	if err != nil {
		return nil, fmt.Errorf("module %q: entry symbol %q not found: %w", name, entry, err)
	}

	factory, ok := sym.(Factory)
	if !ok {
		// Plugins export the factory as a variable; dereference once.
		if pf, isPtr := sym.(*Factory); isPtr {
			factory = *pf
		} else {
			return nil, fmt.Errorf("module %q: symbol %q is not a component factory", name, entry)
		}
	}

	instance := factory()
	if instance == nil {
		return nil, fmt.Errorf("module %q: factory %q returned nil", name, entry)
	}

	l.mu.Lock()
	mod.refCount++
	l.mu.Unlock()
	slog.Debug("Component instantiated from module.", "module", name, "entry", entry)
	return instance, nil
}

// Release drops one instance reference taken by Instance.
func (l *Loader) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mod, ok := l.modules[name]; ok && mod.refCount > 0 {
		mod.refCount--
	}
}

// Unload forgets the library registered under name. It fails while any
// instance reference is outstanding. The Go runtime cannot unmap a plugin;
// unloading here means the logical name becomes free again.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mod, ok := l.modules[name]
	if !ok {
		return fmt.Errorf("module %q is not loaded", name)
	}
	if mod.refCount > 0 {
		return fmt.Errorf("module %q still referenced by %d instance(s)", name, mod.refCount)
	}
	delete(l.modules, name)
	slog.Debug("Module library unloaded.", "name", name)
	return nil
}

// UnloadAll unloads every module without outstanding references and reports
// the first failure.
func (l *Loader) UnloadAll() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	l.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := l.Unload(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
