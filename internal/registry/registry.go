package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/stellard/internal/component"
)

// Registry maps fully-qualified component names to live instances. It is the
// only strong owner of component instances; everything else takes weak
// borrows via Weak so that Remove actually tears the instance down.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	instance component.Component
	borrows  int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add publishes an instance under name. Duplicate names are an error; the
// registry enforces single-instance semantics per FQN.
func (r *Registry) Add(name string, instance component.Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("component %q already registered", name)
	}
	slog.Debug("Registering component instance.", "name", name)
	r.entries[name] = &entry{instance: instance}
	return nil
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (component.Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("component %q is not registered", name)
	}
	return e.instance, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered fully-qualified names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Weak returns a weak borrow for name. The borrow resolves against the
// registry at Upgrade time, so it observes removal.
func (r *Registry) Weak(name string) *Ref {
	return &Ref{registry: r, name: name}
}

// Remove unregisters name. It fails while any weak holder has escalated its
// borrow to a strong reference.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("component %q is not registered", name)
	}
	if e.borrows > 0 {
		return fmt.Errorf("component %q still has %d escalated borrow(s)", name, e.borrows)
	}
	delete(r.entries, name)
	slog.Debug("Unregistered component instance.", "name", name)
	return nil
}

// Ref is a handle-based weak reference: it names a registry slot rather than
// pinning the instance, so a removed component stops resolving. Components
// are interface values, which rules out pointer-based weak references.
type Ref struct {
	registry *Registry
	name     string
}

// Name returns the fully-qualified name this borrow resolves.
func (w *Ref) Name() string { return w.name }

// Upgrade escalates the borrow to a strong reference. Callers must Release
// after the call completes.
func (w *Ref) Upgrade() (component.Component, bool) {
	w.registry.mu.Lock()
	defer w.registry.mu.Unlock()

	e, ok := w.registry.entries[w.name]
	if !ok {
		return nil, false
	}
	e.borrows++
	return e.instance, true
}

// Release undoes a successful Upgrade.
func (w *Ref) Release() {
	w.registry.mu.Lock()
	defer w.registry.mu.Unlock()

	if e, ok := w.registry.entries[w.name]; ok && e.borrows > 0 {
		e.borrows--
	}
}
