package addon

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry tracks parsed manifests by key (the addon directory name).
type Registry struct {
	mu        sync.Mutex
	manifests map[string]*Manifest
}

// NewRegistry returns an empty manifest registry.
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]*Manifest)}
}

// AddModule parses the manifest in dir and registers it under key.
func (r *Registry) AddModule(dir, key string) error {
	m, err := ParseFile(dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("addon %q already registered", key)
	}
	r.manifests[key] = m
	slog.Debug("Addon manifest registered.", "key", key, "addon", m.Name, "modules", len(m.Modules))
	return nil
}

// GetModule returns the manifest registered under key.
func (r *Registry) GetModule(key string) (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[key]
	if !ok {
		return nil, fmt.Errorf("addon %q is not registered", key)
	}
	return m, nil
}

// RemoveModule forgets the manifest registered under key.
func (r *Registry) RemoveModule(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manifests[key]; !ok {
		return fmt.Errorf("addon %q is not registered", key)
	}
	delete(r.manifests, key)
	return nil
}
