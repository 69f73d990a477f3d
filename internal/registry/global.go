package registry

import "sync"

// The global registry publishes every loaded instance by its fully-qualified
// name so components can look each other up without holding a manager
// reference. Lifecycle is init-before-first-use, teardown-before-exit.
var (
	globalMu sync.Mutex
	global   *Registry
)

// Global returns the process-wide registry, creating it on first use.
func Global() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// ResetGlobal replaces the process-wide registry with an empty one. Tests
// use this to isolate state between cases.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
