// Package depgraph orders addons and components so that every dependency
// loads before its dependents, and rejects cyclic declarations.
package depgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/stellard/internal/component"
)

// Graph collects component entries and derives a load order from their
// declared dependencies. Edges are never stored separately: they are read
// off each entry's Dependencies list when an order is requested, so the
// graph cannot drift from the manifests it was built from.
type Graph struct {
	mu      sync.RWMutex
	entries map[string]component.Entry
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{entries: make(map[string]component.Entry)}
}

// Add registers a component entry under its fully-qualified name. No two
// components may share an FQN, whether they come from the same addon or not.
func (g *Graph) Add(entry component.Entry) error {
	fqn := entry.FQN()
	if fqn == "." {
		return fmt.Errorf("component entry lacks an addon and component name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[fqn]; exists {
		return fmt.Errorf("duplicate component %q", fqn)
	}
	g.entries[fqn] = entry
	return nil
}

// LoadOrder returns the entries ordered so that every declared dependency
// precedes its dependents. Among components whose dependencies are already
// satisfied, the lexicographically smallest FQN loads next, which makes the
// order deterministic regardless of declaration order. Empty dependency
// names are ignored; self-references, unknown dependencies and cycles are
// fatal.
func (g *Graph) LoadOrder() ([]component.Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// unmet counts the dependencies each component still waits on; awaited
	// is the reverse view used to release dependents as their dependencies
	// are placed.
	unmet := make(map[string]int, len(g.entries))
	awaited := make(map[string][]string)
	for fqn, entry := range g.entries {
		unmet[fqn] = 0
		for _, dep := range entry.Dependencies {
			if dep == "" {
				continue
			}
			if dep == fqn {
				return nil, fmt.Errorf("component %s depends on itself", fqn)
			}
			if _, known := g.entries[dep]; !known {
				return nil, fmt.Errorf("component %s declares unknown dependency %q", fqn, dep)
			}
			unmet[fqn]++
			awaited[dep] = append(awaited[dep], fqn)
		}
	}

	var ready []string
	for fqn, count := range unmet {
		if count == 0 {
			ready = append(ready, fqn)
		}
	}
	sort.Strings(ready)

	order := make([]component.Entry, 0, len(g.entries))
	for len(ready) > 0 {
		fqn := ready[0]
		ready = ready[1:]
		order = append(order, g.entries[fqn])

		for _, dependent := range awaited[fqn] {
			unmet[dependent]--
			if unmet[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(order) != len(g.entries) {
		return nil, fmt.Errorf("dependency cycle among %s", stuckComponents(unmet))
	}
	return order, nil
}

// insertSorted places fqn into an already-sorted ready list.
func insertSorted(ready []string, fqn string) []string {
	pos := sort.SearchStrings(ready, fqn)
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = fqn
	return ready
}

// stuckComponents names the components a cycle left waiting, for the error
// message.
func stuckComponents(unmet map[string]int) string {
	var stuck []string
	for fqn, count := range unmet {
		if count > 0 {
			stuck = append(stuck, fqn)
		}
	}
	sort.Strings(stuck)
	out := ""
	for i, fqn := range stuck {
		if i > 0 {
			out += ", "
		}
		out += fqn
	}
	return out
}
