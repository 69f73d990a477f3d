// Package addon parses per-addon package manifests and tracks them by key.
package addon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/stellard/internal/component"
)

// ManifestName is the manifest filename every qualified addon directory
// must contain.
const ManifestName = "package.json"

// ModuleDecl is one declared module of an addon manifest.
type ModuleDecl struct {
	Name         string   `json:"name"`
	Entry        string   `json:"entry"`
	Kind         string   `json:"kind,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Manifest is the parsed per-addon package descriptor.
type Manifest struct {
	Name    string       `json:"name"`
	Version string       `json:"version,omitempty"`
	Author  string       `json:"author,omitempty"`
	Modules []ModuleDecl `json:"modules"`
}

// Parse decodes and validates a manifest from raw JSON. Validation is a hard
// precondition: a single invalid module entry rejects the whole manifest.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest is not a JSON object: %w", err)
	}
	if _, ok := raw["name"]; !ok {
		return nil, fmt.Errorf("manifest is missing required field %q", "name")
	}
	if _, ok := raw["modules"]; !ok {
		return nil, fmt.Errorf("manifest is missing required field %q", "modules")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %q must be a non-empty string", "name")
	}

	seen := make(map[string]struct{}, len(m.Modules))
	for i := range m.Modules {
		decl := &m.Modules[i]
		if decl.Name == "" || decl.Entry == "" {
			return nil, fmt.Errorf("module entry %d of addon %q lacks name or entry", i, m.Name)
		}
		if _, dup := seen[decl.Name]; dup {
			return nil, fmt.Errorf("duplicate module name %q in addon %q", decl.Name, m.Name)
		}
		seen[decl.Name] = struct{}{}

		switch component.Kind(decl.Kind) {
		case "", component.KindShared, component.KindStandalone:
		default:
			return nil, fmt.Errorf("module %q of addon %q has unknown kind %q", decl.Name, m.Name, decl.Kind)
		}
	}
	return &m, nil
}

// ParseFile reads and parses dir/package.json.
func ParseFile(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// DeclKind returns the effective kind of a declaration, defaulting to shared.
func (d ModuleDecl) DeclKind() component.Kind {
	if d.Kind == "" {
		return component.KindShared
	}
	return component.Kind(d.Kind)
}
