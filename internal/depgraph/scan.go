package depgraph

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
)

// ScanQualifiedDirs returns the subdirectories of root that qualify as
// addons: they contain a package manifest plus at least one shared library
// with the given platform extension. Results are sorted by directory name.
func ScanQualifiedDirs(root, libExt string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read module root %s: %w", root, err)
	}

	var qualified []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read addon dir %s: %w", dir, err)
		}

		hasManifest := false
		hasLib := false
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			switch {
			case f.Name() == addon.ManifestName:
				hasManifest = true
			case strings.HasSuffix(f.Name(), libExt):
				hasLib = true
			}
			if hasManifest && hasLib {
				break
			}
		}
		if hasManifest && hasLib {
			qualified = append(qualified, entry.Name())
		}
	}
	sort.Strings(qualified)
	return qualified, nil
}

// ResolveDirectory scans root for qualified addon directories, parses their
// manifests, and returns the directory names ordered so that every declared
// dependency loads before its dependents. Directories whose manifest fails
// to parse are skipped with a warning; unresolved or cyclic dependencies
// are fatal.
func ResolveDirectory(ctx context.Context, root, libExt string) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	dirs, err := ScanQualifiedDirs(root, libExt)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, nil
	}

	graph := New()
	fqnToDir := make(map[string]string)
	for _, dir := range dirs {
		m, err := addon.ParseFile(filepath.Join(root, dir))
		if err != nil {
			logger.Warn("Skipping addon with invalid manifest.", "dir", dir, "error", err)
			continue
		}
		for _, decl := range m.Modules {
			entry := component.Entry{
				Component:    decl.Name,
				Addon:        m.Name,
				Entry:        decl.Entry,
				Kind:         decl.DeclKind(),
				Dependencies: decl.Dependencies,
			}
			if err := graph.Add(entry); err != nil {
				return nil, fmt.Errorf("addon dir %s: %w", dir, err)
			}
			fqnToDir[entry.FQN()] = dir
		}
	}

	order, err := graph.LoadOrder()
	if err != nil {
		return nil, err
	}

	// Collapse the component order into a directory order, first occurrence
	// wins: a directory is ready as soon as its earliest-loading component
	// is.
	seen := make(map[string]bool, len(dirs))
	var dirOrder []string
	for _, entry := range order {
		dir := fqnToDir[entry.FQN()]
		if !seen[dir] {
			seen[dir] = true
			dirOrder = append(dirOrder, dir)
		}
	}
	logger.Debug("Resolved addon load order.", "dirs", dirOrder)
	return dirOrder, nil
}
