package workspace

import (
	"context"
	"sort"
)

// Package describes one workspace member. Dependencies lists internal
// dependencies sorted by name and Requirements maps each of them to the
// declared version requirement ("" for path-only dependencies).
type Package struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	ManifestPath    string            `json:"manifest_path"`
	Dir             string            `json:"dir"`
	Dependencies    []string          `json:"dependencies,omitempty"`
	Requirements    map[string]string `json:"requirements,omitempty"`
	InheritsVersion bool              `json:"inherits_version,omitempty"`
	Publish         bool              `json:"publish"`
	Description     string            `json:"description,omitempty"`
	License         string            `json:"license,omitempty"`
}

// Info is the analyzed shape of a workspace.
type Info struct {
	Root             string    `json:"root"`
	RootManifest     string    `json:"root_manifest"`
	WorkspaceVersion string    `json:"workspace_version,omitempty"`
	Packages         []Package `json:"packages"`
}

// Package looks up a member by name.
func (i Info) Package(name string) (Package, bool) {
	for _, pkg := range i.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return Package{}, false
}

// Names returns member names in declaration order.
func (i Info) Names() []string {
	names := make([]string, 0, len(i.Packages))
	for _, pkg := range i.Packages {
		names = append(names, pkg.Name)
	}
	return names
}

// Publishable returns members that are not marked publish = false.
func (i Info) Publishable() []Package {
	out := make([]Package, 0, len(i.Packages))
	for _, pkg := range i.Packages {
		if pkg.Publish {
			out = append(out, pkg)
		}
	}
	return out
}

// ManifestPaths returns every manifest a version bump may touch, root first.
func (i Info) ManifestPaths() []string {
	seen := map[string]bool{}
	var paths []string
	if i.RootManifest != "" {
		seen[i.RootManifest] = true
		paths = append(paths, i.RootManifest)
	}
	var members []string
	for _, pkg := range i.Packages {
		if pkg.ManifestPath == "" || seen[pkg.ManifestPath] {
			continue
		}
		seen[pkg.ManifestPath] = true
		members = append(members, pkg.ManifestPath)
	}
	sort.Strings(members)
	return append(paths, members...)
}

// Analyzer discovers and checks a workspace.
type Analyzer interface {
	Analyze(path string) (Info, error)
	Validate(ctx context.Context, info Info) (ValidationReport, error)
}
