package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kingrea/cascade/internal/release"
)

// ManifestName is the file every workspace member carries.
const ManifestName = "Cargo.toml"

type cargoManifest struct {
	Workspace         *cargoWorkspace        `toml:"workspace"`
	Package           *cargoPackage          `toml:"package"`
	Dependencies      map[string]any         `toml:"dependencies"`
	BuildDependencies map[string]any         `toml:"build-dependencies"`
	Target            map[string]cargoTarget `toml:"target"`
}

type cargoTarget struct {
	Dependencies      map[string]any `toml:"dependencies"`
	BuildDependencies map[string]any `toml:"build-dependencies"`
}

type cargoWorkspace struct {
	Members      []string       `toml:"members"`
	Exclude      []string       `toml:"exclude"`
	Package      map[string]any `toml:"package"`
	Dependencies map[string]any `toml:"dependencies"`
}

type cargoPackage struct {
	Name        string `toml:"name"`
	Version     any    `toml:"version"`
	Publish     any    `toml:"publish"`
	Description any    `toml:"description"`
	License     any    `toml:"license"`
	LicenseFile any    `toml:"license-file"`
}

// CargoAnalyzer reads Cargo workspaces.
type CargoAnalyzer struct{}

// NewCargoAnalyzer returns an analyzer for Cargo workspaces.
func NewCargoAnalyzer() *CargoAnalyzer {
	return &CargoAnalyzer{}
}

var _ Analyzer = (*CargoAnalyzer)(nil)

// Analyze locates the workspace containing path and reads every member.
// A lone package without a [workspace] table is treated as a one-member
// workspace.
func (a *CargoAnalyzer) Analyze(path string) (Info, error) {
	rootManifest, root, err := findRoot(path)
	if err != nil {
		return Info{}, err
	}
	manifest, err := readManifest(rootManifest)
	if err != nil {
		return Info{}, err
	}
	info := Info{Root: root, RootManifest: rootManifest}
	var shared map[string]any
	var workspaceDeps map[string]any
	if manifest.Workspace != nil {
		shared = manifest.Workspace.Package
		workspaceDeps = manifest.Workspace.Dependencies
		if v, ok := shared["version"].(string); ok {
			info.WorkspaceVersion = v
		}
	}

	type member struct {
		manifestPath string
		manifest     *cargoManifest
	}
	var members []member
	if manifest.Package != nil {
		members = append(members, member{manifestPath: rootManifest, manifest: manifest})
	}
	if manifest.Workspace != nil {
		dirs, err := expandMembers(root, manifest.Workspace.Members, manifest.Workspace.Exclude)
		if err != nil {
			return Info{}, err
		}
		for _, dir := range dirs {
			path := filepath.Join(dir, ManifestName)
			if path == rootManifest {
				continue
			}
			m, err := readManifest(path)
			if err != nil {
				return Info{}, err
			}
			members = append(members, member{manifestPath: path, manifest: m})
		}
	}
	if len(members) == 0 {
		return Info{}, release.Newf(release.CategoryWorkspace, release.KindInvalidStructure, "workspace %s has no members", root)
	}

	names := map[string]bool{}
	for _, m := range members {
		pkg := m.manifest.Package
		if pkg == nil || strings.TrimSpace(pkg.Name) == "" {
			return Info{}, release.Newf(release.CategoryWorkspace, release.KindInvalidStructure, "%s has no [package] name", m.manifestPath)
		}
		if names[pkg.Name] {
			return Info{}, release.Newf(release.CategoryWorkspace, release.KindInvalidStructure, "package %s is declared twice", pkg.Name)
		}
		names[pkg.Name] = true
	}

	for _, m := range members {
		pkg := m.manifest.Package
		version, inherits := inherited(pkg.Version, shared, "version")
		if version == "" {
			return Info{}, release.Newf(release.CategoryWorkspace, release.KindInvalidStructure, "package %s has no version", pkg.Name)
		}
		description, _ := inherited(pkg.Description, shared, "description")
		license, _ := inherited(pkg.License, shared, "license")
		if license == "" {
			license, _ = inherited(pkg.LicenseFile, shared, "license-file")
		}
		entry := Package{
			Name:            pkg.Name,
			Version:         version,
			ManifestPath:    m.manifestPath,
			Dir:             filepath.Dir(m.manifestPath),
			Requirements:    map[string]string{},
			InheritsVersion: inherits,
			Publish:         publishable(pkg.Publish),
			Description:     description,
			License:         license,
		}
		for _, table := range m.manifest.dependencyTables() {
			for key, spec := range table {
				name, req := dependency(key, spec, workspaceDeps)
				if !names[name] {
					continue
				}
				if _, seen := entry.Requirements[name]; !seen {
					entry.Dependencies = append(entry.Dependencies, name)
				}
				if req != "" || entry.Requirements[name] == "" {
					entry.Requirements[name] = req
				}
			}
		}
		sort.Strings(entry.Dependencies)
		info.Packages = append(info.Packages, entry)
	}
	return info, nil
}

func (m *cargoManifest) dependencyTables() []map[string]any {
	tables := []map[string]any{m.Dependencies, m.BuildDependencies}
	keys := make([]string, 0, len(m.Target))
	for key := range m.Target {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		tables = append(tables, m.Target[key].Dependencies, m.Target[key].BuildDependencies)
	}
	return tables
}

func findRoot(path string) (string, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", release.Wrap(release.CategoryWorkspace, release.KindRootNotFound, err, "resolve %s", path)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	fallback := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			m, err := readManifest(candidate)
			if err != nil {
				return "", "", err
			}
			if m.Workspace != nil {
				return candidate, dir, nil
			}
			if fallback == "" && m.Package != nil {
				fallback = candidate
			}
		}
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}
	if fallback != "" {
		return fallback, filepath.Dir(fallback), nil
	}
	return "", "", release.Newf(release.CategoryWorkspace, release.KindRootNotFound, "no %s with a [workspace] section found from %s", ManifestName, abs)
}

func readManifest(path string) (*cargoManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, release.Wrap(release.CategoryWorkspace, release.KindMissingManifest, err, "manifest %s not found", path)
		}
		return nil, release.Wrap(release.CategoryWorkspace, release.KindInvalidStructure, err, "read %s", path)
	}
	var m cargoManifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, release.Wrap(release.CategoryWorkspace, release.KindInvalidStructure, err, "parse %s", path)
	}
	return &m, nil
}

func expandMembers(root string, patterns, exclude []string) ([]string, error) {
	excluded := map[string]bool{}
	for _, e := range exclude {
		excluded[filepath.Clean(filepath.Join(root, e))] = true
	}
	seen := map[string]bool{}
	var dirs []string
	for _, pattern := range patterns {
		full := filepath.Join(root, pattern)
		if !strings.ContainsAny(pattern, "*?[") {
			if _, err := os.Stat(filepath.Join(full, ManifestName)); err != nil {
				return nil, release.Wrap(release.CategoryWorkspace, release.KindMissingManifest, err, "member %s has no %s", pattern, ManifestName)
			}
			if !seen[full] && !excluded[full] {
				seen[full] = true
				dirs = append(dirs, full)
			}
			continue
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, release.Wrap(release.CategoryWorkspace, release.KindInvalidStructure, err, "bad member pattern %q", pattern)
		}
		sort.Strings(matches)
		for _, match := range matches {
			if seen[match] || excluded[match] {
				continue
			}
			if _, err := os.Stat(filepath.Join(match, ManifestName)); err != nil {
				continue
			}
			seen[match] = true
			dirs = append(dirs, match)
		}
	}
	return dirs, nil
}

// inherited resolves a package field that may be written as
// `field.workspace = true`.
func inherited(value any, shared map[string]any, key string) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, false
	case map[string]any:
		if ws, _ := v["workspace"].(bool); ws {
			s, _ := shared[key].(string)
			return s, true
		}
	}
	return "", false
}

func publishable(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case []any:
		return len(v) > 0
	}
	return true
}

// dependency returns the real package name and its version requirement.
// `workspace = true` entries inherit from [workspace.dependencies].
func dependency(key string, spec any, workspaceDeps map[string]any) (string, string) {
	switch v := spec.(type) {
	case string:
		return key, v
	case map[string]any:
		name := key
		if pkg, ok := v["package"].(string); ok && pkg != "" {
			name = pkg
		}
		req, _ := v["version"].(string)
		if ws, _ := v["workspace"].(bool); ws {
			if shared, ok := workspaceDeps[key]; ok {
				sharedName, sharedReq := dependency(key, shared, nil)
				if name == key {
					name = sharedName
				}
				if req == "" {
					req = sharedReq
				}
			}
		}
		return name, req
	}
	return key, ""
}
