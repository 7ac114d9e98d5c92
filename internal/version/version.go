// Package version computes release versions and rewrites workspace manifests.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kingrea/cascade/internal/fsutil"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/workspace"
)

// DefaultPrereleaseTag starts a prerelease series.
const DefaultPrereleaseTag = "alpha"

// Preview describes a bump without applying it.
type Preview struct {
	Current       string           `json:"current"`
	Proposed      string           `json:"proposed"`
	Kind          release.BumpKind `json:"kind"`
	FilesToModify []string         `json:"files_to_modify"`
}

// UpdateResult describes an applied bump. UpdatedFiles are relative to the
// workspace root.
type UpdateResult struct {
	Previous     string   `json:"previous"`
	Target       string   `json:"target"`
	UpdatedFiles []string `json:"updated_files"`
	Summary      string   `json:"summary"`
}

// Manager is the version boundary used by the release engine.
type Manager interface {
	CurrentVersion(info workspace.Info) (string, error)
	PreviewBump(info workspace.Info, kind release.BumpKind, exact string) (Preview, error)
	ApplyBump(info workspace.Info, kind release.BumpKind, exact string) (UpdateResult, error)
}

// SemverManager bumps versions with semantic versioning rules and edits
// Cargo manifests in place.
type SemverManager struct {
	prereleaseTag string
}

// NewSemver returns a manager. An empty tag uses DefaultPrereleaseTag.
func NewSemver(prereleaseTag string) *SemverManager {
	tag := strings.TrimSpace(prereleaseTag)
	if tag == "" {
		tag = DefaultPrereleaseTag
	}
	return &SemverManager{prereleaseTag: tag}
}

var _ Manager = (*SemverManager)(nil)

// CurrentVersion returns the shared workspace version, or the highest
// member version when the workspace does not declare one.
func (m *SemverManager) CurrentVersion(info workspace.Info) (string, error) {
	if info.WorkspaceVersion != "" {
		v, err := parse(info.WorkspaceVersion)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
	var highest *semver.Version
	for _, pkg := range info.Packages {
		v, err := parse(pkg.Version)
		if err != nil {
			return "", err
		}
		if highest == nil || v.GreaterThan(highest) {
			highest = v
		}
	}
	if highest == nil {
		return "", release.Newf(release.CategoryVersion, release.KindInvalidVersion, "workspace has no versioned packages")
	}
	return highest.String(), nil
}

// Next computes the version that kind produces from current.
func (m *SemverManager) Next(current string, kind release.BumpKind, exact string) (string, error) {
	cur, err := parse(current)
	if err != nil {
		return "", err
	}
	var next semver.Version
	switch kind {
	case release.BumpMajor:
		next = cur.IncMajor()
	case release.BumpMinor:
		next = cur.IncMinor()
	case release.BumpPatch:
		next = cur.IncPatch()
	case release.BumpPrerelease:
		next, err = m.nextPrerelease(cur)
		if err != nil {
			return "", err
		}
	case release.BumpExact:
		if strings.TrimSpace(exact) == "" {
			return "", release.Newf(release.CategoryCLI, release.KindMissingArgument, "exact bump requires a version")
		}
		target, err := parse(exact)
		if err != nil {
			return "", err
		}
		if target.LessThan(cur) {
			return "", release.Newf(release.CategoryVersion, release.KindInvalidVersion, "version %s is lower than current %s", target, cur)
		}
		next = *target
	default:
		return "", release.Newf(release.CategoryVersion, release.KindUnsupportedBump, "unsupported bump %q", kind)
	}
	return next.String(), nil
}

// nextPrerelease increments a trailing numeric prerelease identifier, or
// starts <tag>.1 on the next patch.
func (m *SemverManager) nextPrerelease(cur *semver.Version) (semver.Version, error) {
	pre := cur.Prerelease()
	if pre == "" {
		next := cur.IncPatch()
		return next.SetPrerelease(m.prereleaseTag + ".1")
	}
	parts := strings.Split(pre, ".")
	last := parts[len(parts)-1]
	if n, err := strconv.Atoi(last); err == nil {
		parts[len(parts)-1] = strconv.Itoa(n + 1)
	} else {
		parts = append(parts, "1")
	}
	base, err := cur.SetMetadata("")
	if err != nil {
		return semver.Version{}, release.Wrap(release.CategoryVersion, release.KindInvalidVersion, err, "clear metadata of %s", cur)
	}
	return base.SetPrerelease(strings.Join(parts, "."))
}

// PreviewBump reports the proposed version and the manifests it touches.
func (m *SemverManager) PreviewBump(info workspace.Info, kind release.BumpKind, exact string) (Preview, error) {
	current, err := m.CurrentVersion(info)
	if err != nil {
		return Preview{}, err
	}
	proposed, err := m.Next(current, kind, exact)
	if err != nil {
		return Preview{}, err
	}
	edits, err := plan(info, proposed)
	if err != nil {
		return Preview{}, err
	}
	preview := Preview{Current: current, Proposed: proposed, Kind: kind, FilesToModify: []string{}}
	for _, edit := range edits {
		preview.FilesToModify = append(preview.FilesToModify, relative(info.Root, edit.path))
	}
	return preview, nil
}

// ApplyBump rewrites every manifest that carries the workspace version or an
// internal dependency requirement. Re-applying the same exact version leaves
// already updated files alone.
func (m *SemverManager) ApplyBump(info workspace.Info, kind release.BumpKind, exact string) (UpdateResult, error) {
	current, err := m.CurrentVersion(info)
	if err != nil {
		return UpdateResult{}, err
	}
	target, err := m.Next(current, kind, exact)
	if err != nil {
		return UpdateResult{}, err
	}
	edits, err := plan(info, target)
	if err != nil {
		return UpdateResult{}, err
	}
	result := UpdateResult{Previous: current, Target: target, UpdatedFiles: []string{}}
	for _, edit := range edits {
		mode := fsutil.FileMode(edit.path, 0o644)
		if err := fsutil.WriteFileAtomic(edit.path, edit.content, mode); err != nil {
			return result, release.Wrap(release.CategoryVersion, release.KindManifestUpdateFailed, err, "write %s", edit.path)
		}
		result.UpdatedFiles = append(result.UpdatedFiles, relative(info.Root, edit.path))
	}
	result.Summary = fmt.Sprintf("%s -> %s (%d file(s) updated)", current, target, len(result.UpdatedFiles))
	return result, nil
}

type edit struct {
	path    string
	content []byte
}

func plan(info workspace.Info, target string) ([]edit, error) {
	members := map[string]bool{}
	for _, pkg := range info.Packages {
		members[pkg.Name] = true
	}
	var edits []edit
	for _, path := range info.ManifestPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, release.Wrap(release.CategoryWorkspace, release.KindMissingManifest, err, "read %s", path)
		}
		rewritten, changed := Rewrite(string(data), target, members)
		if changed {
			edits = append(edits, edit{path: path, content: []byte(rewritten)})
		}
	}
	return edits, nil
}

func parse(value string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(strings.TrimSpace(value), "v"))
	if err != nil {
		return nil, release.Wrap(release.CategoryVersion, release.KindInvalidVersion, err, "invalid version %q", value)
	}
	return v, nil
}

func relative(root, path string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
