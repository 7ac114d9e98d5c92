package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/workspace"
)

func TestNext(t *testing.T) {
	m := NewSemver("")
	cases := []struct {
		current string
		kind    release.BumpKind
		exact   string
		want    string
	}{
		{"1.2.3", release.BumpMajor, "", "2.0.0"},
		{"1.2.3", release.BumpMinor, "", "1.3.0"},
		{"1.2.3", release.BumpPatch, "", "1.2.4"},
		{"1.2.3", release.BumpPrerelease, "", "1.2.4-alpha.1"},
		{"1.2.4-alpha.1", release.BumpPrerelease, "", "1.2.4-alpha.2"},
		{"1.2.4-rc", release.BumpPrerelease, "", "1.2.4-rc.1"},
		{"1.2.4-alpha.3", release.BumpPatch, "", "1.2.4"},
		{"1.2.3", release.BumpExact, "1.5.0", "1.5.0"},
		{"1.5.0", release.BumpExact, "1.5.0", "1.5.0"},
	}
	for _, tc := range cases {
		got, err := m.Next(tc.current, tc.kind, tc.exact)
		require.NoError(t, err, "%s %s", tc.current, tc.kind)
		assert.Equal(t, tc.want, got, "%s %s", tc.current, tc.kind)
	}
}

func TestNextRejectsBadInput(t *testing.T) {
	m := NewSemver("beta")
	_, err := m.Next("1.2", release.BumpPatch, "")
	assert.Equal(t, release.KindInvalidVersion, release.KindOf(err))

	_, err = m.Next("1.2.3", release.BumpExact, "1.0.0")
	assert.Equal(t, release.KindInvalidVersion, release.KindOf(err))

	_, err = m.Next("1.2.3", release.BumpExact, "")
	assert.Equal(t, release.KindMissingArgument, release.KindOf(err))

	_, err = m.Next("1.2.3", release.BumpKind("sideways"), "")
	assert.Equal(t, release.KindUnsupportedBump, release.KindOf(err))

	got, err := m.Next("0.1.0", release.BumpPrerelease, "")
	require.NoError(t, err)
	assert.Equal(t, "0.1.1-beta.1", got)
}

const rootManifest = `[workspace]
members = ["crates/*"]

[workspace.package]
version = "0.4.0" # shared
edition = "2021"
rust-version = "1.70"

[workspace.dependencies]
core = { path = "crates/core", version = "0.4.0" }
serde = "1.0"
`

const cliManifest = `[package]
name = "cli"
version.workspace = true

[dependencies]
core = { workspace = true }
engine = { package = "core-engine", path = "../engine", version = "=0.4.0" }
anyhow = "1"

[dev-dependencies.core]
path = "../core"
version = "^0.4.0"

[[bin]]
name = "cli"
version = "ignored"
`

func TestRewrite(t *testing.T) {
	members := map[string]bool{"core": true, "core-engine": true, "cli": true}

	out, changed := Rewrite(rootManifest, "0.5.0", members)
	require.True(t, changed)
	assert.Contains(t, out, `version = "0.5.0" # shared`)
	assert.Contains(t, out, `core = { path = "crates/core", version = "0.5.0" }`)
	assert.Contains(t, out, `serde = "1.0"`)
	assert.Contains(t, out, `rust-version = "1.70"`)

	out, changed = Rewrite(cliManifest, "0.5.0", members)
	require.True(t, changed)
	assert.Contains(t, out, "version.workspace = true")
	assert.Contains(t, out, `engine = { package = "core-engine", path = "../engine", version = "=0.5.0" }`)
	assert.Contains(t, out, `version = "^0.5.0"`)
	assert.Contains(t, out, `anyhow = "1"`)
	assert.Contains(t, out, `version = "ignored"`)

	again, changed := Rewrite(out, "0.5.0", members)
	assert.False(t, changed)
	assert.Equal(t, out, again)
}

func TestRequirementKeepsOperators(t *testing.T) {
	assert.Equal(t, "^2.0.0", requirement("^1.0", "2.0.0"))
	assert.Equal(t, "~2.0.0", requirement("~1.4.2", "2.0.0"))
	assert.Equal(t, ">=1, <2", requirement(">=1, <2", "2.0.0"))
	assert.Equal(t, "1.*", requirement("1.*", "2.0.0"))
}

func writeWorkspace(t *testing.T) workspace.Info {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "crates", "core"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "crates", "cli"), 0o755))
	write := func(rel, content string) string {
		path := filepath.Join(root, rel)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	rootPath := write("Cargo.toml", rootManifest)
	corePath := write("crates/core/Cargo.toml", "[package]\nname = \"core\"\nversion.workspace = true\n")
	cliPath := write("crates/cli/Cargo.toml", cliManifest)
	return workspace.Info{
		Root:             root,
		RootManifest:     rootPath,
		WorkspaceVersion: "0.4.0",
		Packages: []workspace.Package{
			{Name: "core", Version: "0.4.0", ManifestPath: corePath, InheritsVersion: true, Publish: true},
			{Name: "cli", Version: "0.4.0", ManifestPath: cliPath, InheritsVersion: true, Publish: true, Dependencies: []string{"core"}},
		},
	}
}

func TestPreviewAndApplyBump(t *testing.T) {
	info := writeWorkspace(t)
	m := NewSemver("")

	current, err := m.CurrentVersion(info)
	require.NoError(t, err)
	assert.Equal(t, "0.4.0", current)

	preview, err := m.PreviewBump(info, release.BumpMinor, "")
	require.NoError(t, err)
	assert.Equal(t, "0.5.0", preview.Proposed)
	assert.Equal(t, []string{"Cargo.toml", "crates/cli/Cargo.toml"}, preview.FilesToModify)

	data, err := os.ReadFile(info.RootManifest)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"0.4.0"`, "preview does not write")

	result, err := m.ApplyBump(info, release.BumpMinor, "")
	require.NoError(t, err)
	assert.Equal(t, "0.4.0", result.Previous)
	assert.Equal(t, "0.5.0", result.Target)
	assert.Equal(t, []string{"Cargo.toml", "crates/cli/Cargo.toml"}, result.UpdatedFiles)
	assert.NotEmpty(t, result.Summary)

	data, err = os.ReadFile(info.RootManifest)
	require.NoError(t, err)
	assert.Contains(t, string(data), `version = "0.5.0" # shared`)

	info.WorkspaceVersion = "0.5.0"
	again, err := m.ApplyBump(info, release.BumpExact, "0.5.0")
	require.NoError(t, err)
	assert.Empty(t, again.UpdatedFiles, "re-applying the same version is a no-op")
}

func TestCurrentVersionUsesHighestMember(t *testing.T) {
	m := NewSemver("")
	info := workspace.Info{Packages: []workspace.Package{{Name: "a", Version: "0.2.0"}, {Name: "b", Version: "0.10.1"}}}
	current, err := m.CurrentVersion(info)
	require.NoError(t, err)
	assert.Equal(t, "0.10.1", current)

	_, err = m.CurrentVersion(workspace.Info{})
	assert.Error(t, err)
}
