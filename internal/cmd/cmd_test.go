package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/registry"
	"github.com/kingrea/cascade/internal/registry/registryfake"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/vcs"
	"github.com/kingrea/cascade/internal/vcs/vcsfake"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

var workspaceFiles = map[string]string{
	"Cargo.toml": `[workspace]
members = ["crates/*"]

[workspace.package]
version = "0.4.0"
license = "MIT"
`,
	"crates/core/Cargo.toml": `[package]
name = "core"
version.workspace = true
license.workspace = true
description = "core types"
`,
	"crates/macros/Cargo.toml": `[package]
name = "macros"
version.workspace = true
license.workspace = true
description = "derive macros"
`,
	"crates/api/Cargo.toml": `[package]
name = "api"
version.workspace = true
license.workspace = true
description = "client api"

[dependencies]
core = { path = "../core", version = "0.4.0" }
`,
	"crates/cli/Cargo.toml": `[package]
name = "cli"
version.workspace = true
license.workspace = true
description = "command line"

[dependencies]
api = { path = "../api", version = "0.4.0" }
macros = { path = "../macros", version = "0.4.0" }
`,
}

type fixture struct {
	root     string
	repo     *vcsfake.Repo
	registry *registryfake.Registry
}

type result struct {
	code   int
	stdout string
	stderr string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	for rel, content := range workspaceFiles {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return &fixture{root: root, repo: vcsfake.New(), registry: registryfake.New()}
}

func (f *fixture) run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := &app{
		in:     strings.NewReader(""),
		out:    &stdout,
		errOut: &stderr,
		connect: func(string, *config.Config) (vcs.Operations, registry.Publisher, error) {
			return f.repo, f.registry, nil
		},
		clock:        func() time.Time { return t0 },
		pipelineOpts: []pipeline.Option{pipeline.WithSleep(func(context.Context, time.Duration) error { return nil })},
	}
	code := a.run(context.Background(), append([]string{"--workspace", f.root}, args...))
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (f *fixture) statePath() string {
	return filepath.Join(f.root, config.ProjectDirName, "state", "release.json")
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

func TestReleaseCompletesAndRemovesState(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "release", "minor")
	if res.code != 0 {
		t.Fatalf("release exit %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "released v0.5.0 (4 packages)") {
		t.Fatalf("unexpected output: %q", res.stdout)
	}
	if _, err := os.Stat(f.statePath()); !os.IsNotExist(err) {
		t.Fatalf("state should be removed after a completed release, stat err = %v", err)
	}
	if f.repo.RemoteTags["v0.5.0"] == "" {
		t.Fatalf("tag not pushed: %+v", f.repo.RemoteTags)
	}

	status := f.run(t, "status", "--json")
	if status.code != 0 {
		t.Fatalf("status exit %d: %s", status.code, status.stderr)
	}
	if got := decode(t, status.stdout)["status"]; got != "no_active_release" {
		t.Fatalf("status = %v", got)
	}
}

func TestReleaseKeepStateThenForcedRollback(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "--json", "release", "patch", "--keep-state")
	if res.code != 0 {
		t.Fatalf("release exit %d: %s", res.code, res.stderr)
	}
	state := decode(t, res.stdout)
	if state["current_phase"] != string(release.PhaseCompleted) || state["target_version"] != "0.4.1" {
		t.Fatalf("unexpected state: %v %v", state["current_phase"], state["target_version"])
	}

	refused := f.run(t, "rollback", "--yes")
	if refused.code != 1 || !strings.Contains(refused.stderr, "--force") {
		t.Fatalf("rollback of a completed release should need --force: %d %q", refused.code, refused.stderr)
	}

	forced := f.run(t, "rollback", "--yes", "--force")
	if forced.code != 0 {
		t.Fatalf("forced rollback exit %d: %s", forced.code, forced.stderr)
	}
	if !strings.Contains(forced.stdout, "release v0.4.1 rolled back") {
		t.Fatalf("unexpected rollback output: %q", forced.stdout)
	}

	again := f.run(t, "rollback", "--yes")
	if again.code != 0 || !strings.Contains(again.stdout, "already rolled back") {
		t.Fatalf("second rollback should be a no-op: %d %q %q", again.code, again.stdout, again.stderr)
	}
}

func TestRollbackWithFailedYankFinishesAndRetries(t *testing.T) {
	f := newFixture(t)
	f.registry.Script("cli", release.Newf(release.CategoryPublish, release.KindPublishFailed, "crate rejected"))
	f.registry.ScriptYank("core", release.Newf(release.CategoryPublish, release.KindRegistryAuth, "token rejected"))
	if res := f.run(t, "release", "minor"); res.code != 1 {
		t.Fatalf("release exit %d, want 1", res.code)
	}

	res := f.run(t, "rollback", "--yes")
	if res.code != 0 {
		t.Fatalf("rollback exit %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "core still published") {
		t.Fatalf("missing retry hint: %q", res.stdout)
	}

	res = f.run(t, "rollback", "--yes")
	if res.code != 0 {
		t.Fatalf("second rollback exit %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "yanked core") || !strings.Contains(res.stdout, "release v0.5.0 rolled back") {
		t.Fatalf("unexpected output: %q", res.stdout)
	}
	if f.registry.Published("core") {
		t.Fatalf("core still live after retry")
	}
}

func TestDryRunLeavesWorkspaceUntouched(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "release", "patch", "--dry-run")
	if res.code != 0 {
		t.Fatalf("dry run exit %d: %s", res.code, res.stderr)
	}
	for _, want := range []string{"Dry run", "0.4.0 → 0.4.1", "v0.4.1", "tier 0: core, macros", "tier 2: cli"} {
		if !strings.Contains(res.stdout, want) {
			t.Fatalf("dry run output missing %q:\n%s", want, res.stdout)
		}
	}
	if _, err := os.Stat(f.statePath()); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create state")
	}
	manifest, err := os.ReadFile(filepath.Join(f.root, "Cargo.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(manifest), `version = "0.4.0"`) {
		t.Fatalf("dry run modified the manifest:\n%s", manifest)
	}
}

func TestPublishFailureExitsOneAndResumes(t *testing.T) {
	f := newFixture(t)
	f.registry.Script("cli", release.Newf(release.CategoryPublish, release.KindPublishFailed, "registry rejected the crate"))

	res := f.run(t, "release", "minor")
	if res.code != 1 {
		t.Fatalf("expected exit 1, got %d", res.code)
	}
	if !strings.Contains(res.stderr, "Publishing failed") || !strings.Contains(res.stderr, "cascade resume") {
		t.Fatalf("unexpected error output: %q", res.stderr)
	}

	status := f.run(t, "status", "--detailed")
	if status.code != 0 {
		t.Fatalf("status exit %d: %s", status.code, status.stderr)
	}
	if !strings.Contains(status.stdout, "3 published, 1 failed") {
		t.Fatalf("status should report partial publish:\n%s", status.stdout)
	}

	cleanup := f.run(t, "cleanup", "--yes")
	if cleanup.code != 1 {
		t.Fatalf("cleanup of an unfinished release should fail, got %d", cleanup.code)
	}

	resumed := f.run(t, "resume")
	if resumed.code != 0 {
		t.Fatalf("resume exit %d: %s", resumed.code, resumed.stderr)
	}
	if !strings.Contains(resumed.stdout, "release v0.5.0 Completed") {
		t.Fatalf("unexpected resume output: %q", resumed.stdout)
	}
	if _, err := os.Stat(f.statePath()); !os.IsNotExist(err) {
		t.Fatalf("state should be removed after the resumed release completes")
	}
}

func TestCleanupForceRemovesUnfinishedRelease(t *testing.T) {
	f := newFixture(t)
	f.registry.Script("core", release.Newf(release.CategoryPublish, release.KindPublishFailed, "nope"))
	if res := f.run(t, "release", "patch"); res.code != 1 {
		t.Fatalf("expected failed release, got %d", res.code)
	}
	res := f.run(t, "--json", "cleanup", "--yes", "--force")
	if res.code != 0 {
		t.Fatalf("cleanup exit %d: %s", res.code, res.stderr)
	}
	if decode(t, res.stdout)["removed"] != true {
		t.Fatalf("unexpected cleanup report: %s", res.stdout)
	}
	if _, err := os.Stat(f.statePath()); !os.IsNotExist(err) {
		t.Fatalf("state not removed")
	}
}

func TestValidateJSON(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "--json", "validate")
	if res.code != 0 {
		t.Fatalf("validate exit %d: %s", res.code, res.stderr)
	}
	out := decode(t, res.stdout)
	if out["packages"] != float64(4) {
		t.Fatalf("packages = %v", out["packages"])
	}
	validation, ok := out["validation"].(map[string]any)
	if !ok || validation["success"] != true {
		t.Fatalf("validation = %v", out["validation"])
	}
}

func TestPreviewExactVersion(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "preview", "--version", "1.0.0")
	if res.code != 0 {
		t.Fatalf("preview exit %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "0.4.0 → 1.0.0 (exact)") {
		t.Fatalf("unexpected preview:\n%s", res.stdout)
	}
}

func TestMetricsFileWritten(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "cascade.prom")
	if res := f.run(t, "--metrics-file", path, "release", "patch"); res.code != 0 {
		t.Fatalf("release exit %d: %s", res.code, res.stderr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		t.Fatalf("metrics file is empty")
	}
}

func TestArgumentErrors(t *testing.T) {
	f := newFixture(t)
	cases := map[string][]string{
		"missing bump":       {"release"},
		"unknown bump":       {"release", "huge"},
		"exact needs value":  {"release", "exact"},
		"version with minor": {"release", "minor", "--version", "1.0.0"},
		"verbose and quiet":  {"--verbose", "--quiet", "status"},
		"conflicting scope":  {"rollback", "--git-only", "--packages-only", "--yes"},
		"bad reset phase":    {"resume", "--reset-to-phase", "shipping"},
		"bad age":            {"cleanup", "--older-than", "soon"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if res := f.run(t, args...); res.code != 1 {
				t.Fatalf("expected exit 1 for %v, got %d", args, res.code)
			}
		})
	}
}

func TestParseBump(t *testing.T) {
	kind, err := parseBump(nil, "2.0.0")
	if err != nil || kind != release.BumpExact {
		t.Fatalf("version without bump should imply exact: %v %v", kind, err)
	}
	kind, err = parseBump([]string{"Pre"}, "")
	if err != nil || kind != release.BumpPrerelease {
		t.Fatalf("pre alias: %v %v", kind, err)
	}
	if _, err := parseBump(nil, ""); release.KindOf(err) != release.KindMissingArgument {
		t.Fatalf("expected missing argument, got %v", err)
	}
}

func TestParseAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"7d":  7 * 24 * time.Hour,
		"36h": 36 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseAge(in)
		if err != nil || got != want {
			t.Fatalf("parseAge(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := parseAge("-1h"); err == nil {
		t.Fatalf("negative age should fail")
	}
}
