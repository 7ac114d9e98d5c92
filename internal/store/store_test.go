package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/cascade/internal/release"
)

var epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleState(id string) *release.State {
	state := release.New(id, "2.0.0", release.BumpMajor, release.Config{Push: true, MaxRetries: 3, PackageDelay: 2 * time.Second}, epoch)
	_ = state.Advance(release.PhaseVersionUpdate, release.CheckpointValidationPassed, epoch.Add(time.Minute))
	state.VersionState = &release.VersionState{Previous: "1.4.0", Target: "2.0.0", UpdatedFiles: []string{"Cargo.toml"}}
	_ = state.Advance(release.PhasePublishing, release.CheckpointGitComplete, epoch.Add(2*time.Minute))
	state.GitState = &release.GitState{PreviousHead: "abc123", Tag: &release.TagInfo{Name: "v2.0.0", Target: "def456", Timestamp: epoch}}
	state.PublishState = release.NewPublishState(2)
	state.PublishState.AddSuccess(release.PackageResult{Package: "core", Version: "2.0.0", PublishedAt: epoch, Attempts: 1})
	state.PublishState.AddFailure(release.PackageFailure{Package: "cli", Kind: release.KindNetwork, Message: "reset", Attempts: 3, Recoverable: true, FailedAt: epoch})
	state.RecordError(release.Newf(release.CategoryPublish, release.KindNetwork, "cli failed"), epoch.Add(3*time.Minute))
	return state
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state"), WithClock(func() time.Time { return epoch }))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	state := sampleState("rel-1")
	if err := s.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	result, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.RecoveredFromBackup {
		t.Fatalf("clean load should not report recovery")
	}
	if !reflect.DeepEqual(result.State, state) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", result.State, state)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	if !errors.Is(err, release.ErrStateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadRecoversFromBackupWhenPrimaryCorrupt(t *testing.T) {
	s := newTestStore(t)
	first := sampleState("rel-1")
	if err := s.Save(first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := first.Clone()
	second.AddCheckpoint("package_published", true, map[string]string{"package": "core"}, epoch.Add(time.Hour))
	if err := s.Save(second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"schema_version": "1", "release_id": `), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	result, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !result.RecoveredFromBackup {
		t.Fatalf("expected recovery flag")
	}
	if !reflect.DeepEqual(result.State, first) {
		t.Fatalf("expected backup content to be returned")
	}
}

func TestLoadTreatsSchemaMismatchAsCorruption(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(sampleState("rel-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Backup(); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"schema_version": "99"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !result.RecoveredFromBackup || result.State.ReleaseID != "rel-1" {
		t.Fatalf("expected recovery from backup, got %+v", result)
	}
}

func TestLoadFailsWhenPrimaryAndBackupUnreadable(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"schema_version": "99"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(s.BackupPath(), []byte(`not json`), 0o644); err != nil {
		t.Fatalf("write backup: %v", err)
	}
	_, err := s.Load()
	if !errors.Is(err, release.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestSaveDoesNotRotateCorruptPrimary(t *testing.T) {
	s := newTestStore(t)
	good := sampleState("rel-1")
	if err := s.Save(good); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(good); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte(`garbage`), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := s.Save(sampleState("rel-2")); err != nil {
		t.Fatalf("save over corrupt: %v", err)
	}
	data, err := os.ReadFile(s.BackupPath())
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(data) == "garbage" {
		t.Fatalf("corrupt primary must not overwrite the backup")
	}
}

func TestSaveRejectsInvalidState(t *testing.T) {
	s := newTestStore(t)
	state := sampleState("rel-1")
	state.ReleaseID = ""
	if err := s.Save(state); err == nil {
		t.Fatalf("expected invalid state to be rejected")
	}
	if s.HasActiveRelease() {
		t.Fatalf("nothing should have been written")
	}
}

func TestHasActiveReleaseAndCleanup(t *testing.T) {
	s := newTestStore(t)
	if s.HasActiveRelease() {
		t.Fatalf("empty store should have no release")
	}
	if err := s.Save(sampleState("rel-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !s.HasActiveRelease() {
		t.Fatalf("expected active release after save")
	}
	if _, err := s.Backup(); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := s.Cleanup(false); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if s.HasActiveRelease() {
		t.Fatalf("expected no active release after cleanup")
	}
	backups, err := s.Backups()
	if err != nil || len(backups) != 1 {
		t.Fatalf("backups should survive a plain cleanup: %v %v", backups, err)
	}
	if err := s.Cleanup(true); err != nil {
		t.Fatalf("cleanup all: %v", err)
	}
	if backups, _ := s.Backups(); len(backups) != 0 {
		t.Fatalf("expected backups removed, got %v", backups)
	}
}

func TestPruneBackups(t *testing.T) {
	now := epoch
	s := New(filepath.Join(t.TempDir(), "state"), WithClock(func() time.Time { return now }))
	if err := s.Save(sampleState("rel-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Backup(); err != nil {
		t.Fatalf("backup: %v", err)
	}
	now = epoch.Add(48 * time.Hour)
	if _, err := s.Backup(); err != nil {
		t.Fatalf("backup: %v", err)
	}
	removed, err := s.PruneBackups(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned backup, got %d", removed)
	}
	if backups, _ := s.Backups(); len(backups) != 1 {
		t.Fatalf("expected 1 remaining backup, got %v", backups)
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.Lock()
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.Lock(); !errors.Is(err, release.ErrLocked) {
		t.Fatalf("expected second lock to fail, got %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := s.Lock()
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again()
}
