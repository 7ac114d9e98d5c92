package release

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestState() *State {
	return New("rel-1", "1.2.0", BumpMinor, Config{Push: true, MaxRetries: 2}, baseTime)
}

func TestNewStartsAtValidationWithCheckpoint(t *testing.T) {
	state := newTestState()
	if state.CurrentPhase != PhaseValidation {
		t.Fatalf("expected validation phase, got %s", state.CurrentPhase)
	}
	last, ok := state.LastCheckpoint()
	if !ok || last.Name != CheckpointReleaseStarted || last.Phase != PhaseValidation {
		t.Fatalf("unexpected first checkpoint: %+v", last)
	}
	if err := state.Validate(); err != nil {
		t.Fatalf("fresh state should validate: %v", err)
	}
}

func TestAdvanceKeepsPhaseAndCheckpointInSync(t *testing.T) {
	state := newTestState()
	steps := []struct {
		phase Phase
		name  string
	}{
		{PhaseVersionUpdate, CheckpointValidationPassed},
		{PhaseGitOperations, CheckpointVersionUpdated},
		{PhasePublishing, CheckpointGitComplete},
	}
	for i, step := range steps {
		now := baseTime.Add(time.Duration(i+1) * time.Minute)
		if err := state.Advance(step.phase, step.name, now); err != nil {
			t.Fatalf("advance to %s: %v", step.phase, err)
		}
		last, _ := state.LastCheckpoint()
		if last.Phase != state.CurrentPhase || last.Name != step.name {
			t.Fatalf("checkpoint out of sync: %+v vs %s", last, state.CurrentPhase)
		}
		if !state.UpdatedAt.Equal(now) {
			t.Fatalf("updated_at not refreshed")
		}
	}
	if len(state.Checkpoints) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(state.Checkpoints))
	}
}

func TestAdvanceRejectsBackwardMoves(t *testing.T) {
	state := newTestState()
	if err := state.Advance(PhasePublishing, "skip", baseTime); err != nil {
		t.Fatalf("forward move: %v", err)
	}
	if err := state.Advance(PhaseVersionUpdate, "back", baseTime); err == nil {
		t.Fatalf("expected backward move to fail")
	}
	if err := state.Reset(PhaseVersionUpdate, baseTime); err != nil {
		t.Fatalf("explicit reset should succeed: %v", err)
	}
	if state.CurrentPhase != PhaseVersionUpdate {
		t.Fatalf("reset did not apply")
	}
}

func TestResetRefusesPhasesNotReached(t *testing.T) {
	state := newTestState()
	for _, phase := range []Phase{PhaseVersionUpdate, PhasePublishing, PhaseCleanup, PhaseCompleted, PhaseRollingBack} {
		if err := state.Reset(phase, baseTime); KindOf(err) != KindInvalidArguments {
			t.Fatalf("reset to %s from validation: got %v", phase, err)
		}
	}
	if state.CurrentPhase != PhaseValidation || len(state.Checkpoints) != 1 {
		t.Fatalf("refused reset changed the state: %s, %d checkpoints", state.CurrentPhase, len(state.Checkpoints))
	}

	// Reaching publishing without the sub-state of the earlier phases.
	if err := state.Advance(PhasePublishing, CheckpointGitComplete, baseTime); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := state.Reset(PhaseGitOperations, baseTime); KindOf(err) != KindInvalidArguments {
		t.Fatalf("reset to git operations without a version update: got %v", err)
	}
	state.VersionState = &VersionState{Previous: "1.1.0", Target: "1.2.0"}
	if err := state.Reset(PhasePublishing, baseTime); KindOf(err) != KindInvalidArguments {
		t.Fatalf("reset to publishing without a tag: got %v", err)
	}
	state.GitState = &GitState{Commit: &CommitInfo{Hash: "c1"}, Tag: &TagInfo{Name: "v1.2.0"}}
	if err := state.Reset(PhasePublishing, baseTime); err != nil {
		t.Fatalf("reset to publishing: %v", err)
	}
	if last, _ := state.LastCheckpoint(); last.Name != "reset_to_publishing" || last.Phase != PhasePublishing {
		t.Fatalf("unexpected checkpoint %+v", last)
	}
}

func TestResetAfterCompletionNeedsSubState(t *testing.T) {
	state := newTestState()
	if err := state.Advance(PhaseCompleted, CheckpointReleaseCompleted, baseTime); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := state.Reset(PhaseCleanup, baseTime); KindOf(err) != KindInvalidArguments {
		t.Fatalf("reset to cleanup without publish state: got %v", err)
	}
	if err := state.Reset(PhaseVersionUpdate, baseTime); err != nil {
		t.Fatalf("reset completed release to version update: %v", err)
	}
}

func TestAdvanceRejectsTerminalPhases(t *testing.T) {
	state := newTestState()
	if err := state.Advance(PhaseCompleted, CheckpointReleaseCompleted, baseTime); err != nil {
		t.Fatalf("advance: %v", err)
	}
	err := state.Advance(PhaseRollingBack, CheckpointRollbackStarted, baseTime)
	if !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected not resumable, got %v", err)
	}
}

func TestBeginRollback(t *testing.T) {
	state := newTestState()
	if err := state.Advance(PhasePublishing, CheckpointGitComplete, baseTime); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := state.BeginRollback(false, baseTime); err != nil {
		t.Fatalf("begin rollback: %v", err)
	}
	checkpoints := len(state.Checkpoints)
	if err := state.BeginRollback(false, baseTime); err != nil {
		t.Fatalf("repeat while rolling back: %v", err)
	}
	if len(state.Checkpoints) != checkpoints {
		t.Fatalf("repeat appended a checkpoint")
	}
	if err := state.Advance(PhaseRolledBack, CheckpointRollbackCompleted, baseTime); err != nil {
		t.Fatalf("finish rollback: %v", err)
	}
	if err := state.BeginRollback(true, baseTime); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected not resumable, got %v", err)
	}

	done := newTestState()
	_ = done.Advance(PhaseCompleted, CheckpointReleaseCompleted, baseTime)
	if err := done.BeginRollback(false, baseTime); KindOf(err) != KindInvalidArguments {
		t.Fatalf("completed release needs force, got %v", err)
	}
	if err := done.BeginRollback(true, baseTime); err != nil {
		t.Fatalf("forced rollback: %v", err)
	}
	if last, _ := done.LastCheckpoint(); last.Name != CheckpointRollbackStarted || last.Phase != PhaseRollingBack {
		t.Fatalf("unexpected checkpoint %+v", last)
	}
}

func TestIsResumable(t *testing.T) {
	state := newTestState()
	if !state.IsResumable() {
		t.Fatalf("fresh release should be resumable")
	}
	state.RecordError(Newf(CategoryPublish, KindNetwork, "timeout"), baseTime)
	if !state.IsResumable() {
		t.Fatalf("recoverable error should not block resume")
	}
	state.RecordError(CycleError([]string{"a", "b"}), baseTime)
	if state.IsResumable() {
		t.Fatalf("non-recoverable error should block resume")
	}
	if got := state.Errors[1]; got.Recoverable || got.Kind != KindCircularDependency {
		t.Fatalf("unexpected record %+v", got)
	}

	done := newTestState()
	_ = done.Advance(PhaseCompleted, CheckpointReleaseCompleted, baseTime)
	if done.IsResumable() {
		t.Fatalf("completed release should not be resumable")
	}
}

func TestRecordErrorTreatsPlainErrorsAsRecoverable(t *testing.T) {
	state := newTestState()
	record := state.RecordError(fmt.Errorf("boom"), baseTime)
	if !record.Recoverable || record.Category != "" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestPublishStateKeepsMapsDisjoint(t *testing.T) {
	ps := NewPublishState(2)
	ps.AddFailure(PackageFailure{Package: "a", Message: "network"})
	ps.AddSuccess(PackageResult{Package: "a", Version: "1.0.0"})
	if _, failed := ps.Failed["a"]; failed {
		t.Fatalf("success should clear earlier failure")
	}
	if ps.AddFailure(PackageFailure{Package: "a"}) {
		t.Fatalf("failure must not overwrite a success")
	}
	if !ps.IsPublished("a") || ps.IsPublished("b") {
		t.Fatalf("IsPublished mismatch")
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	state := newTestState()
	state.CurrentPhase = PhasePublishing
	if err := state.Validate(); !errors.Is(err, ErrStateCorrupted) {
		t.Fatalf("expected corrupted error, got %v", err)
	}

	state = newTestState()
	state.SchemaVersion = "0"
	if err := state.Validate(); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := newTestState()
	state.PublishState = NewPublishState(1)
	state.PublishState.AddSuccess(PackageResult{Package: "a"})
	state.GitState = &GitState{Commit: &CommitInfo{Hash: "abc"}}
	clone := state.Clone()
	clone.PublishState.AddSuccess(PackageResult{Package: "b"})
	clone.GitState.Commit.Hash = "def"
	clone.Checkpoints[0].Name = "changed"
	if len(state.PublishState.Successful) != 1 {
		t.Fatalf("clone shares publish maps")
	}
	if state.GitState.Commit.Hash != "abc" {
		t.Fatalf("clone shares commit info")
	}
	if state.Checkpoints[0].Name != CheckpointReleaseStarted {
		t.Fatalf("clone shares checkpoints")
	}
}

func TestTagNameDefaultsToVPrefix(t *testing.T) {
	if got := (Config{}).TagName("1.0.0"); got != "v1.0.0" {
		t.Fatalf("unexpected tag %s", got)
	}
	if got := (Config{TagPrefix: "release-"}).TagName("1.0.0"); got != "release-1.0.0" {
		t.Fatalf("unexpected tag %s", got)
	}
}
