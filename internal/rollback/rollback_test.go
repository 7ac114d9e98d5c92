package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/registry/registryfake"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/vcs"
	"github.com/kingrea/cascade/internal/vcs/vcsfake"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

// releasedState simulates a release that committed, tagged, pushed and
// published two packages.
func releasedState(t *testing.T, repo *vcsfake.Repo) *release.State {
	t.Helper()
	ctx := context.Background()
	state := release.New("rel-1", "1.1.0", release.BumpMinor, release.Config{Push: true}, base)
	previous := repo.HeadHash()
	commit, err := repo.CreateReleaseCommit(ctx, "1.1.0", "")
	require.NoError(t, err)
	tag, err := repo.CreateVersionTag(ctx, "v1.1.0", "")
	require.NoError(t, err)
	push, err := repo.Push(ctx, vcs.PushRequest{IncludeTags: true, Tags: []string{"v1.1.0"}})
	require.NoError(t, err)
	state.VersionState = &release.VersionState{Previous: "1.0.0", Target: "1.1.0", UpdatedFiles: []string{"Cargo.toml", "crates/cli/Cargo.toml"}}
	state.GitState = &release.GitState{PreviousHead: previous, Commit: &commit, Tag: &tag, Push: &push}
	state.PublishState = release.NewPublishState(2)
	state.PublishState.AddSuccess(release.PackageResult{Package: "core", Version: "1.1.0", PublishedAt: base})
	state.PublishState.AddSuccess(release.PackageResult{Package: "cli", Version: "1.1.0", PublishedAt: base.Add(time.Minute)})
	return state
}

func newCoordinator(reg *registryfake.Registry, repo *vcsfake.Repo) *Coordinator {
	p := pipeline.New("1.1.0", pipeline.Config{MaxRetries: 1}, pipeline.WithSleep(noSleep), pipeline.WithClock(func() time.Time { return base }))
	return New(p, reg, repo, nil)
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope(false, false)
	require.NoError(t, err)
	assert.Equal(t, ScopeFull, scope)
	assert.True(t, scope.IncludesGit())
	assert.True(t, scope.IncludesPackages())

	scope, _ = ParseScope(true, false)
	assert.False(t, scope.IncludesPackages())
	scope, _ = ParseScope(false, true)
	assert.False(t, scope.IncludesGit())

	_, err = ParseScope(true, true)
	assert.Equal(t, release.KindConflictingArguments, release.KindOf(err))
}

func TestFullRollbackRevertsEverything(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	state := releasedState(t, repo)
	c := newCoordinator(reg, repo)

	result, err := c.Rollback(context.Background(), state, ScopeFull)
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.True(t, result.GitReverted)
	assert.True(t, result.TagDeleted)
	assert.Equal(t, []string{"cli", "core"}, reg.Yanks(), "newest publish is yanked first")
	assert.Equal(t, state.GitState.PreviousHead, repo.HeadHash())
	assert.Empty(t, repo.Tags)
	assert.Empty(t, repo.RemoteTags)
	assert.Equal(t, []string{"Cargo.toml", "crates/cli/Cargo.toml"}, result.ManualRevertFiles)
	assert.True(t, state.VersionState.RequiresManualRevert)
	assert.True(t, state.GitState.RolledBack)
	assert.True(t, state.PublishState.Successful["core"].Yanked)
	assert.Contains(t, repo.Resets, state.GitState.PreviousHead+":mixed")
}

func TestRollbackTwiceHasNoSideEffects(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	state := releasedState(t, repo)
	c := newCoordinator(reg, repo)

	_, err := c.Rollback(context.Background(), state, ScopeFull)
	require.NoError(t, err)
	yanks := len(reg.Yanks())
	resets := repo.CallCount("ResetTo")
	deletes := repo.CallCount("DeleteTag")

	second, err := c.Rollback(context.Background(), state, ScopeFull)
	require.NoError(t, err)
	assert.Len(t, reg.Yanks(), yanks)
	assert.Equal(t, resets, repo.CallCount("ResetTo"))
	assert.Equal(t, deletes, repo.CallCount("DeleteTag"))
	assert.ElementsMatch(t, []string{"core", "cli"}, second.Packages.AlreadyYanked)
	assert.False(t, second.GitReverted)
}

func TestGitOnlyLeavesPackagesPublished(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	state := releasedState(t, repo)

	result, err := newCoordinator(reg, repo).Rollback(context.Background(), state, ScopeGitOnly)
	require.NoError(t, err)
	assert.Nil(t, result.Packages)
	assert.Empty(t, reg.Yanks())
	assert.True(t, result.GitReverted)
}

func TestPackagesOnlyLeavesGitAlone(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	state := releasedState(t, repo)
	head := repo.HeadHash()

	result, err := newCoordinator(reg, repo).Rollback(context.Background(), state, ScopePackagesOnly)
	require.NoError(t, err)
	require.NotNil(t, result.Packages)
	assert.Len(t, result.Packages.Yanked, 2)
	assert.Equal(t, head, repo.HeadHash())
	assert.Contains(t, repo.Tags, "v1.1.0")
	assert.Nil(t, result.ManualRevertFiles)
	assert.False(t, state.GitState.RolledBack)
}

func TestPartialYankIsReportedAndRetryable(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	reg.ScriptYank("core", errors.New("registry refused"))
	state := releasedState(t, repo)
	c := newCoordinator(reg, repo)

	result, err := c.Rollback(context.Background(), state, ScopePackagesOnly)
	require.NoError(t, err)
	assert.False(t, result.Complete())
	assert.Contains(t, result.Packages.Failed, "core")
	assert.NotEmpty(t, result.Warnings)

	result, err = c.Rollback(context.Background(), state, ScopePackagesOnly)
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.Equal(t, []string{"core"}, result.Packages.Yanked)
}

func TestRollbackGitSkipsResetWhenHeadMoved(t *testing.T) {
	repo := vcsfake.New()
	state := releasedState(t, repo)
	_, err := repo.CreateReleaseCommit(context.Background(), "hotfix", "unrelated work")
	require.NoError(t, err)

	reverted, tagDeleted, warnings, err := newCoordinator(registryfake.New(), repo).RollbackGit(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, reverted)
	assert.True(t, tagDeleted)
	assert.Len(t, warnings, 2)
	assert.Equal(t, 0, repo.CallCount("ResetTo"))
}

func TestRollbackWithoutSubStatesIsNoop(t *testing.T) {
	repo := vcsfake.New()
	reg := registryfake.New()
	state := release.New("rel-2", "2.0.0", release.BumpMajor, release.Config{}, base)

	result, err := newCoordinator(reg, repo).Rollback(context.Background(), state, ScopeFull)
	require.NoError(t, err)
	assert.Nil(t, result.Packages)
	assert.False(t, result.GitReverted)
	assert.Empty(t, result.ManualRevertFiles)
	assert.Empty(t, reg.Yanks())
	assert.Equal(t, 0, repo.CallCount("ResetTo"))
}

func TestRollbackGitPropagatesVCSFailure(t *testing.T) {
	repo := vcsfake.New()
	state := releasedState(t, repo)
	repo.FailNext("DeleteTag", release.Newf(release.CategoryVCS, release.KindRemoteFailed, "remote unreachable"))

	_, err := newCoordinator(registryfake.New(), repo).Rollback(context.Background(), state, ScopeGitOnly)
	assert.Equal(t, release.KindRemoteFailed, release.KindOf(err))
	assert.False(t, state.GitState.RolledBack, "failed step stays pending for the next attempt")
}
