package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/vcs"
)

// StartRequest describes a new release. Version is only used by exact bumps.
type StartRequest struct {
	Bump    release.BumpKind
	Version string
	Config  release.Config
}

// Start creates a release and runs it until it completes or a phase fails.
// The returned state is never nil once the release has been persisted.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*release.State, error) {
	if e.deps.Store.HasActiveRelease() {
		return nil, release.Newf(release.CategoryState, release.KindActiveRelease, "a release is already in progress")
	}
	info, err := e.analyze()
	if err != nil {
		return nil, err
	}
	var warnings []string
	if !req.Config.SkipValidation {
		report, err := e.validate(ctx, info)
		if err != nil {
			return nil, err
		}
		warnings = report.Warnings
	}
	preview, err := e.deps.Versions.PreviewBump(info, req.Bump, req.Version)
	if err != nil {
		return nil, err
	}
	now := e.now()
	state := release.New(e.newID(), preview.Proposed, req.Bump, req.Config, now)
	state.WorkspaceRoot = info.Root
	state.Checkpoints[0].Data = map[string]string{"previous_version": preview.Current}
	e.deps.Metrics.RecordPhase(string(state.CurrentPhase))
	log := e.logFor(state)
	log.Info("starting %s release %s -> %s (%d packages)", req.Bump, preview.Current, preview.Proposed, len(info.Packages))
	for _, warning := range warnings {
		log.Warn("validation: %s", warning)
	}
	if err := e.save(state); err != nil {
		return nil, err
	}
	return e.run(ctx, state, !req.Config.SkipValidation)
}

// run executes phase handlers until the release reaches a terminal phase or
// one of them fails. ctx is checked between phases. validated marks the
// workspace as already checked, so the first validation pass only runs the
// git checks.
func (e *Engine) run(ctx context.Context, state *release.State, validated bool) (*release.State, error) {
	for !state.CurrentPhase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return state, e.fail(state, err)
		}
		var err error
		switch state.CurrentPhase {
		case release.PhaseValidation:
			err = e.runValidation(ctx, state, validated)
			validated = false
		case release.PhaseVersionUpdate:
			err = e.runVersionUpdate(state)
		case release.PhaseGitOperations:
			err = e.runGitOperations(ctx, state)
		case release.PhasePublishing:
			err = e.runPublishing(ctx, state)
		case release.PhaseCleanup:
			err = e.runCleanup(state)
		case release.PhaseRollingBack:
			return state, release.Newf(release.CategoryState, release.KindNotResumable, "release is rolling back; run rollback again to finish it")
		default:
			return state, release.Newf(release.CategoryState, release.KindCorrupted, "unknown phase %q", state.CurrentPhase)
		}
		if err != nil {
			return state, e.fail(state, err)
		}
	}
	return state, nil
}

func (e *Engine) runValidation(ctx context.Context, state *release.State, validated bool) error {
	log := e.logFor(state)
	if !state.Config.SkipValidation && !validated {
		info, err := e.analyze()
		if err != nil {
			return err
		}
		report, err := e.validate(ctx, info)
		for _, warning := range report.Warnings {
			log.Warn("validation: %s", warning)
		}
		if err != nil {
			return err
		}
	}
	if !state.Config.AllowDirty && state.VersionState == nil {
		readiness, err := e.deps.VCS.ValidateReleaseReadiness(ctx)
		if err != nil {
			return err
		}
		for _, warning := range readiness.Warnings {
			log.Warn("git: %s", warning)
		}
		if !readiness.Ready {
			return release.Newf(release.CategoryVCS, release.KindNotReady, "repository not ready: %s", strings.Join(readiness.BlockingIssues, "; "))
		}
	}
	if state.GitState == nil || state.GitState.Tag == nil {
		exists, err := e.deps.VCS.TagExists(ctx, state.TagName())
		if err != nil {
			return err
		}
		if exists {
			return release.Newf(release.CategoryVCS, release.KindTagExists, "tag %s already exists", state.TagName())
		}
	}
	return e.advance(state, release.PhaseVersionUpdate, release.CheckpointValidationPassed)
}

func (e *Engine) runVersionUpdate(state *release.State) error {
	if state.VersionState == nil {
		info, err := e.analyze()
		if err != nil {
			return err
		}
		result, err := e.deps.Versions.ApplyBump(info, release.BumpExact, state.TargetVersion)
		if err != nil {
			return err
		}
		previous := result.Previous
		if first := state.Checkpoints[0]; first.Data["previous_version"] != "" {
			previous = first.Data["previous_version"]
		}
		state.VersionState = &release.VersionState{
			Previous:     previous,
			Target:       result.Target,
			UpdatedFiles: result.UpdatedFiles,
			Summary:      result.Summary,
		}
		e.logFor(state).Info("updated %d manifest(s) to %s", len(result.UpdatedFiles), result.Target)
	}
	return e.advance(state, release.PhaseGitOperations, release.CheckpointVersionUpdated)
}

// runGitOperations commits, tags and pushes. Each step is saved as soon as
// it succeeds and skipped when the state already records it.
func (e *Engine) runGitOperations(ctx context.Context, state *release.State) error {
	log := e.logFor(state)
	if state.GitState == nil {
		head, err := e.deps.VCS.Head(ctx)
		if err != nil {
			return err
		}
		branch, err := e.deps.VCS.CurrentBranch(ctx)
		if err != nil {
			return err
		}
		state.GitState = &release.GitState{PreviousHead: head, PreviousBranch: branch}
		if err := e.save(state); err != nil {
			return err
		}
	}
	gs := state.GitState
	if gs.Commit == nil {
		commit, err := e.deps.VCS.CreateReleaseCommit(ctx, state.TargetVersion, state.Config.CommitMessage)
		if err != nil {
			return err
		}
		gs.Commit = &commit
		log.Info("created release commit %s", commit.ShortHash)
		if err := e.save(state); err != nil {
			return err
		}
	}
	if gs.Tag == nil {
		name := state.TagName()
		tag, err := e.deps.VCS.CreateVersionTag(ctx, name, vcs.DefaultTagMessage(state.TargetVersion))
		switch {
		case errors.Is(err, release.ErrTagExists):
			log.Warn("tag %s already exists; adopting it", name)
			tag = release.TagInfo{Name: name, Target: gs.Commit.Hash, Timestamp: e.now(), Annotated: true}
		case err != nil:
			return err
		default:
			log.Info("created tag %s", name)
		}
		gs.Tag = &tag
		if err := e.save(state); err != nil {
			return err
		}
	}
	if state.Config.Push && gs.Push == nil {
		push, err := e.deps.VCS.Push(ctx, vcs.PushRequest{
			Remote:      state.Config.Remote,
			IncludeTags: true,
			Tags:        []string{gs.Tag.Name},
		})
		if err != nil {
			return err
		}
		gs.Push = &push
		for _, warning := range push.Warnings {
			log.Warn("push: %s", warning)
		}
		log.Info("pushed %d commit(s) and %d tag(s) to %s", push.CommitsPushed, push.TagsPushed, push.Remote)
		if err := e.save(state); err != nil {
			return err
		}
	}
	return e.advance(state, release.PhasePublishing, release.CheckpointGitComplete)
}

// runPublishing publishes every package not yet recorded as successful.
func (e *Engine) runPublishing(ctx context.Context, state *release.State) error {
	info, err := e.analyze()
	if err != nil {
		return err
	}
	graph, err := planner.Build(info)
	if err != nil {
		return err
	}
	plan := graph.PublishOrder()
	if state.PublishState == nil {
		state.PublishState = release.NewPublishState(plan.TierCount())
		if err := e.save(state); err != nil {
			return err
		}
	}
	skip := make(map[string]bool, len(state.PublishState.Successful))
	for name := range state.PublishState.Successful {
		skip[name] = true
	}
	log := e.logFor(state).With("publish")
	log.Info("publishing %d package(s) in %d tier(s), %d already done", len(plan.Packages())-len(skip), plan.TierCount(), len(skip))

	publishCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	observer := &publishObserver{engine: e, state: state, log: log, cancel: cancel}
	p := e.newPipeline(state, observer)
	report, err := p.PublishAll(publishCtx, plan, skip, func(ctx context.Context, pkg string) error {
		return e.deps.Registry.Publish(ctx, pkg, state.TargetVersion)
	})
	if observer.err != nil {
		return observer.err
	}
	if err != nil {
		return err
	}
	if failed := state.PublishState.FailedNames(); len(failed) > 0 {
		return release.Newf(release.CategoryPublish, release.KindPublishFailed, "%d package(s) failed to publish (%s): %s",
			len(failed), strings.Join(failed, ", "), report.Summary())
	}
	return e.advance(state, release.PhaseCleanup, release.CheckpointPublishingComplete)
}

func (e *Engine) runCleanup(state *release.State) error {
	if state.Config.Backup {
		path, err := e.deps.Store.Backup()
		if err != nil {
			return err
		}
		if path != "" {
			e.logFor(state).Info("state backed up to %s", path)
		}
	}
	return e.advance(state, release.PhaseCompleted, release.CheckpointReleaseCompleted)
}
