package engine

import (
	"context"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/rollback"
	"github.com/kingrea/cascade/internal/version"
	"github.com/kingrea/cascade/internal/workspace"
)

// ResumeRequest controls how a persisted release continues. ResetTo, when
// set, makes the release re-enter that phase.
type ResumeRequest struct {
	ResetTo        release.Phase
	Force          bool
	SkipValidation bool
}

// ResumeResult carries the state after the resumed run.
type ResumeResult struct {
	State               *release.State
	RecoveredFromBackup bool
}

// Resume continues the active release from its last checkpoint.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (ResumeResult, error) {
	loaded, err := e.deps.Store.Load()
	if err != nil {
		return ResumeResult{}, err
	}
	state := loaded.State
	result := ResumeResult{State: state, RecoveredFromBackup: loaded.RecoveredFromBackup}
	log := e.logFor(state)
	if loaded.RecoveredFromBackup {
		log.Warn("state file was unreadable; recovered from %s", loaded.Source)
	}
	if state.CurrentPhase.IsRollback() {
		return result, release.Newf(release.CategoryState, release.KindNotResumable, "release is %s; it cannot be resumed", state.CurrentPhase.FriendlyName())
	}
	if !state.IsResumable() && !req.Force {
		return result, release.Newf(release.CategoryState, release.KindNotResumable, "release v%s at %s cannot be resumed", state.TargetVersion, state.CurrentPhase.FriendlyName())
	}
	if req.SkipValidation {
		state.Config.SkipValidation = true
	}
	if req.ResetTo != "" {
		if err := state.Reset(req.ResetTo, e.now()); err != nil {
			return result, err
		}
		log.Warn("reset to %s", req.ResetTo.FriendlyName())
		if err := e.save(state); err != nil {
			return result, err
		}
	}
	log.Info("resuming at %s", state.CurrentPhase.FriendlyName())
	state, err = e.run(ctx, state, false)
	result.State = state
	return result, err
}

// RollbackRequest selects what a rollback reverses. Force allows rolling back
// a completed release.
type RollbackRequest struct {
	Scope rollback.Scope
	Force bool
}

// RollbackResult reports what a rollback did.
type RollbackResult struct {
	State             *release.State
	Result            rollback.Result
	AlreadyRolledBack bool
}

// Rollback reverses the active release and always finishes at RolledBack.
// Packages that could not be yanked are reported in the result and recorded
// as a recoverable error; running Rollback again on a rolled back release
// retries only those yanks. Without pending yanks it succeeds without side
// effects.
func (e *Engine) Rollback(ctx context.Context, req RollbackRequest) (RollbackResult, error) {
	loaded, err := e.deps.Store.Load()
	if err != nil {
		return RollbackResult{}, err
	}
	state := loaded.State
	out := RollbackResult{State: state}
	log := e.logFor(state)
	if state.CurrentPhase == release.PhaseRolledBack {
		if !req.Scope.IncludesPackages() || len(state.PublishState.UnyankedNames()) == 0 {
			out.AlreadyRolledBack = true
			log.Info("rollback requested but release is already rolled back")
			return out, nil
		}
		return e.retryYanks(ctx, state, out)
	}
	if err := state.BeginRollback(req.Force, e.now()); err != nil {
		return out, err
	}
	e.deps.Metrics.RecordPhase(string(release.PhaseRollingBack))
	log.Warn("rolling back v%s (%s)", state.TargetVersion, req.Scope)
	if err := e.save(state); err != nil {
		return out, err
	}

	coordinator := rollback.New(e.newPipeline(state, nil), e.deps.Registry, e.deps.VCS, e.logFor(state))
	result, err := coordinator.Rollback(ctx, state, req.Scope)
	out.Result = result
	e.recordYanks(result.Packages)
	for _, warning := range result.Warnings {
		log.Warn("%s", warning)
	}
	if err != nil {
		return out, e.fail(state, err)
	}
	if !result.Complete() {
		e.recordYankFailure(state, result.Packages)
	}
	if err := e.advance(state, release.PhaseRolledBack, release.CheckpointRollbackCompleted); err != nil {
		return out, err
	}
	return out, nil
}

// retryYanks yanks the packages an earlier rollback left live. The release
// stays rolled back whatever the outcome.
func (e *Engine) retryYanks(ctx context.Context, state *release.State, out RollbackResult) (RollbackResult, error) {
	log := e.logFor(state)
	log.Warn("retrying yanks for %s", strings.Join(state.PublishState.UnyankedNames(), ", "))
	coordinator := rollback.New(e.newPipeline(state, nil), e.deps.Registry, e.deps.VCS, log)
	report, err := coordinator.RollbackPackages(ctx, state)
	out.Result = rollback.Result{Scope: rollback.ScopePackagesOnly, Packages: &report}
	e.recordYanks(&report)
	if err != nil {
		return out, e.fail(state, err)
	}
	state.AddCheckpoint(release.CheckpointYanksRetried, true, nil, e.now())
	if !report.FullySuccessful() {
		out.Result.Warnings = append(out.Result.Warnings, "some packages could not be yanked: "+report.Summary())
		e.recordYankFailure(state, &report)
	}
	return out, e.save(state)
}

func (e *Engine) recordYanks(report *pipeline.RollbackReport) {
	if report == nil {
		return
	}
	e.deps.Metrics.RecordYanks(len(report.Yanked), len(report.AlreadyYanked), len(report.Failed))
}

// recordYankFailure notes yanks that failed without stopping the rollback.
func (e *Engine) recordYankFailure(state *release.State, report *pipeline.RollbackReport) {
	err := release.Newf(release.CategoryPublish, release.KindYankFailed, "rollback left packages published: %s", report.Summary())
	record := state.RecordError(err, e.now())
	e.deps.Metrics.RecordError(string(state.CurrentPhase), string(record.Category))
	e.logFor(state).Warn("%v; run rollback again to retry", err)
}

// StatusReport describes the active release, if any.
type StatusReport struct {
	Active              bool           `json:"active"`
	State               *release.State `json:"state,omitempty"`
	RecoveredFromBackup bool           `json:"recovered_from_backup,omitempty"`
	Resumable           bool           `json:"resumable"`
	RecentLog           []string       `json:"recent_log,omitempty"`
}

// Status loads the active release without changing it. logLines bounds the
// number of recent log entries included.
func (e *Engine) Status(logLines int) (StatusReport, error) {
	report := StatusReport{}
	report.RecentLog, _ = e.deps.Logbook.Tail(logLines)
	if !e.deps.Store.HasActiveRelease() {
		return report, nil
	}
	report.Active = true
	loaded, err := e.deps.Store.Load()
	if err != nil {
		return report, err
	}
	report.State = loaded.State
	report.RecoveredFromBackup = loaded.RecoveredFromBackup
	report.Resumable = loaded.State.IsResumable()
	return report, nil
}

// CleanupRequest controls Cleanup. All also removes every backup. Backup
// snapshots the state before it is removed. OlderThan prunes snapshots
// older than the given age.
type CleanupRequest struct {
	All       bool
	Backup    bool
	Force     bool
	OlderThan time.Duration
}

// CleanupReport describes what Cleanup removed.
type CleanupReport struct {
	Removed    bool   `json:"removed"`
	BackupPath string `json:"backup_path,omitempty"`
	Pruned     int    `json:"pruned,omitempty"`
}

// Cleanup removes the active state file. A release that has not reached a
// terminal phase, or whose state cannot be read, is only removed with Force.
func (e *Engine) Cleanup(req CleanupRequest) (CleanupReport, error) {
	report := CleanupReport{}
	if e.deps.Store.HasActiveRelease() {
		loaded, err := e.deps.Store.Load()
		switch {
		case err != nil && !req.Force:
			return report, err
		case err == nil && !loaded.State.CurrentPhase.IsTerminal() && !req.Force:
			return report, release.Newf(release.CategoryState, release.KindActiveRelease, "release v%s is still at %s; resume or roll it back first",
				loaded.State.TargetVersion, loaded.State.CurrentPhase.FriendlyName())
		}
		if req.Backup && !req.All {
			path, err := e.deps.Store.Backup()
			if err != nil {
				return report, err
			}
			report.BackupPath = path
		}
		if err := e.deps.Store.Cleanup(req.All); err != nil {
			return report, err
		}
		report.Removed = true
		e.logFor(loaded.State).Info("release state removed")
	} else if req.All {
		if err := e.deps.Store.Cleanup(true); err != nil {
			return report, err
		}
	}
	if req.OlderThan > 0 && !req.All {
		pruned, err := e.deps.Store.PruneBackups(req.OlderThan)
		if err != nil {
			return report, err
		}
		report.Pruned = pruned
	}
	return report, nil
}

// Validate analyzes and validates the workspace without touching state.
func (e *Engine) Validate(ctx context.Context) (workspace.Info, workspace.ValidationReport, error) {
	info, err := e.analyze()
	if err != nil {
		return workspace.Info{}, workspace.ValidationReport{}, err
	}
	report, err := e.validate(ctx, info)
	return info, report, err
}

// PreviewReport describes what a release would do.
type PreviewReport struct {
	Version  version.Preview  `json:"version"`
	Tag      string           `json:"tag"`
	Plan     planner.TierPlan `json:"plan"`
	Packages []string         `json:"packages"`
}

// Preview computes the target version and publish order for bump without
// changing anything.
func (e *Engine) Preview(bump release.BumpKind, exact string, cfg release.Config) (PreviewReport, error) {
	info, err := e.analyze()
	if err != nil {
		return PreviewReport{}, err
	}
	preview, err := e.deps.Versions.PreviewBump(info, bump, exact)
	if err != nil {
		return PreviewReport{}, err
	}
	graph, err := planner.Build(info)
	if err != nil {
		return PreviewReport{}, err
	}
	plan := graph.PublishOrder()
	return PreviewReport{
		Version:  preview,
		Tag:      cfg.TagName(preview.Proposed),
		Plan:     plan,
		Packages: plan.Packages(),
	}, nil
}
