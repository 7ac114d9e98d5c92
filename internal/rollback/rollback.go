// Package rollback reverses the completed steps of a release.
package rollback

import (
	"context"
	"fmt"

	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/registry"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/vcs"
)

// Scope selects which parts of a release are reversed.
type Scope string

const (
	ScopeFull         Scope = "full"
	ScopeGitOnly      Scope = "git_only"
	ScopePackagesOnly Scope = "packages_only"
)

// ParseScope maps the --git-only / --packages-only flags onto a scope.
func ParseScope(gitOnly, packagesOnly bool) (Scope, error) {
	switch {
	case gitOnly && packagesOnly:
		return "", release.Newf(release.CategoryCLI, release.KindConflictingArguments, "--git-only and --packages-only cannot be combined")
	case gitOnly:
		return ScopeGitOnly, nil
	case packagesOnly:
		return ScopePackagesOnly, nil
	}
	return ScopeFull, nil
}

// IncludesPackages reports whether published packages are yanked.
func (s Scope) IncludesPackages() bool {
	return s == ScopeFull || s == ScopePackagesOnly || s == ""
}

// IncludesGit reports whether the release commit and tag are reverted.
func (s Scope) IncludesGit() bool {
	return s == ScopeFull || s == ScopeGitOnly || s == ""
}

// Result summarizes a rollback. Packages is nil when no publish state existed
// or the scope excluded packages.
type Result struct {
	Scope             Scope                    `json:"scope"`
	Packages          *pipeline.RollbackReport `json:"packages,omitempty"`
	GitReverted       bool                     `json:"git_reverted"`
	TagDeleted        bool                     `json:"tag_deleted"`
	ManualRevertFiles []string                 `json:"manual_revert_files,omitempty"`
	Warnings          []string                 `json:"warnings,omitempty"`
}

// Complete reports whether every requested step succeeded.
func (r Result) Complete() bool {
	return r.Packages == nil || r.Packages.FullySuccessful()
}

// Coordinator undoes publishing and git steps recorded in a release state.
// Every step consults the state first, so repeating a rollback is a no-op.
type Coordinator struct {
	pipeline *pipeline.Pipeline
	registry registry.Publisher
	vcs      vcs.Operations
	log      *logbook.Logbook
}

// New wires a coordinator. log may be nil.
func New(p *pipeline.Pipeline, reg registry.Publisher, ops vcs.Operations, log *logbook.Logbook) *Coordinator {
	return &Coordinator{pipeline: p, registry: reg, vcs: ops, log: log.With("rollback")}
}

// Rollback reverses the steps selected by scope, packages before git.
// Package yank failures are reported in the result, not returned.
func (c *Coordinator) Rollback(ctx context.Context, state *release.State, scope Scope) (Result, error) {
	result := Result{Scope: scope}
	if scope.IncludesPackages() && state.PublishState != nil {
		report, err := c.RollbackPackages(ctx, state)
		if err != nil {
			return result, err
		}
		result.Packages = &report
		if !report.FullySuccessful() {
			result.Warnings = append(result.Warnings, "some packages could not be yanked: "+report.Summary())
		}
	}
	if scope.IncludesGit() && state.GitState != nil {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		reverted, tagDeleted, warnings, err := c.RollbackGit(ctx, state)
		result.GitReverted = reverted
		result.TagDeleted = tagDeleted
		result.Warnings = append(result.Warnings, warnings...)
		if err != nil {
			return result, err
		}
	}
	if scope.IncludesGit() {
		result.ManualRevertFiles = c.FlagVersionEdits(state)
		if len(result.ManualRevertFiles) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("version edits in %d file(s) need manual review", len(result.ManualRevertFiles)))
		}
	}
	return result, nil
}

// RollbackPackages yanks every package the release published and marks it
// yanked in state.
func (c *Coordinator) RollbackPackages(ctx context.Context, state *release.State) (pipeline.RollbackReport, error) {
	if state.PublishState == nil || len(state.PublishState.Successful) == 0 {
		return pipeline.RollbackReport{Failed: map[string]string{}}, nil
	}
	c.log.Info("yanking %d published package(s)", len(state.PublishState.Successful))
	report, err := c.pipeline.RollbackPublished(ctx, state.PublishState, c.registry.Yank)
	if err != nil {
		return report, err
	}
	for _, name := range report.Yanked {
		c.log.Info("yanked %s %s", name, state.TargetVersion)
	}
	for name, msg := range report.Failed {
		c.log.Error("yank %s failed: %s", name, msg)
	}
	return report, nil
}

// RollbackGit deletes the release tag and moves HEAD back to the commit the
// release started from. The reset is mixed so manifest edits remain in the
// working tree for review. Steps already undone are skipped.
func (c *Coordinator) RollbackGit(ctx context.Context, state *release.State) (reverted, tagDeleted bool, warnings []string, err error) {
	gs := state.GitState
	if gs == nil || gs.RolledBack {
		return false, false, nil, nil
	}
	if gs.Tag != nil {
		exists, err := c.vcs.TagExists(ctx, gs.Tag.Name)
		if err != nil {
			return false, false, warnings, err
		}
		remote := ""
		if gs.Push != nil && gs.Push.TagsPushed > 0 {
			remote = gs.Push.Remote
		}
		if exists || remote != "" {
			if err := c.vcs.DeleteTag(ctx, gs.Tag.Name, remote); err != nil {
				return false, false, warnings, err
			}
			tagDeleted = true
			c.log.Info("deleted tag %s", gs.Tag.Name)
		}
	}
	if gs.Commit != nil && gs.PreviousHead != "" {
		head, err := c.vcs.Head(ctx)
		if err != nil {
			return false, tagDeleted, warnings, err
		}
		switch head {
		case gs.Commit.Hash:
			if err := c.vcs.ResetTo(ctx, gs.PreviousHead, vcs.ResetMixed); err != nil {
				return false, tagDeleted, warnings, err
			}
			reverted = true
			c.log.Info("reset %s to %s", gs.Commit.ShortHash, gs.PreviousHead)
		case gs.PreviousHead:
		default:
			warnings = append(warnings, fmt.Sprintf("HEAD moved past the release commit %s; leaving history untouched", gs.Commit.ShortHash))
			c.log.Warn("HEAD is %s, not release commit %s; skipping reset", head, gs.Commit.ShortHash)
		}
		if gs.Push != nil {
			warnings = append(warnings, fmt.Sprintf("release commit was pushed to %s; revert it on the remote manually", gs.Push.Remote))
		}
	}
	gs.RolledBack = true
	return reverted, tagDeleted, warnings, nil
}

// FlagVersionEdits returns the manifests the version update touched. They
// are never rewritten automatically.
func (c *Coordinator) FlagVersionEdits(state *release.State) []string {
	vs := state.VersionState
	if vs == nil || len(vs.UpdatedFiles) == 0 {
		return nil
	}
	if !vs.RequiresManualRevert {
		vs.RequiresManualRevert = true
		c.log.Warn("version %s -> %s needs manual revert in: %v", vs.Previous, vs.Target, vs.UpdatedFiles)
	}
	return append([]string(nil), vs.UpdatedFiles...)
}
