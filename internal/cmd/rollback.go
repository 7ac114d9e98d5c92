package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/rollback"
	"github.com/kingrea/cascade/internal/tui"
)

func (a *app) rollbackCommand() *cobra.Command {
	var force, gitOnly, packagesOnly, yes bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo the active release: yank published crates and revert git",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := rollback.ParseScope(gitOnly, packagesOnly)
			if err != nil {
				return err
			}
			s, err := a.open(true)
			if err != nil {
				return err
			}
			defer s.Close()

			if !yes {
				ok, err := a.confirmRollback(s, scope)
				if err != nil {
					return err
				}
				if !ok {
					a.printf("%s\n", tui.Dim("rollback cancelled"))
					return nil
				}
			}

			result, err := s.engine.Rollback(cmd.Context(), engine.RollbackRequest{Scope: scope, Force: force})
			if err != nil {
				if result.State != nil && result.State.CurrentPhase.IsRollback() {
					a.failedPhase = result.State.CurrentPhase
					a.printf("%s\n", renderRollback(result.Result))
				}
				return err
			}
			if a.flags.jsonOutput {
				return writeJSON(a.out, result)
			}
			if result.AlreadyRolledBack {
				a.printf("%s\n", tui.Dim(fmt.Sprintf("release v%s was already rolled back", result.State.TargetVersion)))
				return nil
			}
			a.printf("%s\n", renderRollback(result.Result))
			if live := result.State.PublishState.UnyankedNames(); len(live) > 0 && !result.Result.Complete() {
				a.printf("%s\n", tui.Warning(fmt.Sprintf("release v%s rolled back but %s still published; run cascade rollback again to retry",
					result.State.TargetVersion, strings.Join(live, ", "))))
				return nil
			}
			a.printf("%s\n", tui.Success(fmt.Sprintf("release v%s rolled back", result.State.TargetVersion)))
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&force, "force", false, "roll back a release that already completed")
	f.BoolVar(&gitOnly, "git-only", false, "only revert the commit and tag")
	f.BoolVar(&packagesOnly, "packages-only", false, "only yank published crates")
	f.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirmRollback prompts on an interactive terminal. Scripts and --json
// runs proceed without a prompt.
func (a *app) confirmRollback(s *session, scope rollback.Scope) (bool, error) {
	if a.flags.jsonOutput || !tui.IsInteractive(a.stdin) {
		return true, nil
	}
	report, err := s.engine.Status(0)
	if err != nil || !report.Active {
		// Rollback reports the missing or unreadable state itself.
		return true, nil
	}
	state := report.State
	prompt := fmt.Sprintf("Roll back release v%s (%s, scope %s)?", state.TargetVersion, state.CurrentPhase.FriendlyName(), scope)
	return tui.Confirm(a.in, a.out, prompt)
}

func renderRollback(result rollback.Result) string {
	var lines []string
	if pkgs := result.Packages; pkgs != nil {
		if len(pkgs.Yanked) > 0 {
			lines = append(lines, tui.Success("yanked "+strings.Join(pkgs.Yanked, ", ")))
		}
		if len(pkgs.AlreadyYanked) > 0 {
			lines = append(lines, tui.Dim("already yanked: "+strings.Join(pkgs.AlreadyYanked, ", ")))
		}
		names := make([]string, 0, len(pkgs.Failed))
		for name := range pkgs.Failed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, tui.Failure(fmt.Sprintf("yank %s: %s", name, pkgs.Failed[name])))
		}
	}
	if result.GitReverted {
		lines = append(lines, tui.Success("release commit reverted"))
	}
	if result.TagDeleted {
		lines = append(lines, tui.Success("release tag deleted"))
	}
	if len(result.ManualRevertFiles) > 0 {
		lines = append(lines, tui.Warning("revert manifest edits by hand: "+strings.Join(result.ManualRevertFiles, ", ")))
	}
	for _, warning := range result.Warnings {
		lines = append(lines, tui.Warning(warning))
	}
	if len(lines) == 0 {
		lines = append(lines, tui.Dim(fmt.Sprintf("nothing to roll back for scope %s", result.Scope)))
	}
	return strings.Join(lines, "\n")
}
