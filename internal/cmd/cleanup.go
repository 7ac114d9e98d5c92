package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/tui"
)

// parseAge accepts Go durations plus a day suffix ("7d").
func parseAge(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	age, err := time.ParseDuration(value)
	if err != nil || age < 0 {
		return 0, release.Newf(release.CategoryCLI, release.KindInvalidArguments, "invalid age %q (use e.g. 72h or 7d)", value)
	}
	return age, nil
}

func (a *app) cleanupCommand() *cobra.Command {
	var all, yes, force bool
	var olderThan string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the state of a finished release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && olderThan != "" {
				return release.Newf(release.CategoryCLI, release.KindConflictingArguments, "--all already removes every backup; drop --older-than")
			}
			age, err := parseAge(olderThan)
			if err != nil {
				return err
			}
			s, err := a.open(true)
			if err != nil {
				return err
			}
			defer s.Close()

			if age == 0 && !all {
				age = s.cfg.Project.Backups.MaxAge
			}
			if !yes && !a.flags.jsonOutput && tui.IsInteractive(a.stdin) {
				prompt := "Remove the release state?"
				if all {
					prompt = "Remove the release state and every backup?"
				}
				ok, err := tui.Confirm(a.in, a.out, prompt)
				if err != nil {
					return err
				}
				if !ok {
					a.printf("%s\n", tui.Dim("cleanup cancelled"))
					return nil
				}
			}

			report, err := s.engine.Cleanup(engine.CleanupRequest{
				All:       all,
				Backup:    !all && s.cfg.Project.Backups.Enabled,
				Force:     force,
				OlderThan: age,
			})
			if err != nil {
				return err
			}
			if a.flags.jsonOutput {
				return writeJSON(a.out, report)
			}
			switch {
			case report.Removed:
				a.printf("%s\n", tui.Success("release state removed"))
			case all:
				a.printf("%s\n", tui.Success("backups removed"))
			default:
				a.printf("%s\n", tui.Dim("no release state to clean up"))
			}
			if report.BackupPath != "" {
				a.printf("%s\n", tui.Dim("snapshot kept at "+report.BackupPath))
			}
			if report.Pruned > 0 {
				a.printf("%s\n", tui.Dim(fmt.Sprintf("pruned %d old snapshot(s)", report.Pruned)))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "also remove every backup and snapshot")
	f.StringVar(&olderThan, "older-than", "", "prune snapshots older than this age (e.g. 72h, 7d)")
	f.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	f.BoolVar(&force, "force", false, "remove state of a release that has not finished")
	return cmd
}
