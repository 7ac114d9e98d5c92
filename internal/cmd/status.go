package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/tui"
)

func (a *app) statusCommand() *cobra.Command {
	var detailed, history bool
	var logLines int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			lines := 0
			if history {
				lines = logLines
			}
			report, err := s.engine.Status(lines)
			if err != nil {
				return err
			}
			if a.flags.jsonOutput {
				if !report.Active {
					return writeJSON(a.out, map[string]string{"status": "no_active_release"})
				}
				return writeJSON(a.out, report)
			}
			if report.RecoveredFromBackup {
				a.printf("%s\n", tui.Warning("state was recovered from the backup file"))
			}
			now := time.Now()
			if a.clock != nil {
				now = a.clock()
			}
			a.printf("%s\n", tui.RenderStatus(report.State, detailed || history, now))
			if history && len(report.RecentLog) > 0 {
				a.printf("\n%s\n", tui.RenderLogPanel(s.log.Path(), report.RecentLog, 100))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&detailed, "detailed", false, "show checkpoints, packages and every error")
	f.BoolVar(&history, "history", false, "include recent release log entries")
	f.IntVar(&logLines, "lines", 20, "log entries shown with --history")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if logLines < 0 {
			return release.Newf(release.CategoryCLI, release.KindInvalidArguments, "--lines must not be negative")
		}
		return nil
	}
	return cmd
}
