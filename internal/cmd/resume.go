package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/tui"
)

func (a *app) resumeCommand() *cobra.Command {
	var force, skipValidation, keepState bool
	var resetTo string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted release from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.ResumeRequest{Force: force, SkipValidation: skipValidation}
			if resetTo != "" {
				phase, err := release.ParsePhase(resetTo)
				if err != nil {
					return err
				}
				req.ResetTo = phase
			}

			s, err := a.open(true)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.engine.Resume(cmd.Context(), req)
			if result.RecoveredFromBackup {
				a.printf("%s\n", tui.Warning("state was recovered from the backup file"))
			}
			if err != nil {
				if result.State != nil {
					a.failedPhase = result.State.CurrentPhase
				}
				return err
			}
			state := result.State
			if state.CurrentPhase == release.PhaseCompleted && !keepState {
				if _, err := s.engine.Cleanup(engine.CleanupRequest{}); err != nil {
					return err
				}
			}
			if a.flags.jsonOutput {
				return writeJSON(a.out, state)
			}
			a.printf("%s\n", tui.Success(fmt.Sprintf("release v%s %s", state.TargetVersion, state.CurrentPhase.FriendlyName())))
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&force, "force", false, "resume even when the release recorded critical errors")
	f.StringVar(&resetTo, "reset-to-phase", "", "re-enter this phase (validation, version_update, git_operations, publishing)")
	f.BoolVar(&skipValidation, "skip-validation", false, "skip workspace validation")
	f.BoolVar(&keepState, "keep-state", false, "keep the state once the release completes")
	return cmd
}
