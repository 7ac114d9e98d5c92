package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/tui"
	"github.com/kingrea/cascade/internal/workspace"
)

type validateOutput struct {
	Root       string                     `json:"root"`
	Packages   int                        `json:"packages"`
	Validation workspace.ValidationReport `json:"validation"`
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the workspace is ready to release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			info, report, err := s.engine.Validate(cmd.Context())
			if a.flags.jsonOutput {
				if info.Root != "" {
					if jerr := writeJSON(a.out, validateOutput{Root: info.Root, Packages: len(info.Packages), Validation: report}); jerr != nil {
						return jerr
					}
				}
				return err
			}
			if info.Root != "" {
				a.printf("%s %s (%d packages)\n\n", tui.Title("Workspace"), info.Root, len(info.Packages))
			}
			if len(report.Checks) > 0 {
				a.printf("%s\n", renderValidation(report))
			}
			if err != nil {
				return err
			}
			a.printf("\n%s\n", tui.Success("workspace is ready to release"))
			return nil
		},
	}
}

func renderValidation(report workspace.ValidationReport) string {
	var b strings.Builder
	for _, check := range report.Checks {
		line := fmt.Sprintf("%s: %s", check.Name, check.Message)
		switch {
		case check.Passed:
			b.WriteString(tui.Success(line))
		case check.Critical:
			b.WriteString(tui.Failure(line))
		default:
			b.WriteString(tui.Warning(line))
		}
		b.WriteString("\n")
		for _, problem := range check.Problems {
			fmt.Fprintf(&b, "    %s\n", tui.Dim(problem))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
