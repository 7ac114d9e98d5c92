package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/tui"
	"github.com/kingrea/cascade/internal/workspace"
)

type releaseFlags struct {
	version        string
	dryRun         bool
	skipValidation bool
	allowDirty     bool
	noPush         bool
	noBackup       bool
	keepState      bool
	registry       string
	packageDelay   time.Duration
	maxRetries     int
	timeout        time.Duration
	concurrency    int
}

// overrides maps explicitly set flags onto config overrides. Unset flags
// leave the project config in charge.
func (f *releaseFlags) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{AllowDirty: f.allowDirty, SkipValidation: f.skipValidation}
	changed := cmd.Flags().Changed
	if changed("registry") {
		o.Registry = &f.registry
	}
	if f.noPush {
		push := false
		o.Push = &push
	}
	if f.noBackup {
		backup := false
		o.Backup = &backup
	}
	if changed("package-delay") {
		o.PackageDelay = &f.packageDelay
	}
	if changed("max-retries") {
		o.MaxRetries = &f.maxRetries
	}
	if changed("timeout") {
		o.Timeout = &f.timeout
	}
	if changed("concurrency") {
		o.Concurrency = &f.concurrency
	}
	return o
}

// parseBump resolves the positional bump and --version into a bump kind.
// An exact version without a bump argument implies "exact".
func parseBump(args []string, exact string) (release.BumpKind, error) {
	if len(args) == 0 {
		if exact != "" {
			return release.BumpExact, nil
		}
		return "", release.Newf(release.CategoryCLI, release.KindMissingArgument, "a bump kind is required (major, minor, patch, prerelease or exact)")
	}
	kind, err := release.ParseBumpKind(args[0])
	if err != nil {
		return "", err
	}
	switch {
	case kind == release.BumpExact && exact == "":
		return "", release.Newf(release.CategoryCLI, release.KindMissingArgument, "exact bumps need --version")
	case kind != release.BumpExact && exact != "":
		return "", release.Newf(release.CategoryCLI, release.KindConflictingArguments, "--version only applies to exact bumps")
	}
	return kind, nil
}

func (a *app) releaseCommand() *cobra.Command {
	flags := &releaseFlags{}
	cmd := &cobra.Command{
		Use:   "release <major|minor|patch|prerelease|exact>",
		Short: "Bump, tag and publish every crate in the workspace",
		Example: `  cascade release minor
  cascade release exact --version 2.0.0-rc.1
  cascade release patch --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bump, err := parseBump(args, flags.version)
			if err != nil {
				return err
			}
			if flags.dryRun {
				return a.dryRun(cmd, bump, flags)
			}
			return a.runRelease(cmd, bump, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.version, "version", "", "exact version to release")
	f.BoolVar(&flags.dryRun, "dry-run", false, "validate and show the plan without changing anything")
	f.BoolVar(&flags.skipValidation, "skip-validation", false, "skip workspace validation")
	f.BoolVar(&flags.allowDirty, "allow-dirty", false, "release from a working tree with uncommitted changes")
	f.BoolVar(&flags.noPush, "no-push", false, "do not push the release commit and tag")
	f.BoolVar(&flags.noBackup, "no-backup", false, "do not snapshot the state when the release completes")
	f.BoolVar(&flags.keepState, "keep-state", false, "keep the completed release state so it can still be rolled back")
	f.StringVar(&flags.registry, "registry", "", "alternative registry to publish to")
	f.DurationVar(&flags.packageDelay, "package-delay", 0, "delay between publishes")
	f.IntVar(&flags.maxRetries, "max-retries", 0, "retries per package for transient failures")
	f.DurationVar(&flags.timeout, "timeout", 0, "timeout for each publish attempt")
	f.IntVar(&flags.concurrency, "concurrency", 1, "maximum concurrent publishes within a tier")
	return cmd
}

func (a *app) runRelease(cmd *cobra.Command, bump release.BumpKind, flags *releaseFlags) error {
	s, err := a.open(true)
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.engine.Start(cmd.Context(), engine.StartRequest{
		Bump:    bump,
		Version: flags.version,
		Config:  s.releaseConfig(flags.overrides(cmd)),
	})
	if err != nil {
		if state != nil {
			a.failedPhase = state.CurrentPhase
		}
		return err
	}
	if !flags.keepState {
		if _, err := s.engine.Cleanup(engine.CleanupRequest{}); err != nil {
			return err
		}
	}
	if a.flags.jsonOutput {
		return writeJSON(a.out, state)
	}
	a.printf("%s\n", tui.Success(fmt.Sprintf("released v%s (%d packages)", state.TargetVersion, len(state.PublishState.PublishedNames()))))
	if flags.keepState {
		a.printf("%s\n", tui.Dim("state kept; run `cascade cleanup` once it is no longer needed"))
	}
	return nil
}

type dryRunReport struct {
	DryRun     bool                        `json:"dry_run"`
	Validation *workspace.ValidationReport `json:"validation,omitempty"`
	Preview    engine.PreviewReport        `json:"preview"`
}

func (a *app) dryRun(cmd *cobra.Command, bump release.BumpKind, flags *releaseFlags) error {
	s, err := a.open(false)
	if err != nil {
		return err
	}
	defer s.Close()

	report := dryRunReport{DryRun: true}
	if !flags.skipValidation {
		_, validation, err := s.engine.Validate(cmd.Context())
		if err != nil {
			if !a.flags.jsonOutput {
				a.printf("%s\n", renderValidation(validation))
			}
			return err
		}
		report.Validation = &validation
	}
	cfg := s.releaseConfig(flags.overrides(cmd))
	report.Preview, err = s.engine.Preview(bump, flags.version, cfg)
	if err != nil {
		return err
	}
	if a.flags.jsonOutput {
		return writeJSON(a.out, report)
	}
	a.printf("%s\n\n", tui.Title("Dry run: nothing will be changed"))
	if report.Validation != nil {
		a.printf("%s\n\n", renderValidation(*report.Validation))
	}
	a.printf("%s\n", renderPreview(report.Preview))
	a.printf("\n%s\n", renderSettings(cfg))
	return nil
}

func (a *app) previewCommand() *cobra.Command {
	var exact string
	cmd := &cobra.Command{
		Use:   "preview <major|minor|patch|prerelease|exact>",
		Short: "Show the next version and publish order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bump, err := parseBump(args, exact)
			if err != nil {
				return err
			}
			s, err := a.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := s.engine.Preview(bump, exact, s.releaseConfig(config.Overrides{}))
			if err != nil {
				return err
			}
			if a.flags.jsonOutput {
				return writeJSON(a.out, report)
			}
			a.printf("%s\n", renderPreview(report))
			return nil
		},
	}
	cmd.Flags().StringVar(&exact, "version", "", "exact version to preview")
	return cmd
}

func renderPreview(report engine.PreviewReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", tui.Title("Version"))
	fmt.Fprintf(&b, "  %s → %s (%s)\n", report.Version.Current, report.Version.Proposed, report.Version.Kind)
	fmt.Fprintf(&b, "  %s %s\n", tui.Dim("tag:"), report.Tag)
	if len(report.Version.FilesToModify) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", tui.Dim("files:"), strings.Join(report.Version.FilesToModify, ", "))
	}
	fmt.Fprintf(&b, "\n%s\n", tui.Title(fmt.Sprintf("Publish order (%d packages)", len(report.Packages))))
	b.WriteString(indent(tui.RenderTiers(report.Plan.Tiers)))
	return b.String()
}

func renderSettings(cfg release.Config) string {
	registry := cfg.Registry
	if registry == "" {
		registry = "crates.io"
	}
	lines := []string{
		tui.Title("Settings"),
		fmt.Sprintf("  %s %s", tui.Dim("registry:"), registry),
		fmt.Sprintf("  %s %t (%s)", tui.Dim("push:"), cfg.Push, cfg.Remote),
		fmt.Sprintf("  %s %s", tui.Dim("package delay:"), cfg.PackageDelay),
		fmt.Sprintf("  %s %d", tui.Dim("max retries:"), cfg.MaxRetries),
		fmt.Sprintf("  %s %d", tui.Dim("concurrency:"), cfg.MaxConcurrentPerTier),
	}
	return strings.Join(lines, "\n")
}

func indent(s string) string {
	if s == "" {
		return s
	}
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
