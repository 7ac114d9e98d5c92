// Package cmd wires the cascade command line onto the release engine.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/registry"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/tui"
	"github.com/kingrea/cascade/internal/vcs"
)

// connectFunc opens the version control and registry collaborators for a
// workspace.
type connectFunc func(root string, cfg *config.Config) (vcs.Operations, registry.Publisher, error)

type globalFlags struct {
	workspace   string
	verbose     bool
	quiet       bool
	jsonOutput  bool
	noColor     bool
	metricsFile string
}

// app carries the streams and collaborator factories shared by every
// subcommand.
type app struct {
	in     io.Reader
	stdin  *os.File
	out    io.Writer
	errOut io.Writer

	flags   globalFlags
	connect connectFunc
	clock   func() time.Time

	pipelineOpts []pipeline.Option

	// failedPhase is the phase the last engine error was recorded against.
	failedPhase release.Phase
}

func newApp() *app {
	return &app{
		in:      os.Stdin,
		stdin:   os.Stdin,
		out:     os.Stdout,
		errOut:  os.Stderr,
		connect: connectGit,
	}
}

func connectGit(root string, cfg *config.Config) (vcs.Operations, registry.Publisher, error) {
	p := cfg.Project
	repo, err := vcs.Open(root,
		vcs.WithSignature(p.Git.AuthorName, p.Git.AuthorEmail),
		vcs.WithPushTimeout(p.Git.PushTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	opts := []registry.CargoOption{registry.WithRegistry(p.Registry)}
	if p.Publish.Cargo != "" {
		opts = append(opts, registry.WithBinary(p.Publish.Cargo))
	}
	return repo, registry.NewCargo(root, opts...), nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp().run(ctx, os.Args[1:])
}

func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		a.reportError(err)
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cascade",
		Short: "Resumable release orchestration for Cargo workspaces",
		Long: `cascade bumps versions, commits and tags, and publishes every crate of a
Cargo workspace in dependency order. Progress is checkpointed under .cascade/
so an interrupted or failed release can be resumed or rolled back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.verbose && a.flags.quiet {
				return release.Newf(release.CategoryCLI, release.KindConflictingArguments, "--verbose and --quiet cannot be combined")
			}
			if a.flags.noColor || a.flags.jsonOutput {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			return nil
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.workspace, "workspace", "w", ".", "path to the Cargo workspace")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "echo the release log and show recovery suggestions")
	pf.BoolVarP(&a.flags.quiet, "quiet", "q", false, "only print errors")
	pf.BoolVar(&a.flags.jsonOutput, "json", false, "print machine readable output")
	pf.BoolVar(&a.flags.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&a.flags.metricsFile, "metrics-file", "", "write prometheus textfile metrics to this path")

	root.AddCommand(
		a.initCommand(),
		a.releaseCommand(),
		a.previewCommand(),
		a.resumeCommand(),
		a.rollbackCommand(),
		a.statusCommand(),
		a.cleanupCommand(),
		a.validateCommand(),
	)
	return root
}

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .cascade/ with a default config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitProjectDir(a.flags.workspace); err != nil {
				return err
			}
			cfg, err := config.Load(a.flags.workspace)
			if err != nil {
				return err
			}
			a.printf("%s\n", tui.Success("wrote "+cfg.ProjectConfigPath()))
			return nil
		},
	}
}

func (a *app) reportError(err error) {
	if a.flags.jsonOutput {
		payload := map[string]any{"error": err.Error(), "recoverable": release.IsRecoverable(err)}
		if e, ok := release.AsError(err); ok {
			payload["category"] = e.Category
			payload["kind"] = e.Kind
		}
		if a.failedPhase != "" {
			payload["phase"] = a.failedPhase
		}
		_ = writeJSON(a.errOut, payload)
		return
	}
	fmt.Fprintln(a.errOut, tui.RenderError(err, a.failedPhase, a.flags.verbose))
	if errors.Is(err, context.Canceled) || a.failedPhase != "" {
		fmt.Fprintln(a.errOut, tui.Dim("progress is saved; run `cascade resume` to continue or `cascade rollback` to undo"))
	}
}

// printf writes human output unless --quiet or --json is set.
func (a *app) printf(format string, args ...any) {
	if a.flags.quiet || a.flags.jsonOutput {
		return
	}
	fmt.Fprintf(a.out, format, args...)
}
