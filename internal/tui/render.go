package tui

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/cascade/internal/release"
)

type phaseMark int

const (
	markPending phaseMark = iota
	markDone
	markCurrent
	markFailed
)

// RenderTimeline draws the forward phases with the current position marked.
// Rollback phases are appended when the release has entered them.
func RenderTimeline(state *release.State) string {
	if state == nil {
		return ""
	}
	phases := release.ForwardPhases()
	if state.CurrentPhase.IsRollback() {
		phases = append(phases, release.PhaseRollingBack, release.PhaseRolledBack)
	}
	failedPhase := release.Phase("")
	if n := len(state.Errors); n > 0 && state.Errors[n-1].Phase == state.CurrentPhase {
		failedPhase = state.CurrentPhase
	}
	reached := map[release.Phase]bool{}
	for _, cp := range state.Checkpoints {
		reached[cp.Phase] = true
	}

	var lines []string
	for _, phase := range phases {
		mark := markPending
		switch {
		case phase == failedPhase:
			mark = markFailed
		case phase == state.CurrentPhase && !phase.IsTerminal():
			mark = markCurrent
		case reached[phase] || (!state.CurrentPhase.IsRollback() && phase.Index() < state.CurrentPhase.Index()):
			mark = markDone
		}
		lines = append(lines, renderPhase(phase, mark))
	}
	return strings.Join(lines, "\n")
}

func renderPhase(phase release.Phase, mark phaseMark) string {
	name := phase.FriendlyName()
	switch mark {
	case markDone:
		return successStyle.Render("● ") + textStyle.Render(name)
	case markCurrent:
		return titleStyle.Render("◉ " + name)
	case markFailed:
		return errorStyle.Render("✗ " + name)
	}
	return dimStyle.Render("○ " + name)
}

// RenderStatus summarizes a release. detailed adds checkpoints, the package
// table and the error history.
func RenderStatus(state *release.State, detailed bool, now time.Time) string {
	if state == nil {
		return Dim("No active release.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", Title(fmt.Sprintf("Release v%s", state.TargetVersion)))
	fmt.Fprintf(&b, "%s %s (%s bump)\n", Dim("id:"), state.ReleaseID, state.VersionBump)
	fmt.Fprintf(&b, "%s %s\n", Dim("phase:"), state.CurrentPhase.FriendlyName())
	fmt.Fprintf(&b, "%s %s\n", Dim("elapsed:"), state.Elapsed(now).Round(time.Second))
	if state.IsResumable() {
		fmt.Fprintf(&b, "%s\n", Warning("release can be resumed with `cascade resume`"))
	}
	b.WriteString("\n")
	b.WriteString(RenderTimeline(state))
	b.WriteString("\n")

	if ps := state.PublishState; ps != nil {
		fmt.Fprintf(&b, "\n%s %d published, %d failed\n", Dim("packages:"), len(ps.Successful), len(ps.Failed))
		if detailed {
			b.WriteString(renderPackages(ps))
		}
	}
	if gs := state.GitState; gs != nil && detailed {
		b.WriteString("\n" + renderGit(gs) + "\n")
	}
	if detailed {
		b.WriteString("\n" + Title("Checkpoints") + "\n")
		for _, cp := range state.Checkpoints {
			fmt.Fprintf(&b, "  %s %s %s\n", Dim(cp.Timestamp.Format(time.RFC3339)), cp.Name, Dim("("+string(cp.Phase)+")"))
		}
	}
	if len(state.Errors) > 0 {
		b.WriteString("\n" + Title("Errors") + "\n")
		records := state.Errors
		if !detailed {
			records = records[len(records)-1:]
		}
		for _, record := range records {
			line := fmt.Sprintf("[%s] %s", record.Phase, record.Message)
			if record.Recoverable {
				fmt.Fprintf(&b, "  %s\n", Warning(line))
			} else {
				fmt.Fprintf(&b, "  %s\n", Failure(line))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPackages(ps *release.PublishState) string {
	names := make([]string, 0, len(ps.Successful)+len(ps.Failed))
	names = append(names, ps.PublishedNames()...)
	names = append(names, ps.FailedNames()...)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		if result, ok := ps.Successful[name]; ok {
			note := fmt.Sprintf("%d attempt(s)", result.Attempts)
			switch {
			case result.Yanked:
				note = "yanked"
			case result.AlreadyPublished:
				note = "already published"
			}
			fmt.Fprintf(&b, "  %s %s\n", Success(name), Dim(note))
			continue
		}
		failure := ps.Failed[name]
		fmt.Fprintf(&b, "  %s %s\n", Failure(name), detailStyle.Render(fmt.Sprintf("%s after %d attempt(s): %s", failure.Kind, failure.Attempts, failure.Message)))
	}
	return b.String()
}

func renderGit(gs *release.GitState) string {
	var lines []string
	lines = append(lines, Dim("previous head: ")+gs.PreviousHead)
	if gs.Commit != nil {
		lines = append(lines, Dim("commit: ")+gs.Commit.ShortHash+" "+gs.Commit.Message)
	}
	if gs.Tag != nil {
		lines = append(lines, Dim("tag: ")+gs.Tag.Name)
	}
	if gs.Push != nil {
		lines = append(lines, Dim("pushed: ")+fmt.Sprintf("%d commit(s), %d tag(s) to %s", gs.Push.CommitsPushed, gs.Push.TagsPushed, gs.Push.Remote))
	}
	if gs.RolledBack {
		lines = append(lines, warnStyle.Render("rolled back"))
	}
	return strings.Join(lines, "\n")
}

// RenderError prints the failing phase, the error and, when verbose, the
// recovery suggestions.
func RenderError(err error, phase release.Phase, verbose bool) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	if phase != "" {
		fmt.Fprintf(&b, "%s\n", Failure(fmt.Sprintf("%s failed: %v", phase.FriendlyName(), err)))
	} else {
		fmt.Fprintf(&b, "%s\n", Failure(err.Error()))
	}
	if !release.IsRecoverable(err) {
		fmt.Fprintf(&b, "%s\n", Dim("this error is not recoverable; resume requires --force"))
	}
	if verbose {
		for _, suggestion := range release.SuggestionsFor(err) {
			fmt.Fprintf(&b, "  %s %s\n", Dim("→"), suggestion)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderLogPanel boxes the most recent log lines.
func RenderLogPanel(path string, lines []string, width int) string {
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(path)
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := titleStyle.Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Width(max(20, width-4)).
		Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

// RenderTiers lists a publish plan one tier per line.
func RenderTiers(tiers [][]string) string {
	var lines []string
	for i, tier := range tiers {
		lines = append(lines, fmt.Sprintf("%s %s", Dim(fmt.Sprintf("tier %d:", i)), strings.Join(tier, ", ")))
	}
	return strings.Join(lines, "\n")
}
