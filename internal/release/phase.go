package release

import (
	"fmt"
	"strings"
)

// Phase names a stage of a release.
type Phase string

const (
	PhaseValidation    Phase = "validation"
	PhaseVersionUpdate Phase = "version_update"
	PhaseGitOperations Phase = "git_operations"
	PhasePublishing    Phase = "publishing"
	PhaseCleanup       Phase = "cleanup"
	PhaseCompleted     Phase = "completed"
	PhaseRollingBack   Phase = "rolling_back"
	PhaseRolledBack    Phase = "rolled_back"
)

var forwardPhases = []Phase{
	PhaseValidation,
	PhaseVersionUpdate,
	PhaseGitOperations,
	PhasePublishing,
	PhaseCleanup,
	PhaseCompleted,
}

// ForwardPhases returns the canonical phase sequence of a successful release.
func ForwardPhases() []Phase {
	out := make([]Phase, len(forwardPhases))
	copy(out, forwardPhases)
	return out
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseValidation, PhaseVersionUpdate, PhaseGitOperations, PhasePublishing,
		PhaseCleanup, PhaseCompleted, PhaseRollingBack, PhaseRolledBack:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are expected from p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// IsRollback reports whether p belongs to the rollback track.
func (p Phase) IsRollback() bool {
	return p == PhaseRollingBack || p == PhaseRolledBack
}

// Index returns the position of p in the forward sequence, or -1 for the
// rollback track.
func (p Phase) Index() int {
	for i, candidate := range forwardPhases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase following p in the forward sequence.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	if idx < 0 || idx+1 >= len(forwardPhases) {
		return "", false
	}
	return forwardPhases[idx+1], true
}

// FriendlyName renders p for console output.
func (p Phase) FriendlyName() string {
	switch p {
	case PhaseValidation:
		return "Validation"
	case PhaseVersionUpdate:
		return "Version Update"
	case PhaseGitOperations:
		return "Git Operations"
	case PhasePublishing:
		return "Publishing"
	case PhaseCleanup:
		return "Cleanup"
	case PhaseCompleted:
		return "Completed"
	case PhaseRollingBack:
		return "Rolling Back"
	case PhaseRolledBack:
		return "Rolled Back"
	}
	return string(p)
}

// ParsePhase accepts the persisted form as well as a few friendly aliases
// ("version-update", "git", "publish").
func ParsePhase(value string) (Phase, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "git":
		return PhaseGitOperations, nil
	case "publish":
		return PhasePublishing, nil
	case "version":
		return PhaseVersionUpdate, nil
	}
	phase := Phase(normalized)
	if !phase.Valid() {
		return "", Newf(CategoryCLI, KindInvalidArguments, "unknown phase %q", value)
	}
	return phase, nil
}

// BumpKind describes how the target version was derived.
type BumpKind string

const (
	BumpMajor      BumpKind = "major"
	BumpMinor      BumpKind = "minor"
	BumpPatch      BumpKind = "patch"
	BumpPrerelease BumpKind = "prerelease"
	BumpExact      BumpKind = "exact"
)

// ParseBumpKind validates a bump kind supplied on the command line.
func ParseBumpKind(value string) (BumpKind, error) {
	kind := BumpKind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case BumpMajor, BumpMinor, BumpPatch, BumpPrerelease, BumpExact:
		return kind, nil
	case "pre-release", "pre":
		return BumpPrerelease, nil
	}
	return "", Newf(CategoryCLI, KindInvalidArguments, "unknown bump kind %q (want major, minor, patch, prerelease or exact)", value)
}

func (k BumpKind) String() string {
	return string(k)
}

func (p Phase) String() string {
	return string(p)
}

// GoString keeps %#v output readable in test failures.
func (p Phase) GoString() string {
	return fmt.Sprintf("release.Phase(%q)", string(p))
}
