package release

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SchemaVersion tags persisted state so incompatible files are detected on load.
const SchemaVersion = "1"

// Config holds the release settings persisted with the state so resume reuses
// the options the release was started with.
type Config struct {
	Registry             string        `json:"registry,omitempty"`
	Remote               string        `json:"remote,omitempty"`
	Push                 bool          `json:"push"`
	AllowDirty           bool          `json:"allow_dirty,omitempty"`
	SkipValidation       bool          `json:"skip_validation,omitempty"`
	Backup               bool          `json:"backup"`
	TagPrefix            string        `json:"tag_prefix,omitempty"`
	CommitMessage        string        `json:"commit_message,omitempty"`
	PackageDelay         time.Duration `json:"package_delay"`
	MaxRetries           int           `json:"max_retries"`
	MaxConcurrentPerTier int           `json:"max_concurrent_per_tier"`
	Timeout              time.Duration `json:"timeout"`
}

// TagName renders the release tag for version.
func (c Config) TagName(version string) string {
	prefix := c.TagPrefix
	if prefix == "" {
		prefix = "v"
	}
	return prefix + version
}

// Checkpoint marks a durable step of a release.
type Checkpoint struct {
	Name      string            `json:"name"`
	Phase     Phase             `json:"phase"`
	Timestamp time.Time         `json:"timestamp"`
	Completed bool              `json:"completed"`
	Data      map[string]string `json:"data,omitempty"`
}

// ErrorRecord is a persisted error entry.
type ErrorRecord struct {
	Phase       Phase     `json:"phase"`
	Category    Category  `json:"category,omitempty"`
	Kind        Kind      `json:"kind,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// VersionState records the outcome of the version update phase.
type VersionState struct {
	Previous             string   `json:"previous"`
	Target               string   `json:"target"`
	UpdatedFiles         []string `json:"updated_files"`
	Summary              string   `json:"summary,omitempty"`
	RequiresManualRevert bool     `json:"requires_manual_revert,omitempty"`
}

// CommitInfo describes a commit created by the release.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Parents   []string  `json:"parents,omitempty"`
}

// TagInfo describes the release tag.
type TagInfo struct {
	Name      string    `json:"name"`
	Message   string    `json:"message,omitempty"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Annotated bool      `json:"annotated"`
}

// PushInfo describes a push of the release commit and tag.
type PushInfo struct {
	Remote        string   `json:"remote"`
	CommitsPushed int      `json:"commits_pushed"`
	TagsPushed    int      `json:"tags_pushed"`
	Warnings      []string `json:"warnings,omitempty"`
}

// GitState records the outcome of the git phase. PreviousHead is captured
// before any commit so rollback knows where to reset to.
type GitState struct {
	PreviousHead   string      `json:"previous_head"`
	PreviousBranch string      `json:"previous_branch,omitempty"`
	Commit         *CommitInfo `json:"commit,omitempty"`
	Tag            *TagInfo    `json:"tag,omitempty"`
	Push           *PushInfo   `json:"push,omitempty"`
	RolledBack     bool        `json:"rolled_back,omitempty"`
}

// PackageResult records a successful publish.
type PackageResult struct {
	Package          string        `json:"package"`
	Version          string        `json:"version"`
	PublishedAt      time.Time     `json:"published_at"`
	Attempts         int           `json:"attempts"`
	Duration         time.Duration `json:"duration"`
	AlreadyPublished bool          `json:"already_published,omitempty"`
	Yanked           bool          `json:"yanked,omitempty"`
	YankedAt         *time.Time    `json:"yanked_at,omitempty"`
}

// PackageFailure records a publish that exhausted its attempts.
type PackageFailure struct {
	Package     string    `json:"package"`
	Kind        Kind      `json:"kind,omitempty"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	Recoverable bool      `json:"recoverable"`
	FailedAt    time.Time `json:"failed_at"`
}

// PublishState tracks per-package outcomes. A package is never in both maps.
type PublishState struct {
	TierCount  int                       `json:"tier_count"`
	Successful map[string]PackageResult  `json:"successful_publishes"`
	Failed     map[string]PackageFailure `json:"failed_packages"`
}

// NewPublishState prepares an empty publish record for tierCount tiers.
func NewPublishState(tierCount int) *PublishState {
	return &PublishState{
		TierCount:  tierCount,
		Successful: map[string]PackageResult{},
		Failed:     map[string]PackageFailure{},
	}
}

// AddSuccess records a published package and clears any earlier failure.
func (p *PublishState) AddSuccess(result PackageResult) {
	if p.Successful == nil {
		p.Successful = map[string]PackageResult{}
	}
	delete(p.Failed, result.Package)
	p.Successful[result.Package] = result
}

// AddFailure records a failed package unless it already succeeded.
func (p *PublishState) AddFailure(failure PackageFailure) bool {
	if _, ok := p.Successful[failure.Package]; ok {
		return false
	}
	if p.Failed == nil {
		p.Failed = map[string]PackageFailure{}
	}
	p.Failed[failure.Package] = failure
	return true
}

// IsPublished reports whether pkg already succeeded.
func (p *PublishState) IsPublished(pkg string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Successful[pkg]
	return ok
}

// PublishedNames returns successful packages sorted by name.
func (p *PublishState) PublishedNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Successful))
	for name := range p.Successful {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailedNames returns failed packages sorted by name.
func (p *PublishState) FailedNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Failed))
	for name := range p.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnyankedNames returns published packages that are still live, sorted by
// name.
func (p *PublishState) UnyankedNames() []string {
	if p == nil {
		return nil
	}
	var names []string
	for name, result := range p.Successful {
		if !result.Yanked {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// State is the single source of truth for one release attempt.
type State struct {
	SchemaVersion string        `json:"schema_version"`
	ReleaseID     string        `json:"release_id"`
	TargetVersion string        `json:"target_version"`
	VersionBump   BumpKind      `json:"version_bump"`
	CurrentPhase  Phase         `json:"current_phase"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Checkpoints   []Checkpoint  `json:"checkpoints"`
	Errors        []ErrorRecord `json:"errors"`
	VersionState  *VersionState `json:"version_state,omitempty"`
	GitState      *GitState     `json:"git_state,omitempty"`
	PublishState  *PublishState `json:"publish_state,omitempty"`
	Config        Config        `json:"config"`
	WorkspaceRoot string        `json:"workspace_root,omitempty"`
}

// Checkpoint names written by the release lifecycle.
const (
	CheckpointReleaseStarted     = "release_started"
	CheckpointValidationPassed   = "validation_passed"
	CheckpointVersionUpdated     = "version_updated"
	CheckpointGitComplete        = "git_operations_complete"
	CheckpointPublishingComplete = "publishing_complete"
	CheckpointReleaseCompleted   = "release_completed"
	CheckpointRollbackStarted    = "rollback_started"
	CheckpointRollbackCompleted  = "rollback_completed"
	CheckpointYanksRetried       = "yanks_retried"
)

// New creates a release at the validation phase with its first checkpoint.
func New(id, target string, bump BumpKind, cfg Config, now time.Time) *State {
	state := &State{
		SchemaVersion: SchemaVersion,
		ReleaseID:     id,
		TargetVersion: target,
		VersionBump:   bump,
		CurrentPhase:  PhaseValidation,
		StartedAt:     now,
		UpdatedAt:     now,
		Checkpoints:   []Checkpoint{},
		Errors:        []ErrorRecord{},
		Config:        cfg,
	}
	state.AddCheckpoint(CheckpointReleaseStarted, true, nil, now)
	return state
}

// Advance moves the release forward to phase and appends a checkpoint for it.
// Backward moves are rejected; use Reset or the rollback track instead.
func (s *State) Advance(phase Phase, checkpoint string, now time.Time) error {
	if !phase.Valid() {
		return Newf(CategoryState, KindInvalidStructure, "unknown phase %q", phase)
	}
	if s.CurrentPhase.IsTerminal() {
		return Newf(CategoryState, KindNotResumable, "release already %s", s.CurrentPhase.FriendlyName())
	}
	if !phase.IsRollback() {
		if s.CurrentPhase.IsRollback() {
			return Newf(CategoryState, KindInvalidStructure, "cannot move from %s to %s", s.CurrentPhase, phase)
		}
		if phase.Index() < s.CurrentPhase.Index() {
			return Newf(CategoryState, KindInvalidStructure, "cannot move backward from %s to %s", s.CurrentPhase, phase)
		}
	}
	s.CurrentPhase = phase
	s.AddCheckpoint(checkpoint, true, nil, now)
	return nil
}

// BeginRollback enters the rollback track. A completed release is only
// rolled back when force is set; a release already rolling back stays there
// so an interrupted rollback can be repeated.
func (s *State) BeginRollback(force bool, now time.Time) error {
	switch s.CurrentPhase {
	case PhaseRolledBack:
		return Newf(CategoryState, KindNotResumable, "release already rolled back")
	case PhaseRollingBack:
		return nil
	case PhaseCompleted:
		if !force {
			return Newf(CategoryCLI, KindInvalidArguments, "release v%s already completed; use --force to roll it back", s.TargetVersion)
		}
	}
	s.CurrentPhase = PhaseRollingBack
	s.AddCheckpoint(CheckpointRollbackStarted, true, nil, now)
	return nil
}

// Reset rewrites the current phase so the release re-enters it on resume.
// Only phases the release already reached can be re-entered, and every
// earlier phase must have left its sub-state behind.
func (s *State) Reset(phase Phase, now time.Time) error {
	if !phase.Valid() || phase.IsRollback() || phase.IsTerminal() {
		return Newf(CategoryCLI, KindInvalidArguments, "cannot reset to phase %q", phase)
	}
	if s.CurrentPhase != PhaseCompleted && phase.Index() > s.CurrentPhase.Index() {
		return Newf(CategoryCLI, KindInvalidArguments, "cannot reset forward to %s; release is still at %s",
			phase.FriendlyName(), s.CurrentPhase.FriendlyName())
	}
	if err := s.checkReached(phase); err != nil {
		return err
	}
	s.CurrentPhase = phase
	s.AddCheckpoint("reset_to_"+string(phase), true, nil, now)
	return nil
}

func (s *State) checkReached(phase Phase) error {
	missing := func(what string) error {
		return Newf(CategoryCLI, KindInvalidArguments, "cannot reset to %s: %s never completed", phase.FriendlyName(), what)
	}
	if phase.Index() > PhaseVersionUpdate.Index() && s.VersionState == nil {
		return missing("version update")
	}
	if phase.Index() > PhaseGitOperations.Index() {
		if s.GitState == nil || s.GitState.Commit == nil || s.GitState.Tag == nil {
			return missing("git operations")
		}
	}
	if phase.Index() > PhasePublishing.Index() {
		if s.PublishState == nil || len(s.PublishState.Failed) > 0 {
			return missing("publishing")
		}
	}
	return nil
}

// AddCheckpoint appends a checkpoint for the current phase.
func (s *State) AddCheckpoint(name string, completed bool, data map[string]string, now time.Time) {
	var cloned map[string]string
	if len(data) > 0 {
		cloned = make(map[string]string, len(data))
		for k, v := range data {
			cloned[k] = v
		}
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Name:      name,
		Phase:     s.CurrentPhase,
		Timestamp: now,
		Completed: completed,
		Data:      cloned,
	})
	s.UpdatedAt = now
}

// RecordError appends an error entry for the current phase. Recoverability is
// taken from the error's category.
func (s *State) RecordError(err error, now time.Time) ErrorRecord {
	record := ErrorRecord{
		Phase:       s.CurrentPhase,
		Message:     err.Error(),
		Recoverable: IsRecoverable(err),
		Timestamp:   now,
	}
	if e, ok := AsError(err); ok {
		record.Category = e.Category
		record.Kind = e.Kind
	}
	s.Errors = append(s.Errors, record)
	s.UpdatedAt = now
	return record
}

// HasCriticalErrors reports whether any non-recoverable error was recorded.
func (s *State) HasCriticalErrors() bool {
	for _, record := range s.Errors {
		if !record.Recoverable {
			return true
		}
	}
	return false
}

// IsResumable reports whether the release may continue from its checkpoint.
func (s *State) IsResumable() bool {
	return !s.CurrentPhase.IsTerminal() && !s.HasCriticalErrors()
}

// LastCheckpoint returns the most recent checkpoint.
func (s *State) LastCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Elapsed returns the time since the release started.
func (s *State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// TagName returns the tag this release creates.
func (s *State) TagName() string {
	return s.Config.TagName(s.TargetVersion)
}

// Validate checks the structural invariants a persisted state must hold.
func (s *State) Validate() error {
	if strings.TrimSpace(s.ReleaseID) == "" {
		return Newf(CategoryState, KindCorrupted, "release id is empty")
	}
	if strings.TrimSpace(s.TargetVersion) == "" {
		return Newf(CategoryState, KindCorrupted, "target version is empty")
	}
	if !s.CurrentPhase.Valid() {
		return Newf(CategoryState, KindCorrupted, "unknown phase %q", s.CurrentPhase)
	}
	if s.SchemaVersion != SchemaVersion {
		return Newf(CategoryState, KindSchemaMismatch, "schema version %q, want %q", s.SchemaVersion, SchemaVersion)
	}
	if last, ok := s.LastCheckpoint(); ok && last.Phase != s.CurrentPhase {
		return Newf(CategoryState, KindCorrupted, "phase %s does not match last checkpoint phase %s", s.CurrentPhase, last.Phase)
	}
	if s.PublishState != nil {
		for name := range s.PublishState.Failed {
			if _, ok := s.PublishState.Successful[name]; ok {
				return Newf(CategoryState, KindCorrupted, "package %s recorded as both published and failed", name)
			}
		}
	}
	return nil
}

// Summary renders a one-line description of the release.
func (s *State) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "release %s (v%s, %s) at %s", shortID(s.ReleaseID), s.TargetVersion, s.VersionBump, s.CurrentPhase.FriendlyName())
	if s.PublishState != nil {
		fmt.Fprintf(&b, ", %d published", len(s.PublishState.Successful))
		if n := len(s.PublishState.Failed); n > 0 {
			fmt.Fprintf(&b, ", %d failed", n)
		}
	}
	if n := len(s.Errors); n > 0 {
		fmt.Fprintf(&b, ", %d error(s)", n)
	}
	return b.String()
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Checkpoints = make([]Checkpoint, len(s.Checkpoints))
	for i, cp := range s.Checkpoints {
		out.Checkpoints[i] = cp
		if cp.Data != nil {
			data := make(map[string]string, len(cp.Data))
			for k, v := range cp.Data {
				data[k] = v
			}
			out.Checkpoints[i].Data = data
		}
	}
	out.Errors = append([]ErrorRecord{}, s.Errors...)
	if s.VersionState != nil {
		vs := *s.VersionState
		vs.UpdatedFiles = append([]string(nil), s.VersionState.UpdatedFiles...)
		out.VersionState = &vs
	}
	if s.GitState != nil {
		gs := *s.GitState
		if s.GitState.Commit != nil {
			commit := *s.GitState.Commit
			commit.Parents = append([]string(nil), s.GitState.Commit.Parents...)
			gs.Commit = &commit
		}
		if s.GitState.Tag != nil {
			tag := *s.GitState.Tag
			gs.Tag = &tag
		}
		if s.GitState.Push != nil {
			push := *s.GitState.Push
			push.Warnings = append([]string(nil), s.GitState.Push.Warnings...)
			gs.Push = &push
		}
		out.GitState = &gs
	}
	if s.PublishState != nil {
		ps := NewPublishState(s.PublishState.TierCount)
		for k, v := range s.PublishState.Successful {
			if v.YankedAt != nil {
				at := *v.YankedAt
				v.YankedAt = &at
			}
			ps.Successful[k] = v
		}
		for k, v := range s.PublishState.Failed {
			ps.Failed[k] = v
		}
		out.PublishState = ps
	}
	return &out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
