package release

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category groups errors by the subsystem that raised them.
type Category string

const (
	CategoryWorkspace Category = "workspace"
	CategoryVersion   Category = "version"
	CategoryVCS       Category = "vcs"
	CategoryPublish   Category = "publish"
	CategoryState     Category = "state"
	CategoryCLI       Category = "cli"
)

// Kind identifies a specific failure within a category.
type Kind string

const (
	KindRootNotFound       Kind = "root_not_found"
	KindInvalidStructure   Kind = "invalid_structure"
	KindMissingManifest    Kind = "missing_manifest"
	KindCircularDependency Kind = "circular_dependency"
	KindPackageNotFound    Kind = "package_not_found"
	KindInvalidPackage     Kind = "invalid_package"
	KindValidationFailed   Kind = "validation_failed"

	KindInvalidVersion       Kind = "invalid_version"
	KindDependencyMismatch   Kind = "dependency_mismatch"
	KindUnsupportedBump      Kind = "unsupported_bump"
	KindManifestUpdateFailed Kind = "manifest_update_failed"

	KindNotRepository Kind = "not_repository"
	KindDirtyWorktree Kind = "dirty_worktree"
	KindAuthFailed    Kind = "auth_failed"
	KindRemoteFailed  Kind = "remote_failed"
	KindTagExists     Kind = "tag_exists"
	KindCommitFailed  Kind = "commit_failed"
	KindPushFailed    Kind = "push_failed"
	KindResetFailed   Kind = "reset_failed"
	KindNotReady      Kind = "not_ready"

	KindAlreadyPublished Kind = "already_published"
	KindPublishFailed    Kind = "publish_failed"
	KindRateLimited      Kind = "rate_limited"
	KindNetwork          Kind = "network"
	KindRegistryAuth     Kind = "registry_auth"
	KindYankFailed       Kind = "yank_failed"
	KindTimeout          Kind = "timeout"

	KindCorrupted      Kind = "corrupted"
	KindNotFound       Kind = "not_found"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindSaveFailed     Kind = "save_failed"
	KindLoadFailed     Kind = "load_failed"
	KindNotResumable   Kind = "not_resumable"
	KindActiveRelease  Kind = "active_release"
	KindLocked         Kind = "locked"

	KindInvalidArguments     Kind = "invalid_arguments"
	KindMissingArgument      Kind = "missing_argument"
	KindConflictingArguments Kind = "conflicting_arguments"
)

// Sentinels for errors.Is. Matching compares category and kind only.
var (
	ErrCircularDependency = &Error{Category: CategoryWorkspace, Kind: KindCircularDependency}
	ErrValidationFailed   = &Error{Category: CategoryWorkspace, Kind: KindValidationFailed}
	ErrTagExists          = &Error{Category: CategoryVCS, Kind: KindTagExists}
	ErrDirtyWorktree      = &Error{Category: CategoryVCS, Kind: KindDirtyWorktree}
	ErrAlreadyPublished   = &Error{Category: CategoryPublish, Kind: KindAlreadyPublished}
	ErrNetwork            = &Error{Category: CategoryPublish, Kind: KindNetwork}
	ErrRateLimited        = &Error{Category: CategoryPublish, Kind: KindRateLimited}
	ErrTimeout            = &Error{Category: CategoryPublish, Kind: KindTimeout}
	ErrStateNotFound      = &Error{Category: CategoryState, Kind: KindNotFound}
	ErrStateCorrupted     = &Error{Category: CategoryState, Kind: KindCorrupted}
	ErrSchemaMismatch     = &Error{Category: CategoryState, Kind: KindSchemaMismatch}
	ErrNotResumable       = &Error{Category: CategoryState, Kind: KindNotResumable}
	ErrActiveRelease      = &Error{Category: CategoryState, Kind: KindActiveRelease}
	ErrLocked             = &Error{Category: CategoryState, Kind: KindLocked}
)

// Error is the categorized error type shared by every release component.
// Package and Version are set for publish and version errors, RetryAfter
// carries the registry supplied wait for rate limited publishes and Members
// lists the packages on a dependency cycle.
type Error struct {
	Category   Category
	Kind       Kind
	Message    string
	Package    string
	Version    string
	RetryAfter time.Duration
	Members    []string
	Err        error
}

// Newf builds an error with a formatted message.
func Newf(category Category, kind Kind, format string, args ...any) *Error {
	return &Error{Category: category, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category and kind to an underlying error.
func Wrap(category Category, kind Kind, err error, format string, args ...any) *Error {
	return &Error{Category: category, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// CycleError reports a dependency cycle through members.
func CycleError(members []string) *Error {
	cloned := append([]string(nil), members...)
	return &Error{
		Category: CategoryWorkspace,
		Kind:     KindCircularDependency,
		Message:  fmt.Sprintf("circular dependency detected in packages: %s", strings.Join(cloned, ", ")),
		Members:  cloned,
	}
}

// RateLimited reports a registry rate limit for pkg.
func RateLimited(pkg string, retryAfter time.Duration) *Error {
	return &Error{
		Category:   CategoryPublish,
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter),
		Package:    pkg,
		RetryAfter: retryAfter,
	}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Category))
	b.WriteString(" error")
	if e.Package != "" {
		b.WriteString(" [")
		b.WriteString(e.Package)
		b.WriteString("]")
	}
	b.WriteString(": ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same category and kind. An empty kind on
// the target matches any error of that category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Category != e.Category {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Recoverable reports whether a release hitting this error can be resumed.
func (e *Error) Recoverable() bool {
	if e == nil {
		return true
	}
	switch e.Kind {
	case KindRootNotFound, KindInvalidStructure, KindMissingManifest, KindCircularDependency,
		KindNotRepository, KindInvalidVersion, KindAlreadyPublished, KindNotResumable:
		return false
	}
	return true
}

// Transient reports whether retrying the same operation may succeed.
func (e *Error) Transient() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// Suggestions returns human readable recovery hints.
func (e *Error) Suggestions() []string {
	if e == nil {
		return nil
	}
	switch {
	case e.Kind == KindRootNotFound:
		return []string{
			"Navigate to a directory containing a Cargo workspace",
			"Ensure you have a Cargo.toml file with a [workspace] section",
		}
	case e.Kind == KindCircularDependency:
		return []string{
			fmt.Sprintf("Review dependencies between packages: %s", strings.Join(e.Members, ", ")),
			"Remove circular dependencies by restructuring package relationships",
		}
	case e.Kind == KindDirtyWorktree:
		return []string{
			"Commit pending changes: git add . && git commit -m 'message'",
			"Stash changes temporarily: git stash",
			"Re-run with --allow-dirty if the changes are intentional",
		}
	case e.Kind == KindAuthFailed:
		return []string{
			"Check SSH key configuration: ssh -T git@github.com",
			"Verify git remote URL: git remote -v",
		}
	case e.Kind == KindRegistryAuth:
		return []string{
			"Login to the registry: cargo login",
			"Verify the API token is valid and has publish permissions",
		}
	case e.Kind == KindRateLimited:
		return []string{
			fmt.Sprintf("Wait %d seconds before retrying", int(e.RetryAfter.Seconds())),
			"Use --package-delay to add delays between packages",
		}
	case e.Kind == KindTagExists:
		return []string{
			"Delete the existing tag if it is stale: git tag -d <tag>",
			"Choose a different version",
		}
	case e.Kind == KindNotResumable:
		return []string{
			"Inspect the release with: cascade status --detailed",
			"Force the resume with --force, or roll back with: cascade rollback",
		}
	case e.Kind == KindActiveRelease:
		return []string{
			"Resume the active release: cascade resume",
			"Roll it back: cascade rollback",
			"Discard it: cascade cleanup --all",
		}
	case e.Category == CategoryState && (e.Kind == KindCorrupted || e.Kind == KindSchemaMismatch):
		return []string{
			"Inspect .cascade/state for backup copies",
			"Remove the state with: cascade cleanup --all",
		}
	}
	return []string{"Check the error message above for specific details"}
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsRecoverable reports recoverability for any error; uncategorized errors
// are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if e, ok := AsError(err); ok {
		return e.Recoverable()
	}
	return true
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Transient()
	}
	return false
}

// CategoryOf returns the category of err, or "" when uncategorized.
func CategoryOf(err error) Category {
	if e, ok := AsError(err); ok {
		return e.Category
	}
	return ""
}

// KindOf returns the kind of err, or "" when uncategorized.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// SuggestionsFor returns recovery hints for any error.
func SuggestionsFor(err error) []string {
	if e, ok := AsError(err); ok {
		return e.Suggestions()
	}
	return []string{"Check the error message above for specific details"}
}
