// Package vcs defines the version-control boundary used by the release engine
// and a go-git backed implementation of it.
package vcs

import (
	"context"

	"github.com/kingrea/cascade/internal/release"
)

// ResetMode mirrors git reset --soft/--mixed/--hard.
type ResetMode string

const (
	ResetSoft  ResetMode = "soft"
	ResetMixed ResetMode = "mixed"
	ResetHard  ResetMode = "hard"
)

// DefaultRemote is used when no remote is configured.
const DefaultRemote = "origin"

// PushRequest selects what Push sends.
type PushRequest struct {
	Remote      string
	IncludeTags bool
	Tags        []string
}

// Readiness is the result of a release readiness check.
type Readiness struct {
	Ready          bool     `json:"ready"`
	Branch         string   `json:"branch,omitempty"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Operations is everything the engine and rollback coordinator need from git.
type Operations interface {
	Head(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	CreateReleaseCommit(ctx context.Context, version, message string) (release.CommitInfo, error)
	CreateVersionTag(ctx context.Context, name, message string) (release.TagInfo, error)
	Push(ctx context.Context, req PushRequest) (release.PushInfo, error)
	IsWorkingTreeClean(ctx context.Context) (bool, error)
	ResetTo(ctx context.Context, commit string, mode ResetMode) error
	// DeleteTag removes the tag locally and, when remote is not empty, from
	// that remote. Deleting a missing tag is not an error.
	DeleteTag(ctx context.Context, name, remote string) error
	TagExists(ctx context.Context, name string) (bool, error)
	ValidateReleaseReadiness(ctx context.Context) (Readiness, error)
}

// DefaultCommitMessage is used when the release config does not set one.
func DefaultCommitMessage(version string) string {
	return "release: v" + version
}

// DefaultTagMessage annotates release tags.
func DefaultTagMessage(version string) string {
	return "Release v" + version
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
