// Package vcsfake is an in-memory vcs.Operations for engine and rollback tests.
package vcsfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/vcs"
)

// Repo records every call and keeps a linear commit history.
type Repo struct {
	mu sync.Mutex

	Commits    []string
	Tags       map[string]string
	RemoteTags map[string]string
	Clean      bool
	Remote     bool
	Resets     []string

	Calls map[string]int

	// Fail makes the named operation return the error once per entry.
	Fail map[string][]error
}

// New returns a clean repository with one commit and an origin remote.
func New() *Repo {
	return &Repo{
		Commits:    []string{"c0"},
		Tags:       map[string]string{},
		RemoteTags: map[string]string{},
		Clean:      true,
		Remote:     true,
		Calls:      map[string]int{},
		Fail:       map[string][]error{},
	}
}

var _ vcs.Operations = (*Repo)(nil)

func (r *Repo) enter(op string) error {
	r.Calls[op]++
	if queued := r.Fail[op]; len(queued) > 0 {
		r.Fail[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// FailNext queues err for the next call to op.
func (r *Repo) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail[op] = append(r.Fail[op], err)
}

// CallCount returns how often op was invoked.
func (r *Repo) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Calls[op]
}

func (r *Repo) head() string {
	return r.Commits[len(r.Commits)-1]
}

func (r *Repo) Head(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Head"); err != nil {
		return "", err
	}
	return r.head(), nil
}

func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return "main", nil
}

func (r *Repo) CreateReleaseCommit(ctx context.Context, version, message string) (release.CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateReleaseCommit"); err != nil {
		return release.CommitInfo{}, err
	}
	if message == "" {
		message = vcs.DefaultCommitMessage(version)
	}
	parent := r.head()
	hash := fmt.Sprintf("c%d", len(r.Commits))
	r.Commits = append(r.Commits, hash)
	r.Clean = true
	return release.CommitInfo{Hash: hash, ShortHash: hash, Message: message, Parents: []string{parent}}, nil
}

func (r *Repo) CreateVersionTag(ctx context.Context, name, message string) (release.TagInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateVersionTag"); err != nil {
		return release.TagInfo{}, err
	}
	if _, ok := r.Tags[name]; ok {
		return release.TagInfo{}, release.Newf(release.CategoryVCS, release.KindTagExists, "tag %s already exists", name)
	}
	r.Tags[name] = r.head()
	return release.TagInfo{Name: name, Message: message, Target: r.head(), Annotated: true, Timestamp: time.Time{}}, nil
}

func (r *Repo) Push(ctx context.Context, req vcs.PushRequest) (release.PushInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("Push"); err != nil {
		return release.PushInfo{}, err
	}
	remote := req.Remote
	if remote == "" {
		remote = vcs.DefaultRemote
	}
	info := release.PushInfo{Remote: remote, CommitsPushed: 1}
	if req.IncludeTags {
		for _, tag := range req.Tags {
			r.RemoteTags[tag] = r.Tags[tag]
		}
		info.TagsPushed = len(req.Tags)
	}
	return info, nil
}

func (r *Repo) IsWorkingTreeClean(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("IsWorkingTreeClean"); err != nil {
		return false, err
	}
	return r.Clean, nil
}

func (r *Repo) ResetTo(ctx context.Context, commit string, mode vcs.ResetMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ResetTo"); err != nil {
		return err
	}
	for i, hash := range r.Commits {
		if hash == commit {
			r.Commits = r.Commits[:i+1]
			r.Resets = append(r.Resets, commit+":"+string(mode))
			return nil
		}
	}
	return release.Newf(release.CategoryVCS, release.KindResetFailed, "unknown commit %s", commit)
}

func (r *Repo) DeleteTag(ctx context.Context, name, remote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeleteTag"); err != nil {
		return err
	}
	delete(r.Tags, name)
	if remote != "" {
		delete(r.RemoteTags, name)
	}
	return nil
}

func (r *Repo) TagExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("TagExists"); err != nil {
		return false, err
	}
	_, ok := r.Tags[name]
	return ok, nil
}

func (r *Repo) ValidateReleaseReadiness(ctx context.Context) (vcs.Readiness, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("ValidateReleaseReadiness"); err != nil {
		return vcs.Readiness{}, err
	}
	result := vcs.Readiness{Branch: "main"}
	if !r.Clean {
		result.BlockingIssues = append(result.BlockingIssues, "working tree has uncommitted changes")
	}
	if !r.Remote {
		result.Warnings = append(result.Warnings, "no remotes configured; push will fail")
	}
	result.Ready = len(result.BlockingIssues) == 0
	return result, nil
}

// HeadHash returns the current head without counting a call.
func (r *Repo) HeadHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head()
}
