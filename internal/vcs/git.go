package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/kingrea/cascade/internal/release"
)

// GitRepo implements Operations on top of go-git.
type GitRepo struct {
	path        string
	repo        *git.Repository
	authorName  string
	authorEmail string
	pushTimeout time.Duration
	auth        transport.AuthMethod
	clock       func() time.Time
}

// GitOption customizes a GitRepo.
type GitOption func(*GitRepo)

// WithSignature sets the fallback author used when git config has no user.
func WithSignature(name, email string) GitOption {
	return func(g *GitRepo) {
		if name != "" {
			g.authorName = name
		}
		if email != "" {
			g.authorEmail = email
		}
	}
}

// WithPushTimeout bounds network operations.
func WithPushTimeout(timeout time.Duration) GitOption {
	return func(g *GitRepo) {
		g.pushTimeout = timeout
	}
}

// WithAuth sets explicit transport credentials. Without it go-git falls back
// to its defaults (ssh-agent for ssh remotes).
func WithAuth(auth transport.AuthMethod) GitOption {
	return func(g *GitRepo) {
		g.auth = auth
	}
}

// WithGitClock injects the clock used for commit and tag signatures.
func WithGitClock(clock func() time.Time) GitOption {
	return func(g *GitRepo) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Open opens the repository containing path.
func Open(path string, opts ...GitOption) (*GitRepo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, release.Newf(release.CategoryVCS, release.KindNotRepository, "%s is not inside a git repository", path)
		}
		return nil, release.Wrap(release.CategoryVCS, release.KindNotRepository, err, "open repository at %s", path)
	}
	g := &GitRepo{
		path:        path,
		repo:        repo,
		authorName:  "cascade",
		authorEmail: "cascade@localhost",
		pushTimeout: 2 * time.Minute,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Head returns the hash HEAD points to.
func (g *GitRepo) Head(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	head, err := g.repo.Head()
	if err != nil {
		return "", release.Wrap(release.CategoryVCS, release.KindNotReady, err, "resolve HEAD")
	}
	return head.Hash().String(), nil
}

// CurrentBranch returns the checked out branch, or "HEAD" when detached.
func (g *GitRepo) CurrentBranch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	head, err := g.repo.Head()
	if err != nil {
		return "", release.Wrap(release.CategoryVCS, release.KindNotReady, err, "resolve HEAD")
	}
	if !head.Name().IsBranch() {
		return "HEAD", nil
	}
	return head.Name().Short(), nil
}

// CreateReleaseCommit stages every change and commits it. When nothing is
// staged and HEAD already carries the same message, HEAD is returned so a
// resumed release does not fail on its own earlier commit.
func (g *GitRepo) CreateReleaseCommit(ctx context.Context, version, message string) (release.CommitInfo, error) {
	if err := ctx.Err(); err != nil {
		return release.CommitInfo{}, err
	}
	if message == "" {
		message = DefaultCommitMessage(version)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return release.CommitInfo{}, release.Wrap(release.CategoryVCS, release.KindCommitFailed, err, "open worktree")
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return release.CommitInfo{}, release.Wrap(release.CategoryVCS, release.KindCommitFailed, err, "stage changes")
	}
	sig := g.signature()
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			if existing, ok := g.headWithMessage(message); ok {
				return existing, nil
			}
		}
		return release.CommitInfo{}, release.Wrap(release.CategoryVCS, release.KindCommitFailed, err, "commit release")
	}
	return g.commitInfo(hash)
}

func (g *GitRepo) headWithMessage(message string) (release.CommitInfo, bool) {
	head, err := g.repo.Head()
	if err != nil {
		return release.CommitInfo{}, false
	}
	info, err := g.commitInfo(head.Hash())
	if err != nil || strings.TrimSpace(info.Message) != strings.TrimSpace(message) {
		return release.CommitInfo{}, false
	}
	return info, true
}

func (g *GitRepo) commitInfo(hash plumbing.Hash) (release.CommitInfo, error) {
	commit, err := g.repo.CommitObject(hash)
	if err != nil {
		return release.CommitInfo{}, release.Wrap(release.CategoryVCS, release.KindCommitFailed, err, "read commit %s", hash)
	}
	parents := make([]string, 0, len(commit.ParentHashes))
	for _, parent := range commit.ParentHashes {
		parents = append(parents, parent.String())
	}
	full := commit.Hash.String()
	return release.CommitInfo{
		Hash:      full,
		ShortHash: shortHash(full),
		Message:   commit.Message,
		Author:    fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email),
		Timestamp: commit.Author.When,
		Parents:   parents,
	}, nil
}

// CreateVersionTag creates an annotated tag at HEAD.
func (g *GitRepo) CreateVersionTag(ctx context.Context, name, message string) (release.TagInfo, error) {
	if err := ctx.Err(); err != nil {
		return release.TagInfo{}, err
	}
	if name == "" {
		return release.TagInfo{}, release.Newf(release.CategoryCLI, release.KindMissingArgument, "tag name cannot be empty")
	}
	head, err := g.repo.Head()
	if err != nil {
		return release.TagInfo{}, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "resolve HEAD")
	}
	if message == "" {
		message = "Release " + name
	}
	_, err = g.repo.CreateTag(name, head.Hash(), &git.CreateTagOptions{Tagger: g.signature(), Message: message})
	if err != nil {
		if errors.Is(err, git.ErrTagExists) {
			return release.TagInfo{}, release.Newf(release.CategoryVCS, release.KindTagExists, "tag %s already exists", name)
		}
		return release.TagInfo{}, release.Wrap(release.CategoryVCS, release.KindCommitFailed, err, "create tag %s", name)
	}
	return release.TagInfo{
		Name:      name,
		Message:   message,
		Target:    head.Hash().String(),
		Timestamp: g.clock(),
		Annotated: true,
	}, nil
}

// Push sends the current branch and the requested tags to the remote. The
// pushed commit count is the number of commits between the remote tracking
// ref and HEAD, or every reachable commit when the branch has never been
// pushed.
func (g *GitRepo) Push(ctx context.Context, req PushRequest) (release.PushInfo, error) {
	remote := req.Remote
	if remote == "" {
		remote = DefaultRemote
	}
	info := release.PushInfo{Remote: remote}
	if _, err := g.repo.Remote(remote); err != nil {
		return info, release.Wrap(release.CategoryVCS, release.KindRemoteFailed, err, "remote %s", remote)
	}
	head, err := g.repo.Head()
	if err != nil {
		return info, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "resolve HEAD")
	}
	var specs []config.RefSpec
	if head.Name().IsBranch() {
		branch := head.Name().String()
		specs = append(specs, config.RefSpec(branch+":"+branch))
		count, err := g.unpushedCommits(head, remote)
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("could not count pushed commits: %v", err))
		}
		info.CommitsPushed = count
	} else {
		info.Warnings = append(info.Warnings, "HEAD is detached; only tags are pushed")
	}
	if req.IncludeTags {
		for _, tag := range req.Tags {
			ref := plumbing.NewTagReferenceName(tag).String()
			specs = append(specs, config.RefSpec(ref+":"+ref))
		}
		info.TagsPushed = len(req.Tags)
	}
	if len(specs) == 0 {
		return info, nil
	}
	pushCtx, cancel := g.networkContext(ctx)
	defer cancel()
	err = g.repo.PushContext(pushCtx, &git.PushOptions{RemoteName: remote, RefSpecs: specs, Auth: g.auth})
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		info.CommitsPushed = 0
		info.TagsPushed = 0
		info.Warnings = append(info.Warnings, "remote already up to date")
		return info, nil
	case isAuthError(err):
		return info, release.Wrap(release.CategoryVCS, release.KindAuthFailed, err, "push to %s", remote)
	case errors.Is(pushCtx.Err(), context.DeadlineExceeded):
		return info, release.Wrap(release.CategoryVCS, release.KindRemoteFailed, err, "push to %s timed out after %s", remote, g.pushTimeout)
	default:
		return info, release.Wrap(release.CategoryVCS, release.KindPushFailed, err, "push to %s", remote)
	}
}

func (g *GitRepo) unpushedCommits(head *plumbing.Reference, remote string) (int, error) {
	var stop plumbing.Hash
	tracking, err := g.repo.Reference(plumbing.NewRemoteReferenceName(remote, head.Name().Short()), true)
	if err == nil {
		stop = tracking.Hash()
	}
	iter, err := g.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	count := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == stop {
			return storer.ErrStop
		}
		count++
		return nil
	})
	return count, err
}

// IsWorkingTreeClean reports whether there are no staged, unstaged or
// untracked changes.
func (g *GitRepo) IsWorkingTreeClean(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return false, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "open worktree")
	}
	status, err := wt.Status()
	if err != nil {
		return false, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "read status")
	}
	return status.IsClean(), nil
}

// ResetTo moves HEAD to commit using mode.
func (g *GitRepo) ResetTo(ctx context.Context, commit string, mode ResetMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var gitMode git.ResetMode
	switch mode {
	case ResetSoft:
		gitMode = git.SoftReset
	case ResetMixed, "":
		gitMode = git.MixedReset
	case ResetHard:
		gitMode = git.HardReset
	default:
		return release.Newf(release.CategoryVCS, release.KindResetFailed, "unknown reset mode %q", mode)
	}
	hash := plumbing.NewHash(commit)
	if _, err := g.repo.CommitObject(hash); err != nil {
		return release.Wrap(release.CategoryVCS, release.KindResetFailed, err, "resolve commit %s", commit)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return release.Wrap(release.CategoryVCS, release.KindResetFailed, err, "open worktree")
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: gitMode}); err != nil {
		return release.Wrap(release.CategoryVCS, release.KindResetFailed, err, "reset to %s", shortHash(commit))
	}
	return nil
}

// DeleteTag removes name locally and, when remote is set, on the remote.
func (g *GitRepo) DeleteTag(ctx context.Context, name, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.repo.DeleteTag(name); err != nil && !errors.Is(err, git.ErrTagNotFound) {
		return release.Wrap(release.CategoryVCS, release.KindRemoteFailed, err, "delete tag %s", name)
	}
	if remote == "" {
		return nil
	}
	pushCtx, cancel := g.networkContext(ctx)
	defer cancel()
	spec := config.RefSpec(":" + plumbing.NewTagReferenceName(name).String())
	err := g.repo.PushContext(pushCtx, &git.PushOptions{RemoteName: remote, RefSpecs: []config.RefSpec{spec}, Auth: g.auth})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case isAuthError(err):
		return release.Wrap(release.CategoryVCS, release.KindAuthFailed, err, "delete remote tag %s", name)
	default:
		return release.Wrap(release.CategoryVCS, release.KindRemoteFailed, err, "delete remote tag %s", name)
	}
}

// TagExists reports whether name exists locally.
func (g *GitRepo) TagExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := g.repo.Tag(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.ErrTagNotFound):
		return false, nil
	default:
		return false, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "look up tag %s", name)
	}
}

// ValidateReleaseReadiness checks that HEAD exists, is on a branch, the tree is
// clean and a remote is configured.
func (g *GitRepo) ValidateReleaseReadiness(ctx context.Context) (Readiness, error) {
	var result Readiness
	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		result.BlockingIssues = append(result.BlockingIssues, "repository has no commits")
		return result, nil
	}
	result.Branch = branch
	if branch == "HEAD" {
		result.BlockingIssues = append(result.BlockingIssues, "HEAD is detached; check out a branch before releasing")
	}
	clean, err := g.IsWorkingTreeClean(ctx)
	if err != nil {
		return result, err
	}
	if !clean {
		result.BlockingIssues = append(result.BlockingIssues, "working tree has uncommitted changes")
	}
	remotes, err := g.repo.Remotes()
	if err != nil {
		return result, release.Wrap(release.CategoryVCS, release.KindNotReady, err, "list remotes")
	}
	if len(remotes) == 0 {
		result.Warnings = append(result.Warnings, "no remotes configured; push will fail")
	}
	result.Ready = len(result.BlockingIssues) == 0
	return result, nil
}

func (g *GitRepo) signature() *object.Signature {
	name, email := g.authorName, g.authorEmail
	if cfg, err := g.repo.ConfigScoped(config.GlobalScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: g.clock()}
}

func (g *GitRepo) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.pushTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.pushTimeout)
}

func isAuthError(err error) bool {
	return errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		strings.Contains(strings.ToLower(err.Error()), "authentication")
}
