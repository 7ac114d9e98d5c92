// Package registry publishes and yanks workspace packages.
package registry

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/release"
)

// Publisher is the registry boundary used by the publish pipeline.
type Publisher interface {
	Publish(ctx context.Context, pkg, version string) error
	Yank(ctx context.Context, pkg, version string) error
}

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: cargo with internally built args
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// CargoPublisher drives `cargo publish` and `cargo yank`.
type CargoPublisher struct {
	root     string
	registry string
	binary   string
	dryRun   bool
	run      Runner
}

// CargoOption customizes a CargoPublisher.
type CargoOption func(*CargoPublisher)

// WithRegistry targets a named alternate registry.
func WithRegistry(name string) CargoOption {
	return func(c *CargoPublisher) {
		c.registry = strings.TrimSpace(name)
	}
}

// WithRunner replaces the command runner.
func WithRunner(run Runner) CargoOption {
	return func(c *CargoPublisher) {
		if run != nil {
			c.run = run
		}
	}
}

// WithBinary overrides the cargo executable.
func WithBinary(path string) CargoOption {
	return func(c *CargoPublisher) {
		if strings.TrimSpace(path) != "" {
			c.binary = path
		}
	}
}

// WithDryRun passes --dry-run to publish and skips yanks.
func WithDryRun(enabled bool) CargoOption {
	return func(c *CargoPublisher) {
		c.dryRun = enabled
	}
}

// NewCargo returns a publisher operating on the workspace at root.
func NewCargo(root string, opts ...CargoOption) *CargoPublisher {
	c := &CargoPublisher{root: root, binary: "cargo", run: ExecRunner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Publisher = (*CargoPublisher)(nil)

// Publish uploads pkg. The version is checked against cargo's own
// manifest, so it is only used for error context here.
func (c *CargoPublisher) Publish(ctx context.Context, pkg, version string) error {
	args := []string{"publish", "-p", pkg}
	if c.registry != "" {
		args = append(args, "--registry", c.registry)
	}
	if c.dryRun {
		args = append(args, "--dry-run")
	}
	out, err := c.run(ctx, c.root, c.binary, args...)
	if err == nil {
		return nil
	}
	return Classify(ctx, pkg, version, string(out), err, release.KindPublishFailed)
}

// Yank withdraws pkg@version.
func (c *CargoPublisher) Yank(ctx context.Context, pkg, version string) error {
	if c.dryRun {
		return nil
	}
	args := []string{"yank", "--version", version, pkg}
	if c.registry != "" {
		args = append(args, "--registry", c.registry)
	}
	out, err := c.run(ctx, c.root, c.binary, args...)
	if err == nil {
		return nil
	}
	return Classify(ctx, pkg, version, string(out), err, release.KindYankFailed)
}

var retryAfterRe = regexp.MustCompile(`(?i)(?:retry[- ]after|try again (?:in|after))[:\s]+(\d+)\s*(s|sec|seconds|m|min|minutes)?`)

// Classify maps a failed cargo invocation onto the release error taxonomy.
// fallback is used when nothing more specific matches.
func Classify(ctx context.Context, pkg, version, output string, err error, fallback release.Kind) error {
	msg := strings.TrimSpace(output)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	var kind release.Kind
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = release.KindTimeout
	case strings.Contains(lower, "already uploaded") || strings.Contains(lower, "already exists"):
		kind = release.KindAlreadyPublished
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		e := release.RateLimited(pkg, parseRetryAfter(lower))
		e.Version = version
		e.Err = err
		return e
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "token") || strings.Contains(lower, "unauthorized"):
		kind = release.KindRegistryAuth
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		kind = release.KindTimeout
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection") ||
		strings.Contains(lower, "could not resolve") || strings.Contains(lower, "failed to get") || strings.Contains(lower, "spurious"):
		kind = release.KindNetwork
	default:
		kind = fallback
	}
	e := release.Wrap(release.CategoryPublish, kind, err, "%s %s: %s", pkg, version, lastLine(msg))
	e.Package = pkg
	e.Version = version
	return e
}

func parseRetryAfter(lower string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(lower)
	if len(m) < 2 {
		return time.Minute
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Minute
	}
	if strings.HasPrefix(m[2], "m") {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

func lastLine(msg string) string {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return strings.TrimPrefix(line, "error: ")
		}
	}
	return "command failed"
}
