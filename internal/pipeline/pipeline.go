package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/release"
)

// Config bounds how the pipeline talks to the registry. MaxConcurrentPerTier
// caps in-flight publishes within one tier (values <= 0 mean 1).
// InterPackageDelay is the minimum spacing between publish starts. MaxRetries
// counts retries after the first attempt and applies to transient failures
// only. PublishTimeout bounds a single attempt; zero disables it.
type Config struct {
	MaxConcurrentPerTier int
	InterPackageDelay    time.Duration
	MaxRetries           int
	RetryBackoff         time.Duration
	MaxBackoff           time.Duration
	PublishTimeout       time.Duration
}

// DefaultConfig returns sequential publishing with three retries.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerTier: 1,
		InterPackageDelay:    15 * time.Second,
		MaxRetries:           3,
		RetryBackoff:         2 * time.Second,
		MaxBackoff:           time.Minute,
		PublishTimeout:       5 * time.Minute,
	}
}

// PublishFunc publishes one package.
type PublishFunc func(ctx context.Context, pkg string) error

// YankFunc withdraws one published package.
type YankFunc func(ctx context.Context, pkg, version string) error

// Outcome is reported once per package that reaches a terminal result.
type Outcome struct {
	Tier    int
	Package string
	Result  *release.PackageResult
	Failure *release.PackageFailure
}

// Observer receives pipeline progress. Calls are serialized.
type Observer interface {
	OnAttempt(pkg string, attempt int, err error)
	OnOutcome(Outcome)
}

// Pipeline publishes a tier plan through an injected publish capability.
type Pipeline struct {
	cfg      Config
	version  string
	clock    func() time.Time
	sleep    func(context.Context, time.Duration) error
	observer Observer

	observeMu sync.Mutex
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock injects the clock used for result timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithSleep replaces the backoff sleeper (tests use it to avoid real waits).
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithObserver registers a progress observer.
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// New returns a pipeline that publishes packages at version.
func New(version string, cfg Config, opts ...Option) *Pipeline {
	if cfg.MaxConcurrentPerTier <= 0 {
		cfg.MaxConcurrentPerTier = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Pipeline{
		cfg:     cfg,
		version: version,
		clock:   time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TierReport summarizes one tier.
type TierReport struct {
	Index      int      `json:"index"`
	Packages   []string `json:"packages"`
	Successful []string `json:"successful,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

// Report aggregates per-package outcomes of a publish run.
type Report struct {
	Tiers      []TierReport                      `json:"tiers"`
	Successful map[string]release.PackageResult  `json:"successful"`
	Failed     map[string]release.PackageFailure `json:"failed"`
	Skipped    []string                          `json:"skipped,omitempty"`
	Attempts   map[string]int                    `json:"attempts"`
}

// AllSuccessful reports whether no package failed.
func (r Report) AllSuccessful() bool {
	return len(r.Failed) == 0
}

// Summary renders a one-line outcome.
func (r Report) Summary() string {
	msg := fmt.Sprintf("%d published, %d failed across %d tier(s)", len(r.Successful), len(r.Failed), len(r.Tiers))
	if len(r.Skipped) > 0 {
		msg += fmt.Sprintf(", %d already published", len(r.Skipped))
	}
	return msg
}

type runState struct {
	mu     sync.Mutex
	report Report
}

// PublishAll publishes plan tier by tier. A tier starts only after every
// package of the previous tier reached a terminal outcome. Packages in skip
// are treated as already published and never handed to publish. A failed
// package is recorded and the rest of its tier continues. When ctx is
// cancelled no further packages are started and the partial report is
// returned with ctx's error.
func (p *Pipeline) PublishAll(ctx context.Context, plan planner.TierPlan, skip map[string]bool, publish PublishFunc) (Report, error) {
	run := &runState{report: Report{
		Successful: map[string]release.PackageResult{},
		Failed:     map[string]release.PackageFailure{},
		Attempts:   map[string]int{},
	}}
	limiter := p.limiter()
	for idx, tier := range plan.Tiers {
		tierReport := TierReport{Index: idx, Packages: append([]string(nil), tier...)}
		if err := ctx.Err(); err != nil {
			return run.finish(), err
		}
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(p.cfg.MaxConcurrentPerTier)
		for _, pkg := range tier {
			if skip[pkg] {
				tierReport.Skipped = append(tierReport.Skipped, pkg)
				run.mu.Lock()
				run.report.Skipped = append(run.report.Skipped, pkg)
				run.mu.Unlock()
				continue
			}
			if groupCtx.Err() != nil {
				break
			}
			pkg := pkg
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				if err := limiter.Wait(groupCtx); err != nil {
					return err
				}
				outcome, err := p.publishOne(groupCtx, idx, pkg, publish, limiter)
				if err != nil {
					return err
				}
				run.record(outcome)
				p.notifyOutcome(outcome)
				return nil
			})
		}
		waitErr := group.Wait()
		run.mu.Lock()
		for _, pkg := range tier {
			if _, ok := run.report.Successful[pkg]; ok {
				tierReport.Successful = append(tierReport.Successful, pkg)
			} else if _, ok := run.report.Failed[pkg]; ok {
				tierReport.Failed = append(tierReport.Failed, pkg)
			}
		}
		run.report.Tiers = append(run.report.Tiers, tierReport)
		run.mu.Unlock()
		if waitErr != nil {
			return run.finish(), waitErr
		}
		if err := ctx.Err(); err != nil {
			return run.finish(), err
		}
	}
	return run.finish(), nil
}

func (r *runState) record(outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if outcome.Result != nil {
		r.report.Successful[outcome.Package] = *outcome.Result
		r.report.Attempts[outcome.Package] = outcome.Result.Attempts
	}
	if outcome.Failure != nil {
		r.report.Failed[outcome.Package] = *outcome.Failure
		r.report.Attempts[outcome.Package] = outcome.Failure.Attempts
	}
}

func (r *runState) finish() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// publishOne runs the retry loop for a single package. The returned error is
// non-nil only when ctx was cancelled; package failures travel in the outcome.
func (p *Pipeline) publishOne(ctx context.Context, tier int, pkg string, publish PublishFunc, limiter *rate.Limiter) (Outcome, error) {
	started := p.clock()
	maxAttempts := p.cfg.MaxRetries + 1
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if attempt > 1 {
			if err := limiter.Wait(ctx); err != nil {
				return Outcome{}, err
			}
		}
		err := p.attempt(ctx, pkg, publish)
		p.notifyAttempt(pkg, attempt, err)
		if err == nil || errors.Is(err, release.ErrAlreadyPublished) {
			return Outcome{Tier: tier, Package: pkg, Result: &release.PackageResult{
				Package:          pkg,
				Version:          p.version,
				PublishedAt:      p.clock(),
				Attempts:         attempt,
				Duration:         p.clock().Sub(started),
				AlreadyPublished: err != nil,
			}}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		lastErr = err
		if !release.IsTransient(err) || attempt >= maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.backoff(attempt, err)); err != nil {
			return Outcome{}, err
		}
	}
	failure := &release.PackageFailure{
		Package:     pkg,
		Kind:        release.KindOf(lastErr),
		Message:     lastErr.Error(),
		Attempts:    attempt,
		Recoverable: release.IsRecoverable(lastErr),
		FailedAt:    p.clock(),
	}
	if failure.Kind == "" {
		failure.Kind = release.KindPublishFailed
	}
	return Outcome{Tier: tier, Package: pkg, Failure: failure}, nil
}

func (p *Pipeline) attempt(ctx context.Context, pkg string, publish PublishFunc) error {
	attemptCtx := ctx
	cancel := func() {}
	if p.cfg.PublishTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
	}
	defer cancel()
	err := publish(attemptCtx, pkg)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return release.Wrap(release.CategoryPublish, release.KindTimeout, err, "publish %s exceeded %s", pkg, p.cfg.PublishTimeout)
	}
	return err
}

func (p *Pipeline) notifyAttempt(pkg string, attempt int, err error) {
	if p.observer == nil {
		return
	}
	p.observeMu.Lock()
	defer p.observeMu.Unlock()
	p.observer.OnAttempt(pkg, attempt, err)
}

func (p *Pipeline) notifyOutcome(outcome Outcome) {
	if p.observer == nil {
		return
	}
	p.observeMu.Lock()
	defer p.observeMu.Unlock()
	p.observer.OnOutcome(outcome)
}

// backoff doubles RetryBackoff per attempt up to MaxBackoff. A registry
// retry-after hint raises the wait but is never shortened.
func (p *Pipeline) backoff(attempt int, err error) time.Duration {
	wait := p.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.cfg.MaxBackoff > 0 && wait >= p.cfg.MaxBackoff {
			wait = p.cfg.MaxBackoff
			break
		}
	}
	if e, ok := release.AsError(err); ok && e.RetryAfter > wait {
		wait = e.RetryAfter
	}
	return wait
}

func (p *Pipeline) limiter() *rate.Limiter {
	if p.cfg.InterPackageDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.cfg.InterPackageDelay), 1)
}

// RollbackReport aggregates yank outcomes.
type RollbackReport struct {
	Yanked        []string          `json:"yanked,omitempty"`
	AlreadyYanked []string          `json:"already_yanked,omitempty"`
	Failed        map[string]string `json:"failed,omitempty"`
}

// FullySuccessful reports whether every package is now yanked.
func (r RollbackReport) FullySuccessful() bool {
	return len(r.Failed) == 0
}

// Summary renders a one-line outcome.
func (r RollbackReport) Summary() string {
	parts := []string{fmt.Sprintf("%d yanked", len(r.Yanked))}
	if len(r.AlreadyYanked) > 0 {
		parts = append(parts, fmt.Sprintf("%d already yanked", len(r.AlreadyYanked)))
	}
	if len(r.Failed) > 0 {
		names := make([]string, 0, len(r.Failed))
		for name := range r.Failed {
			names = append(names, name)
		}
		sort.Strings(names)
		parts = append(parts, fmt.Sprintf("%d failed (%s)", len(r.Failed), strings.Join(names, ", ")))
	}
	return strings.Join(parts, ", ")
}

// RollbackPublished yanks every successful package in state, newest first.
// Packages already marked as yanked are skipped, so a repeated rollback does
// nothing. Yanked entries are marked in state as they succeed. A partial
// rollback is reported, not returned as an error; the error is non-nil only
// when ctx is cancelled.
func (p *Pipeline) RollbackPublished(ctx context.Context, state *release.PublishState, yank YankFunc) (RollbackReport, error) {
	report := RollbackReport{Failed: map[string]string{}}
	if state == nil {
		return report, nil
	}
	order := make([]release.PackageResult, 0, len(state.Successful))
	for _, result := range state.Successful {
		order = append(order, result)
	}
	sort.Slice(order, func(i, j int) bool {
		if !order[i].PublishedAt.Equal(order[j].PublishedAt) {
			return order[i].PublishedAt.After(order[j].PublishedAt)
		}
		return order[i].Package > order[j].Package
	})
	limiter := p.limiter()
	for _, result := range order {
		if result.Yanked {
			report.AlreadyYanked = append(report.AlreadyYanked, result.Package)
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		version := result.Version
		if version == "" {
			version = p.version
		}
		err := p.yankWithRetry(ctx, result.Package, version, yank)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed[result.Package] = err.Error()
			continue
		}
		now := p.clock()
		result.Yanked = true
		result.YankedAt = &now
		state.Successful[result.Package] = result
		report.Yanked = append(report.Yanked, result.Package)
	}
	return report, nil
}

func (p *Pipeline) yankWithRetry(ctx context.Context, pkg, version string, yank YankFunc) error {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		err = yank(ctx, pkg, version)
		if err == nil || !release.IsTransient(err) || attempt > p.cfg.MaxRetries {
			return err
		}
		if sleepErr := p.sleep(ctx, p.backoff(attempt, err)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
