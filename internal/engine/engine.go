package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/metrics"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/planner"
	"github.com/kingrea/cascade/internal/registry"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/store"
	"github.com/kingrea/cascade/internal/vcs"
	"github.com/kingrea/cascade/internal/version"
	"github.com/kingrea/cascade/internal/workspace"
)

// StateStore persists release state. *store.Store satisfies it.
type StateStore interface {
	HasActiveRelease() bool
	Save(*release.State) error
	Load() (store.LoadResult, error)
	Backup() (string, error)
	Cleanup(includeBackups bool) error
	PruneBackups(age time.Duration) (int, error)
}

var _ StateStore = (*store.Store)(nil)

// Deps are the collaborators an engine drives. Root is the directory the
// workspace analyzer starts from. Logbook and Metrics may be nil.
type Deps struct {
	Store     StateStore
	Workspace workspace.Analyzer
	Versions  version.Manager
	VCS       vcs.Operations
	Registry  registry.Publisher
	Logbook   *logbook.Logbook
	Metrics   *metrics.Release
	Root      string
}

// Engine runs, resumes and rolls back releases.
type Engine struct {
	deps         Deps
	clock        func() time.Time
	newID        func() string
	pipelineBase pipeline.Config
	pipelineOpts []pipeline.Option
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator replaces the release id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithPipelineConfig sets the retry backoff bounds. The per-release values
// (delay, retries, concurrency, timeout) always come from the release config.
func WithPipelineConfig(cfg pipeline.Config) Option {
	return func(e *Engine) {
		e.pipelineBase = cfg
	}
}

// WithPipelineOptions forwards options to every pipeline the engine builds.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(e *Engine) {
		e.pipelineOpts = append(e.pipelineOpts, opts...)
	}
}

// New wires a release engine to its collaborators.
func New(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("release engine: state store is required")
	case deps.Workspace == nil:
		return nil, fmt.Errorf("release engine: workspace analyzer is required")
	case deps.Versions == nil:
		return nil, fmt.Errorf("release engine: version manager is required")
	case deps.VCS == nil:
		return nil, fmt.Errorf("release engine: version control is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("release engine: registry publisher is required")
	}
	if deps.Root == "" {
		deps.Root = "."
	}
	engine := &Engine{
		deps:         deps,
		clock:        time.Now,
		newID:        uuid.NewString,
		pipelineBase: pipeline.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) logFor(state *release.State) *logbook.Logbook {
	if state == nil {
		return e.deps.Logbook
	}
	id := state.ReleaseID
	if len(id) > 8 {
		id = id[:8]
	}
	return e.deps.Logbook.With("release " + id)
}

func (e *Engine) save(state *release.State) error {
	return e.deps.Store.Save(state)
}

// advance moves state to phase, records the checkpoint and persists it.
func (e *Engine) advance(state *release.State, phase release.Phase, checkpoint string) error {
	if err := state.Advance(phase, checkpoint, e.now()); err != nil {
		return err
	}
	e.deps.Metrics.RecordPhase(string(phase))
	e.logFor(state).Info("checkpoint %s, now %s", checkpoint, phase.FriendlyName())
	return e.save(state)
}

// fail records err against the current phase and persists the state.
// Cancellation is not recorded so the release stays resumable.
func (e *Engine) fail(state *release.State, err error) error {
	log := e.logFor(state)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("interrupted during %s", state.CurrentPhase.FriendlyName())
		return err
	}
	record := state.RecordError(err, e.now())
	e.deps.Metrics.RecordError(string(state.CurrentPhase), string(record.Category))
	log.Error("%s failed: %v", state.CurrentPhase.FriendlyName(), err)
	if saveErr := e.save(state); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

func (e *Engine) analyze() (workspace.Info, error) {
	return e.deps.Workspace.Analyze(e.deps.Root)
}

// validate runs the workspace checks plus the dependency graph check.
func (e *Engine) validate(ctx context.Context, info workspace.Info) (workspace.ValidationReport, error) {
	report, err := e.deps.Workspace.Validate(ctx, info)
	if err != nil {
		return report, err
	}
	if _, err := planner.Build(info); err != nil {
		report.Add("dependency_graph", true, "", []string{err.Error()})
		return report, err
	}
	report.Add("dependency_graph", true, "no dependency cycles", nil)
	return report, report.Err()
}

func (e *Engine) pipelineConfig(cfg release.Config) pipeline.Config {
	out := e.pipelineBase
	out.InterPackageDelay = cfg.PackageDelay
	out.MaxRetries = cfg.MaxRetries
	out.MaxConcurrentPerTier = cfg.MaxConcurrentPerTier
	out.PublishTimeout = cfg.Timeout
	return out
}

func (e *Engine) newPipeline(state *release.State, observer pipeline.Observer) *pipeline.Pipeline {
	opts := []pipeline.Option{pipeline.WithClock(e.now)}
	if observer != nil {
		opts = append(opts, pipeline.WithObserver(observer))
	}
	opts = append(opts, e.pipelineOpts...)
	return pipeline.New(state.TargetVersion, e.pipelineConfig(state.Config), opts...)
}
