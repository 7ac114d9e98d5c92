package cmd

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/kingrea/cascade/internal/config"
	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/metrics"
	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/store"
	"github.com/kingrea/cascade/internal/version"
	"github.com/kingrea/cascade/internal/workspace"
)

// session is one command's view of the workspace: loaded config, an engine
// wired to real collaborators and, for mutating commands, the state lock.
type session struct {
	cfg     *config.Config
	engine  *engine.Engine
	log     *logbook.Logbook
	metrics *metrics.Release
	store   *store.Store

	unlock      func() error
	metricsFile string
}

// open loads the workspace config and builds an engine. exclusive takes the
// state directory lock so concurrent orchestrators fail fast.
func (a *app) open(exclusive bool) (*session, error) {
	root := a.flags.workspace
	if exclusive {
		if err := config.InitProjectDir(root); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	var storeOpts []store.Option
	logOpts := []logbook.Option{}
	if a.clock != nil {
		storeOpts = append(storeOpts, store.WithClock(a.clock))
		logOpts = append(logOpts, logbook.WithClock(a.clock))
	}
	if a.flags.verbose && !a.flags.jsonOutput {
		logOpts = append(logOpts, logbook.WithEcho(a.errOut, logbook.LevelDebug))
	}
	book, err := logbook.New(cfg.LogPath(), logOpts...)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:         cfg,
		log:         book,
		metrics:     metrics.New(),
		store:       store.New(cfg.StateDir(), storeOpts...),
		metricsFile: a.flags.metricsFile,
	}
	if exclusive {
		unlock, err := s.store.Lock()
		if err != nil {
			return nil, err
		}
		s.unlock = unlock
	}

	ops, publisher, err := a.connect(cfg.ProjectDir, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	engineOpts := []engine.Option{
		engine.WithPipelineConfig(cfg.PipelineConfig()),
		engine.WithPipelineOptions(a.pipelineOpts...),
	}
	if a.clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(a.clock))
	}
	s.engine, err = engine.New(engine.Deps{
		Store:     s.store,
		Workspace: workspace.NewCargoAnalyzer(),
		Versions:  version.NewSemver(cfg.Project.PrereleaseTag),
		VCS:       ops,
		Registry:  publisher,
		Logbook:   book,
		Metrics:   s.metrics,
		Root:      cfg.ProjectDir,
	}, engineOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close writes the metrics textfile, when requested, and releases the lock.
func (s *session) Close() error {
	var errs []error
	if s.metricsFile != "" {
		if err := s.metrics.WriteTextfile(s.metricsFile); err != nil {
			errs = append(errs, err)
		}
	}
	if s.unlock != nil {
		if err := s.unlock(); err != nil {
			errs = append(errs, err)
		}
		s.unlock = nil
	}
	return errors.Join(errs...)
}

// releaseConfig resolves the settings a release started from this session
// would persist.
func (s *session) releaseConfig(o config.Overrides) release.Config {
	return s.cfg.ReleaseConfig(o)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
