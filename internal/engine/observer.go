package engine

import (
	"context"
	"errors"

	"github.com/kingrea/cascade/internal/logbook"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/release"
)

// publishObserver writes every package outcome through the store as it
// lands. The pipeline serializes calls, so no locking is needed here. The
// first failed save cancels the run so nothing is published past the last
// persisted outcome.
type publishObserver struct {
	engine *Engine
	state  *release.State
	log    *logbook.Logbook
	cancel context.CancelFunc
	err    error
}

func (o *publishObserver) OnAttempt(pkg string, attempt int, err error) {
	m := o.engine.deps.Metrics
	switch {
	case err == nil:
		m.RecordAttempt(pkg, "success")
	case errors.Is(err, release.ErrAlreadyPublished):
		m.RecordAttempt(pkg, "already_published")
		o.log.Info("%s %s was already published", pkg, o.state.TargetVersion)
	case release.IsTransient(err):
		m.RecordAttempt(pkg, "retry")
		o.log.Warn("%s attempt %d: %v", pkg, attempt, err)
	default:
		m.RecordAttempt(pkg, "failed")
		o.log.Error("%s attempt %d: %v", pkg, attempt, err)
	}
}

func (o *publishObserver) OnOutcome(outcome pipeline.Outcome) {
	m := o.engine.deps.Metrics
	switch {
	case outcome.Result != nil:
		o.state.PublishState.AddSuccess(*outcome.Result)
		m.RecordPublish("success", outcome.Result.Duration)
		o.log.Info("published %s %s (tier %d, %d attempt(s))", outcome.Package, outcome.Result.Version, outcome.Tier, outcome.Result.Attempts)
	case outcome.Failure != nil:
		o.state.PublishState.AddFailure(*outcome.Failure)
		o.log.Error("gave up on %s after %d attempt(s): %s", outcome.Package, outcome.Failure.Attempts, outcome.Failure.Message)
	}
	o.state.UpdatedAt = o.engine.now()
	if err := o.engine.save(o.state); err != nil && o.err == nil {
		o.err = err
		o.log.Error("saving outcome of %s: %v; stopping", outcome.Package, err)
		if o.cancel != nil {
			o.cancel()
		}
	}
}
