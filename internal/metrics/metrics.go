// Package metrics records release progress as prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cascade"

// Release holds the series for one orchestrator run. Each run owns its
// registry so repeated runs in one process never collide.
//
// PublishAttempts is labelled by package and outcome (success, retry,
// failed, already_published). PublishDuration observes per-package wall time
// including retries. RollbackYanks is labelled by result (yanked, failed,
// already_yanked). PhaseTransitions counts entries into each phase.
type Release struct {
	registry         *prometheus.Registry
	PublishAttempts  *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	RollbackYanks    *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	PhaseErrors      *prometheus.CounterVec
}

// New creates the series on a fresh registry.
func New() *Release {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Release{
		registry: reg,
		PublishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "attempts_total",
			Help:      "Publish attempts by package and outcome",
		}, []string{"package", "outcome"}),
		PublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "duration_seconds",
			Help:      "Time to reach a terminal publish outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		RollbackYanks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollback",
			Name:      "yanks_total",
			Help:      "Yank outcomes during rollback",
		}, []string{"result"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "release",
			Name:      "phase_transitions_total",
			Help:      "Phase entries by phase",
		}, []string{"phase"}),
		PhaseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "release",
			Name:      "phase_errors_total",
			Help:      "Errors recorded by phase and category",
		}, []string{"phase", "category"}),
	}
}

// Registry exposes the gatherer for tests and exporters.
func (m *Release) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAttempt counts one publish attempt.
func (m *Release) RecordAttempt(pkg, outcome string) {
	if m == nil {
		return
	}
	m.PublishAttempts.WithLabelValues(pkg, outcome).Inc()
}

// RecordPublish observes the final outcome of one package.
func (m *Release) RecordPublish(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PublishDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordYanks counts yank results of a rollback.
func (m *Release) RecordYanks(yanked, alreadyYanked, failed int) {
	if m == nil {
		return
	}
	m.RollbackYanks.WithLabelValues("yanked").Add(float64(yanked))
	m.RollbackYanks.WithLabelValues("already_yanked").Add(float64(alreadyYanked))
	m.RollbackYanks.WithLabelValues("failed").Add(float64(failed))
}

// RecordPhase counts an entry into phase.
func (m *Release) RecordPhase(phase string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

// RecordError counts an error recorded against phase.
func (m *Release) RecordError(phase, category string) {
	if m == nil {
		return
	}
	m.PhaseErrors.WithLabelValues(phase, category).Inc()
}

// WriteTextfile dumps every series in the node-exporter textfile format.
func (m *Release) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
