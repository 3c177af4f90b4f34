// Package metrics exposes the Prometheus collectors that report interview
// turn activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psychtrainer"

// Turn outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns            *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	nodeFallbacks    *prometheus.CounterVec
	compressions     prometheus.Counter
	phaseTransitions *prometheus.CounterVec
	gradeReports     *prometheus.CounterVec
	titleJobs        *prometheus.CounterVec
}

// New constructs Metrics and registers them with reg. A nil reg falls back to
// the default registerer. Registration errors are returned rather than
// panicking so tests can supply fresh registries.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Submitted interview turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a full turn including all model calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		nodeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_fallbacks_total",
			Help:      "Times a pipeline node substituted its fallback output.",
		}, []string{"node"}),
		compressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressions_total",
			Help:      "Times the transcript was summarised and trimmed.",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Interview phase changes.",
		}, []string{"from", "to"}),
		gradeReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grade_reports_total",
			Help:      "Final grade reports by outcome.",
		}, []string{"outcome"}),
		titleJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_jobs_total",
			Help:      "Background title generation jobs by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{
		m.turns, m.turnDuration, m.nodeFallbacks, m.compressions,
		m.phaseTransitions, m.gradeReports, m.titleJobs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.turnDuration.Observe(d.Seconds())
	}
}

// IncFallback counts a node fallback.
func (m *Metrics) IncFallback(node string) {
	if m == nil {
		return
	}
	m.nodeFallbacks.WithLabelValues(node).Inc()
}

// IncCompression counts a transcript compression.
func (m *Metrics) IncCompression() {
	if m == nil {
		return
	}
	m.compressions.Inc()
}

// IncPhaseTransition counts a phase change.
func (m *Metrics) IncPhaseTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

// IncGradeReport counts a compiled report; outcome is "ok" or "failed".
func (m *Metrics) IncGradeReport(outcome string) {
	if m == nil {
		return
	}
	m.gradeReports.WithLabelValues(outcome).Inc()
}

// IncTitleJob counts a background title job.
func (m *Metrics) IncTitleJob(outcome string) {
	if m == nil {
		return
	}
	m.titleJobs.WithLabelValues(outcome).Inc()
}
