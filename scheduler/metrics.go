package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeOverlap = "overlap"
)

// Metrics holds the job collectors. A nil registerer keeps them
// unregistered.
type Metrics struct {
	runs     *prometheus.CounterVec
	affected *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the job collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_scheduler_job_runs_total",
				Help: "Total number of scheduled job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		affected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_scheduler_job_affected_total",
				Help: "Total number of records changed by scheduled jobs",
			},
			[]string{"job"},
		),
		skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_scheduler_job_skipped_total",
				Help: "Total number of selected records left untouched by scheduled jobs",
			},
			[]string{"job"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accounts_scheduler_job_duration_seconds",
				Help:    "Duration of scheduled job runs",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
	}
}

func (m *Metrics) observe(job, outcome string, res Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	if outcome == OutcomeOverlap {
		return
	}
	m.affected.WithLabelValues(job).Add(float64(res.Affected))
	m.skipped.WithLabelValues(job).Add(float64(res.Skipped))
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}
