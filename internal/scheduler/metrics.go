package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cron scheduler.
type Metrics struct {
	JobsFired     prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsMissed    prometheus.Counter
	JobsSkipped   prometheus.Counter
	TickDuration  prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		JobsFired:     counter("jobs_fired_total", "Total scheduled sessions started."),
		JobsSucceeded: counter("jobs_succeeded_total", "Total scheduled sessions that finished without error."),
		JobsFailed:    counter("jobs_failed_total", "Total scheduled sessions that failed or ended with an agent error."),
		JobsMissed:    counter("jobs_missed_total", "Total occurrences collapsed because they passed between polls."),
		JobsSkipped:   counter("jobs_skipped_total", "Total occurrences skipped because the previous run was still in flight."),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler poll.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsMissed,
		m.JobsSkipped,
		m.TickDuration,
	)

	return m
}
