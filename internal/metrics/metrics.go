// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_jobs_submitted_total",
			Help: "Jobs admitted into the queue, by plan",
		},
		[]string{"plan"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipforge_job_transitions_total",
			Help: "Job state transitions, by target state",
		},
		[]string{"state"},
	)

	SLABreaches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clipforge_sla_breaches_total",
			Help: "Jobs that finished later than their admission ETA",
		},
	)

	MetricsBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clipforge_experiment_metric_batches_total",
			Help: "Experiment metric batches ingested",
		},
	)

	Promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clipforge_experiment_promotions_total",
			Help: "Experiments promoted to a winning variant",
		},
	)
)

// Register adds all collectors to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(JobsSubmitted, JobTransitions, SLABreaches, MetricsBatches, Promotions)
}
