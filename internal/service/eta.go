package service

import (
	"math"

	"github.com/unitylab/clipforge/internal/domain"
)

// LaneThroughput maps a lane number to its effective throughput: input
// minutes of queued work processed per wall-clock minute. Lane 0 is the
// fastest lane, lane 2 the slowest.
type LaneThroughput map[int]float64

// DefaultThroughput mirrors the production lane capacity settings.
func DefaultThroughput() LaneThroughput {
	return LaneThroughput{0: 1.6, 1: 1.2, 2: 1.0}
}

// Estimator computes advisory completion estimates from a snapshot of the
// active queue. It holds only configuration and performs no mutation;
// persisting a refreshed estimate is the caller's responsibility.
type Estimator struct {
	throughput LaneThroughput
}

// NewEstimator creates an Estimator with the given per-lane throughput.
func NewEstimator(throughput LaneThroughput) *Estimator {
	return &Estimator{throughput: throughput}
}

// Throughput returns the configured throughput for a lane, defaulting to 1.0
// for lanes with no explicit setting.
func (e *Estimator) Throughput(lane int) float64 {
	if v, ok := e.throughput[lane]; ok {
		return v
	}
	return 1.0
}

// QueueMinutesAhead sums the weighted input minutes of every snapshot entry
// scheduled ahead of the target job: lower lane first, FIFO within a lane.
func (e *Estimator) QueueMinutesAhead(job domain.QueuedJob, snapshot []domain.QueuedJob) float64 {
	var total float64
	for _, other := range snapshot {
		if other.JobID == job.JobID {
			continue
		}
		if domain.Ahead(other, job) {
			total += float64(other.InputMinutes) * other.TargetMultiplier
		}
	}
	return total
}

// ETASeconds estimates seconds until the job completes, given a snapshot of
// all jobs currently in active (QUEUED..UPLOADING) states. The estimate is
// the queued work ahead of the job divided by its lane's throughput, plus the
// job's own expected processing time.
func (e *Estimator) ETASeconds(job domain.QueuedJob, snapshot []domain.QueuedJob) int {
	ahead := e.QueueMinutesAhead(job, snapshot)
	expected := float64(job.InputMinutes) * job.TargetMultiplier
	minutes := ahead/e.Throughput(job.Lane) + expected
	return int(math.Round(minutes)) * 60
}
