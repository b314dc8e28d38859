package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unitylab/clipforge/internal/domain"
	"github.com/unitylab/clipforge/internal/metrics"
	"github.com/unitylab/clipforge/internal/notify"
)

// Clock supplies timestamps so tests can pin time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

// PlanStore defines the plan lookup interface consumed by the scheduler.
type PlanStore interface {
	// ByID resolves a plan or returns domain.ErrUnknownPlan.
	ByID(ctx context.Context, id string) (*domain.Plan, error)
}

// JobStore defines the job data access interface consumed by the scheduler.
// Jobs are never deleted; events are append-only; the SLA audit row is
// written at most once per job.
type JobStore interface {
	// Create persists a new job. It must enforce uniqueness of
	// (org_id, idempotency_key) and return domain.ErrConflict on a duplicate.
	Create(ctx context.Context, job domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	FindByIdempotencyKey(ctx context.Context, orgID, key string) (*domain.Job, error)
	SetState(ctx context.Context, id string, state domain.JobState, at time.Time) error
	SetETA(ctx context.Context, id string, etaSeconds int) error
	// ActiveSnapshot returns every job in an active (QUEUED..UPLOADING)
	// state, joined with its plan's target multiplier. Read-committed
	// staleness is acceptable; estimates are advisory.
	ActiveSnapshot(ctx context.Context) ([]domain.QueuedJob, error)
	AppendEvent(ctx context.Context, ev domain.JobEvent) error
	Events(ctx context.Context, jobID string) ([]domain.JobEvent, error)
	CreateSlaAudit(ctx context.Context, audit domain.JobSlaAudit) error
}

// Scheduler owns job admission, lane assignment and the job state machine.
// All durable state lives in the stores; the only in-process state is the
// per-job mutex map that serializes transitions on the same job.
type Scheduler struct {
	jobs      JobStore
	plans     PlanStore
	estimator *Estimator
	clock     Clock
	publisher notify.Publisher

	locks sync.Map // job ID -> *sync.Mutex
}

// NewScheduler creates a Scheduler. A nil publisher disables notifications.
func NewScheduler(jobs JobStore, plans PlanStore, estimator *Estimator, clock Clock, publisher notify.Publisher) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if publisher == nil {
		publisher = notify.Nop()
	}
	return &Scheduler{jobs: jobs, plans: plans, estimator: estimator, clock: clock, publisher: publisher}
}

// SubmitInput carries the admission request for a new job.
type SubmitInput struct {
	OrgID          string
	SourceURL      string
	InputMinutes   int
	PlanID         string
	IdempotencyKey string
}

// Submit validates the request against its plan, admits the job into the
// plan's lane and computes an initial ETA. Submitting again with the same
// (orgID, idempotencyKey) returns the existing job unchanged: retries are
// success with the pre-existing resource, not an error. Concurrent duplicate
// submissions are resolved by the store's uniqueness constraint.
func (s *Scheduler) Submit(ctx context.Context, in SubmitInput) (*domain.Job, error) {
	plan, err := s.plans.ByID(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	if in.InputMinutes < 1 || in.InputMinutes > plan.MaxInputMinutes {
		return nil, fmt.Errorf("%w: input_minutes must be 1..%d for plan %s",
			domain.ErrInvalidInput, plan.MaxInputMinutes, plan.ID)
	}

	if in.IdempotencyKey != "" {
		existing, err := s.jobs.FindByIdempotencyKey(ctx, in.OrgID, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
	}

	now := s.clock.Now()
	job := domain.Job{
		ID:           uuid.NewString(),
		OrgID:        in.OrgID,
		SourceURL:    in.SourceURL,
		InputMinutes: in.InputMinutes,
		PlanID:       plan.ID,
		Lane:         plan.Lane,
		State:        domain.JobStateQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		job.IdempotencyKey = &key
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		// A concurrent duplicate hit the unique constraint first; every
		// racing caller must observe the same job.
		if errors.Is(err, domain.ErrConflict) && in.IdempotencyKey != "" {
			return s.jobs.FindByIdempotencyKey(ctx, in.OrgID, in.IdempotencyKey)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.jobs.AppendEvent(ctx, domain.JobEvent{JobID: job.ID, State: domain.JobStateQueued, At: now}); err != nil {
		return nil, fmt.Errorf("append queued event: %w", err)
	}

	eta, err := s.refreshETA(ctx, &job, plan)
	if err != nil {
		return nil, err
	}

	metrics.JobsSubmitted.WithLabelValues(plan.ID).Inc()
	s.publisher.Publish(ctx, notify.Event{JobID: job.ID, State: job.State, ETASeconds: &eta, At: now})
	slog.Info("job submitted",
		"job_id", job.ID, "org_id", job.OrgID, "plan", plan.ID,
		"lane", job.Lane, "eta_seconds", eta)
	return &job, nil
}

// Transition moves a job to newState, appending an event and, on a terminal
// state, recording the one-shot SLA audit. Transitions on the same job are
// serialized; different jobs proceed in parallel.
func (s *Scheduler) Transition(ctx context.Context, jobID string, newState domain.JobState, detail json.RawMessage) (*domain.Job, error) {
	if !newState.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidInput, newState)
	}

	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(job.State, newState) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, job.State, newState)
	}

	now := s.clock.Now()
	if err := s.jobs.SetState(ctx, jobID, newState, now); err != nil {
		return nil, fmt.Errorf("set state: %w", err)
	}
	if err := s.jobs.AppendEvent(ctx, domain.JobEvent{JobID: jobID, State: newState, Detail: detail, At: now}); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	job.State = newState
	job.UpdatedAt = now

	if newState.IsTerminal() {
		if err := s.recordSLA(ctx, job, now); err != nil {
			return nil, err
		}
	}

	metrics.JobTransitions.WithLabelValues(string(newState)).Inc()
	s.publisher.Publish(ctx, notify.Event{JobID: job.ID, State: newState, ETASeconds: job.ETASeconds, At: now})
	slog.Info("job transition", "job_id", jobID, "state", newState)
	return job, nil
}

// JobDetail is a job together with its ordered event timeline.
type JobDetail struct {
	Job      domain.Job        `json:"job"`
	Timeline []domain.JobEvent `json:"timeline"`
}

// Job returns the job and its timeline. For non-terminal jobs the ETA is
// recomputed from the current queue and persisted; a terminal job's ETA
// stays frozen at its last computed value.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := s.jobs.Events(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	if !job.State.IsTerminal() {
		plan, err := s.plans.ByID(ctx, job.PlanID)
		if err != nil {
			return nil, err
		}
		if _, err := s.refreshETA(ctx, job, plan); err != nil {
			return nil, err
		}
	}
	return &JobDetail{Job: *job, Timeline: events}, nil
}

// LaneStatus aggregates the active jobs of one lane.
type LaneStatus struct {
	Count         int  `json:"count"`
	AvgETASeconds *int `json:"avg_eta_seconds"`
}

// QueueStatus is a read-only projection of the active queue, grouped by lane.
type QueueStatus struct {
	Lanes      map[string]LaneStatus `json:"lanes"`
	Throughput map[string]float64    `json:"throughput"`
}

// QueueStatus reports per-lane counts and average ETAs plus the configured
// lane throughputs. All three lanes are always present in the response.
func (s *Scheduler) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	snapshot, err := s.jobs.ActiveSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("active snapshot: %w", err)
	}

	status := &QueueStatus{
		Lanes:      make(map[string]LaneStatus, 3),
		Throughput: make(map[string]float64, 3),
	}
	counts := make(map[int]int)
	etaSums := make(map[int]int)
	etaCounts := make(map[int]int)
	for _, q := range snapshot {
		counts[q.Lane]++
		if q.ETASeconds != nil {
			etaSums[q.Lane] += *q.ETASeconds
			etaCounts[q.Lane]++
		}
	}
	for lane := 0; lane <= 2; lane++ {
		ls := LaneStatus{Count: counts[lane]}
		if etaCounts[lane] > 0 {
			avg := etaSums[lane] / etaCounts[lane]
			ls.AvgETASeconds = &avg
		}
		status.Lanes[domain.LaneLabel(lane)] = ls
		status.Throughput[domain.LaneLabel(lane)] = s.estimator.Throughput(lane)
	}
	return status, nil
}

// refreshETA recomputes the job's ETA from a fresh snapshot, persists it and
// updates the in-memory copy.
func (s *Scheduler) refreshETA(ctx context.Context, job *domain.Job, plan *domain.Plan) (int, error) {
	snapshot, err := s.jobs.ActiveSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("active snapshot: %w", err)
	}
	eta := s.estimator.ETASeconds(domain.QueuedJob{
		JobID:            job.ID,
		Lane:             job.Lane,
		InputMinutes:     job.InputMinutes,
		TargetMultiplier: plan.TargetMultiplier,
		CreatedAt:        job.CreatedAt,
	}, snapshot)
	if err := s.jobs.SetETA(ctx, job.ID, eta); err != nil {
		return 0, fmt.Errorf("set eta: %w", err)
	}
	job.ETASeconds = &eta
	return eta, nil
}

// recordSLA writes the one-shot audit row comparing the ETA in force with
// the wall clock elapsed from the QUEUED event to the terminal event.
func (s *Scheduler) recordSLA(ctx context.Context, job *domain.Job, at time.Time) error {
	target := 0
	if job.ETASeconds != nil {
		target = *job.ETASeconds
	} else if plan, err := s.plans.ByID(ctx, job.PlanID); err == nil {
		target = int(math.Round(float64(job.InputMinutes)*plan.TargetMultiplier)) * 60
	}

	queuedAt := job.CreatedAt
	events, err := s.jobs.Events(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	for _, ev := range events {
		if ev.State == domain.JobStateQueued {
			queuedAt = ev.At
			break
		}
	}

	actual := int(math.Round(at.Sub(queuedAt).Seconds()))
	audit := domain.JobSlaAudit{
		JobID:         job.ID,
		TargetSeconds: target,
		ActualSeconds: actual,
		Breached:      actual > target,
	}
	if err := s.jobs.CreateSlaAudit(ctx, audit); err != nil {
		return fmt.Errorf("create sla audit: %w", err)
	}
	if audit.Breached {
		metrics.SLABreaches.Inc()
		slog.Warn("sla breached", "job_id", job.ID,
			"target_seconds", target, "actual_seconds", actual)
	}
	return nil
}

func (s *Scheduler) lockFor(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
