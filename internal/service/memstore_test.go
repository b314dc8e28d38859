package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unitylab/clipforge/internal/domain"
)

// In-memory store fakes with the same contracts as the Postgres
// repositories: idempotency uniqueness, append-only events, one-shot audits,
// per-variant atomic metric application.

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPlans struct {
	plans map[string]domain.Plan
}

func newMemPlans(plans ...domain.Plan) *memPlans {
	m := &memPlans{plans: make(map[string]domain.Plan)}
	if len(plans) == 0 {
		plans = domain.DefaultPlans()
	}
	for _, p := range plans {
		m.plans[p.ID] = p
	}
	return m
}

func (m *memPlans) ByID(_ context.Context, id string) (*domain.Plan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlan, id)
	}
	return &p, nil
}

type memJobs struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	events []domain.JobEvent
	audits map[string]domain.JobSlaAudit
	plans  *memPlans
	nextID int64
}

func newMemJobs(plans *memPlans) *memJobs {
	return &memJobs{
		jobs:   make(map[string]domain.Job),
		audits: make(map[string]domain.JobSlaAudit),
		plans:  plans,
	}
}

func (m *memJobs) Create(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.IdempotencyKey != nil {
		for _, existing := range m.jobs {
			if existing.OrgID == job.OrgID && existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *job.IdempotencyKey {
				return fmt.Errorf("%w: job for idempotency key already exists", domain.ErrConflict)
			}
		}
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) FindByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return &job, nil
}

func (m *memJobs) FindByIdempotencyKey(_ context.Context, orgID, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.OrgID == orgID && job.IdempotencyKey != nil && *job.IdempotencyKey == key {
			j := job
			return &j, nil
		}
	}
	return nil, fmt.Errorf("%w: no job for idempotency key", domain.ErrJobNotFound)
}

func (m *memJobs) SetState(_ context.Context, id string, state domain.JobState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	job.State = state
	job.UpdatedAt = at
	m.jobs[id] = job
	return nil
}

func (m *memJobs) SetETA(_ context.Context, id string, etaSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	job.ETASeconds = &etaSeconds
	m.jobs[id] = job
	return nil
}

func (m *memJobs) ActiveSnapshot(ctx context.Context) ([]domain.QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QueuedJob
	for _, job := range m.jobs {
		if job.State.IsTerminal() || job.State == domain.JobStateCreated {
			continue
		}
		plan, err := m.plans.ByID(ctx, job.PlanID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.QueuedJob{
			JobID:            job.ID,
			Lane:             job.Lane,
			InputMinutes:     job.InputMinutes,
			TargetMultiplier: plan.TargetMultiplier,
			ETASeconds:       job.ETASeconds,
			CreatedAt:        job.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return domain.Ahead(out[i], out[j]) })
	return out, nil
}

func (m *memJobs) AppendEvent(_ context.Context, ev domain.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, ev)
	return nil
}

func (m *memJobs) Events(_ context.Context, jobID string) ([]domain.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memJobs) CreateSlaAudit(_ context.Context, audit domain.JobSlaAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.audits[audit.JobID]; exists {
		return fmt.Errorf("%w: sla audit already recorded for job %s", domain.ErrConflict, audit.JobID)
	}
	m.audits[audit.JobID] = audit
	return nil
}

func (m *memJobs) audit(jobID string) (domain.JobSlaAudit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audits[jobID]
	return a, ok
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memExperiments struct {
	mu       sync.Mutex
	exps     map[string]domain.Experiment
	variants map[string][]domain.Variant
	stats    map[string]domain.VariantStat
}

func newMemExperiments() *memExperiments {
	return &memExperiments{
		exps:     make(map[string]domain.Experiment),
		variants: make(map[string][]domain.Variant),
		stats:    make(map[string]domain.VariantStat),
	}
}

func (m *memExperiments) CreateExperiment(_ context.Context, exp domain.Experiment, variants []domain.Variant, stats []domain.VariantStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exps[exp.ID] = exp
	m.variants[exp.ID] = append([]domain.Variant(nil), variants...)
	for _, st := range stats {
		m.stats[st.VariantID] = st
	}
	return nil
}

func (m *memExperiments) FindExperiment(_ context.Context, id string) (*domain.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.exps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	return &exp, nil
}

func (m *memExperiments) Variants(_ context.Context, experimentID string) ([]domain.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Variant(nil), m.variants[experimentID]...), nil
}

func (m *memExperiments) Stats(_ context.Context, experimentID string) ([]domain.VariantStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.VariantStat
	for _, v := range m.variants[experimentID] {
		out = append(out, m.stats[v.ID])
	}
	return out, nil
}

func (m *memExperiments) ApplyMetrics(_ context.Context, experimentID string, d domain.MetricsDelta, metric domain.TargetMetric, priorAlpha, priorBeta float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found bool
	for _, v := range m.variants[experimentID] {
		if v.ID == d.VariantID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrVariantNotFound, d.VariantID)
	}
	st := m.stats[d.VariantID]
	st.Apply(d, at)
	st.Recompute(metric, priorAlpha, priorBeta)
	m.stats[d.VariantID] = st
	return nil
}

func (m *memExperiments) Promote(_ context.Context, experimentID, variantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.exps[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, experimentID)
	}
	exp.State = domain.ExperimentStatePromoted
	exp.UpdatedAt = at
	m.exps[experimentID] = exp
	vs := m.variants[experimentID]
	for i := range vs {
		if vs[i].ID == variantID {
			vs[i].State = domain.VariantStatePromoted
		}
	}
	return nil
}

func (m *memExperiments) variantState(experimentID, variantID string) domain.VariantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.variants[experimentID] {
		if v.ID == variantID {
			return v.State
		}
	}
	return ""
}

func (m *memExperiments) stat(variantID string) domain.VariantStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[variantID]
}
