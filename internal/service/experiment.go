package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unitylab/clipforge/internal/domain"
	"github.com/unitylab/clipforge/internal/metrics"
)

// DefaultMinShare is the exploration floor applied to every variant's
// traffic share.
const DefaultMinShare = 0.10

// ExperimentStore defines the experiment data access interface consumed by
// the engine.
type ExperimentStore interface {
	// CreateExperiment persists the experiment with its variants and zeroed
	// stats as one unit.
	CreateExperiment(ctx context.Context, exp domain.Experiment, variants []domain.Variant, stats []domain.VariantStat) error
	FindExperiment(ctx context.Context, id string) (*domain.Experiment, error)
	// Variants returns the experiment's variants ordered by index.
	Variants(ctx context.Context, experimentID string) ([]domain.Variant, error)
	// Stats returns one consistent snapshot of every variant's counters, so
	// posteriors compared against each other were taken at the same instant.
	Stats(ctx context.Context, experimentID string) ([]domain.VariantStat, error)
	// ApplyMetrics adds the delta to one variant's counters and recomputes
	// its posterior as a single atomic unit. Returns
	// domain.ErrVariantNotFound when the variant does not belong to the
	// experiment.
	ApplyMetrics(ctx context.Context, experimentID string, d domain.MetricsDelta, metric domain.TargetMetric, priorAlpha, priorBeta float64, at time.Time) error
	// Promote flips the experiment and the winning variant to PROMOTED.
	Promote(ctx context.Context, experimentID, variantID string, at time.Time) error
}

// JobFinder is the slice of the job store the engine needs: experiments must
// be bound to an existing job.
type JobFinder interface {
	FindByID(ctx context.Context, id string) (*domain.Job, error)
}

// Experiments runs Beta-Bernoulli A/B tests over creative variants:
// posterior maintenance, traffic allocation and the promotion decision.
type Experiments struct {
	store    ExperimentStore
	jobs     JobFinder
	clock    Clock
	minShare float64
}

// NewExperiments creates the engine. minShare <= 0 falls back to
// DefaultMinShare.
func NewExperiments(store ExperimentStore, jobs JobFinder, clock Clock, minShare float64) *Experiments {
	if clock == nil {
		clock = SystemClock()
	}
	if minShare <= 0 {
		minShare = DefaultMinShare
	}
	return &Experiments{store: store, jobs: jobs, clock: clock, minShare: minShare}
}

// VariantInput describes one creative arm at experiment creation.
type VariantInput struct {
	HookText    string
	CaptionText string
	StylePreset *string
}

// CreateExperimentInput carries the experiment creation request.
type CreateExperimentInput struct {
	JobID             string
	Name              string
	Platform          string
	TargetMetric      domain.TargetMetric
	MinImpressions    int64
	MinRuntimeSeconds int64
	PriorAlpha        float64
	PriorBeta         float64
	Variants          []VariantInput
}

// Create starts a RUNNING experiment against an existing job with READY
// variants and prior-seeded posteriors. At least two variants are required.
func (e *Experiments) Create(ctx context.Context, in CreateExperimentInput) (*ExperimentDetail, error) {
	job, err := e.jobs.FindByID(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if len(in.Variants) < 2 {
		return nil, fmt.Errorf("%w: an experiment needs at least 2 variants", domain.ErrInvalidInput)
	}
	if !in.TargetMetric.Valid() {
		return nil, fmt.Errorf("%w: unknown target metric %q", domain.ErrInvalidInput, in.TargetMetric)
	}
	if in.MinImpressions <= 0 {
		in.MinImpressions = 500
	}
	if in.MinRuntimeSeconds <= 0 {
		in.MinRuntimeSeconds = 3600
	}
	if in.PriorAlpha <= 0 {
		in.PriorAlpha = 1
	}
	if in.PriorBeta <= 0 {
		in.PriorBeta = 1
	}

	now := e.clock.Now()
	exp := domain.Experiment{
		ID:                uuid.NewString(),
		JobID:             job.ID,
		OrgID:             job.OrgID,
		Name:              in.Name,
		Platform:          in.Platform,
		TargetMetric:      in.TargetMetric,
		MinImpressions:    in.MinImpressions,
		MinRuntimeSeconds: in.MinRuntimeSeconds,
		PriorAlpha:        in.PriorAlpha,
		PriorBeta:         in.PriorBeta,
		State:             domain.ExperimentStateRunning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	variants := make([]domain.Variant, len(in.Variants))
	stats := make([]domain.VariantStat, len(in.Variants))
	for i, v := range in.Variants {
		variants[i] = domain.Variant{
			ID:           uuid.NewString(),
			ExperimentID: exp.ID,
			Index:        i,
			State:        domain.VariantStateReady,
			HookText:     v.HookText,
			CaptionText:  v.CaptionText,
			StylePreset:  v.StylePreset,
			CreatedAt:    now,
		}
		stats[i] = domain.VariantStat{
			VariantID:      variants[i].ID,
			Alpha:          in.PriorAlpha,
			Beta:           in.PriorBeta,
			LastIngestedAt: now,
		}
	}

	if err := e.store.CreateExperiment(ctx, exp, variants, stats); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	slog.Info("experiment created", "experiment_id", exp.ID, "job_id", job.ID,
		"platform", exp.Platform, "target_metric", exp.TargetMetric, "variants", len(variants))
	return e.detail(&exp, variants, stats), nil
}

// VariantDetail is a variant together with its current stats.
type VariantDetail struct {
	domain.Variant
	Stat domain.VariantStat `json:"stat"`
}

// ExperimentDetail is an experiment with its variants and stats.
type ExperimentDetail struct {
	Experiment domain.Experiment `json:"experiment"`
	Variants   []VariantDetail   `json:"variants"`
}

// Experiment returns the experiment with variants and stats.
func (e *Experiments) Experiment(ctx context.Context, id string) (*ExperimentDetail, error) {
	exp, err := e.store.FindExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	variants, stats, err := e.variantsWithStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.detail(exp, variants, stats), nil
}

// IngestMetrics applies a batch of counter deltas. Deltas must be
// non-negative; the whole batch is validated before any item is applied.
// Items for unknown variants are skipped, not failed: upstream collectors
// sometimes report variants from other experiments in the same batch.
func (e *Experiments) IngestMetrics(ctx context.Context, experimentID string, items []domain.MetricsDelta) error {
	exp, err := e.store.FindExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	for _, d := range items {
		if d.ImpressionsDelta < 0 || d.ClicksDelta < 0 || d.Watch3sDelta < 0 || d.Watch30sDelta < 0 {
			return fmt.Errorf("%w: metric deltas must be non-negative", domain.ErrInvalidInput)
		}
	}

	now := e.clock.Now()
	for _, d := range items {
		err := e.store.ApplyMetrics(ctx, exp.ID, d, exp.TargetMetric, exp.PriorAlpha, exp.PriorBeta, now)
		if errors.Is(err, domain.ErrVariantNotFound) {
			slog.Debug("skipping metrics for unknown variant",
				"experiment_id", exp.ID, "variant_id", d.VariantID)
			continue
		}
		if err != nil {
			return fmt.Errorf("apply metrics for variant %s: %w", d.VariantID, err)
		}
	}
	metrics.MetricsBatches.Inc()
	return nil
}

// Promotion names the winning variant and its posterior mean.
type Promotion struct {
	VariantID     string  `json:"variant_id"`
	PosteriorMean float64 `json:"posterior_mean"`
}

// Decision is the outcome of one Decide call. Allocations are always
// present so traffic splitting continues whether or not a winner emerged.
type Decision struct {
	ExperimentID string                 `json:"experiment_id"`
	State        domain.ExperimentState `json:"state"`
	Allocations  map[string]float64     `json:"allocations"`
	Promoted     *Promotion             `json:"promoted,omitempty"`
}

// Decide recomputes posteriors from one consistent stats snapshot, returns
// traffic allocations and, when the experiment has seen minImpressions and
// run for minRuntimeSeconds, promotes the highest-mean variant. Ineligibility
// is not an error; the decision simply carries no promotion.
func (e *Experiments) Decide(ctx context.Context, experimentID string) (*Decision, error) {
	exp, err := e.store.FindExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	variants, stats, err := e.variantsWithStats(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	byVariant := make(map[string]domain.VariantStat, len(stats))
	for _, st := range stats {
		byVariant[st.VariantID] = st
	}
	posteriors := make([]Posterior, 0, len(variants))
	for _, v := range variants {
		st := byVariant[v.ID]
		successes := st.Successes(exp.TargetMetric)
		failures := st.Impressions - successes
		if failures < 0 {
			failures = 0
		}
		posteriors = append(posteriors, Posterior{
			VariantID:   v.ID,
			Impressions: st.Impressions,
			Successes:   successes,
			Alpha:       exp.PriorAlpha + float64(successes),
			Beta:        exp.PriorBeta + float64(failures),
		})
	}

	decision := &Decision{
		ExperimentID: exp.ID,
		State:        exp.State,
		Allocations:  RecommendAllocations(posteriors, e.minShare),
	}

	now := e.clock.Now()
	runtimeOK := now.Sub(exp.CreatedAt) >= time.Duration(exp.MinRuntimeSeconds)*time.Second
	winnerID, mean, ok := ShouldPromote(posteriors, exp.MinImpressions, runtimeOK)
	if !ok {
		return decision, nil
	}

	decision.Promoted = &Promotion{VariantID: winnerID, PosteriorMean: mean}
	if exp.State == domain.ExperimentStateRunning {
		if err := e.store.Promote(ctx, exp.ID, winnerID, now); err != nil {
			return nil, fmt.Errorf("promote variant %s: %w", winnerID, err)
		}
		metrics.Promotions.Inc()
		slog.Info("experiment promoted", "experiment_id", exp.ID,
			"variant_id", winnerID, "posterior_mean", mean)
	}
	decision.State = domain.ExperimentStatePromoted
	return decision, nil
}

func (e *Experiments) variantsWithStats(ctx context.Context, experimentID string) ([]domain.Variant, []domain.VariantStat, error) {
	variants, err := e.store.Variants(ctx, experimentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list variants: %w", err)
	}
	stats, err := e.store.Stats(ctx, experimentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list stats: %w", err)
	}
	return variants, stats, nil
}

func (e *Experiments) detail(exp *domain.Experiment, variants []domain.Variant, stats []domain.VariantStat) *ExperimentDetail {
	byVariant := make(map[string]domain.VariantStat, len(stats))
	for _, st := range stats {
		byVariant[st.VariantID] = st
	}
	out := &ExperimentDetail{Experiment: *exp, Variants: make([]VariantDetail, len(variants))}
	for i, v := range variants {
		out.Variants[i] = VariantDetail{Variant: v, Stat: byVariant[v.ID]}
	}
	return out
}
