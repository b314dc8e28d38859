package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitylab/clipforge/internal/domain"
)

func newTestExperiments(t *testing.T) (*Experiments, *memExperiments, *memJobs, *fakeClock) {
	t.Helper()
	plans := newMemPlans()
	jobs := newMemJobs(plans)
	store := newMemExperiments()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := NewExperiments(store, jobs, clock, DefaultMinShare)
	return engine, store, jobs, clock
}

func seedJob(t *testing.T, jobs *memJobs, clock *fakeClock) domain.Job {
	t.Helper()
	job := domain.Job{
		ID: "job-1", OrgID: "org1", SourceURL: "https://example.com/v",
		InputMinutes: 10, PlanID: "express", Lane: 0,
		State: domain.JobStateCompleted, CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func twoVariantInput(jobID string) CreateExperimentInput {
	return CreateExperimentInput{
		JobID: jobID, Name: "hooks", Platform: "tiktok",
		TargetMetric: domain.MetricCTR,
		Variants: []VariantInput{
			{HookText: "hook a", CaptionText: "cap a"},
			{HookText: "hook b", CaptionText: "cap b"},
		},
	}
}

func TestCreateExperiment(t *testing.T) {
	engine, _, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)

	detail, err := engine.Create(context.Background(), twoVariantInput(job.ID))
	require.NoError(t, err)

	exp := detail.Experiment
	assert.Equal(t, domain.ExperimentStateRunning, exp.State)
	assert.Equal(t, "org1", exp.OrgID)
	assert.Equal(t, int64(500), exp.MinImpressions)
	assert.Equal(t, int64(3600), exp.MinRuntimeSeconds)
	assert.Equal(t, 1.0, exp.PriorAlpha)
	assert.Equal(t, 1.0, exp.PriorBeta)

	require.Len(t, detail.Variants, 2)
	for i, v := range detail.Variants {
		assert.Equal(t, i, v.Index)
		assert.Equal(t, domain.VariantStateReady, v.State)
		assert.Equal(t, int64(0), v.Stat.Impressions)
		assert.Equal(t, 1.0, v.Stat.Alpha)
		assert.Equal(t, 1.0, v.Stat.Beta)
	}
}

func TestCreateExperimentUnknownJob(t *testing.T) {
	engine, _, _, _ := newTestExperiments(t)

	_, err := engine.Create(context.Background(), twoVariantInput("missing"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCreateExperimentNeedsTwoVariants(t *testing.T) {
	engine, _, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)

	in := twoVariantInput(job.ID)
	in.Variants = in.Variants[:1]
	_, err := engine.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIngestMetricsUpdatesPosterior(t *testing.T) {
	engine, store, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	detail, err := engine.Create(ctx, twoVariantInput(job.ID))
	require.NoError(t, err)
	a, b := detail.Variants[0].Variant, detail.Variants[1].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: a.ID, ImpressionsDelta: 100, ClicksDelta: 10},
		{VariantID: b.ID, ImpressionsDelta: 100, ClicksDelta: 20},
	})
	require.NoError(t, err)

	statA := store.stat(a.ID)
	assert.Equal(t, int64(100), statA.Impressions)
	assert.Equal(t, 11.0, statA.Alpha)
	assert.Equal(t, 91.0, statA.Beta)

	statB := store.stat(b.ID)
	assert.Equal(t, 21.0, statB.Alpha)
	assert.Equal(t, 81.0, statB.Beta)
}

func TestIngestMetricsAccumulates(t *testing.T) {
	engine, store, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	detail, err := engine.Create(ctx, twoVariantInput(job.ID))
	require.NoError(t, err)
	a := detail.Variants[0].Variant

	for i := 0; i < 3; i++ {
		err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
			{VariantID: a.ID, ImpressionsDelta: 50, ClicksDelta: 5, Watch3sDelta: 20},
		})
		require.NoError(t, err)
	}

	st := store.stat(a.ID)
	assert.Equal(t, int64(150), st.Impressions)
	assert.Equal(t, int64(15), st.Clicks)
	assert.Equal(t, int64(60), st.Watch3s)
	assert.Equal(t, 16.0, st.Alpha)
	assert.Equal(t, 136.0, st.Beta)
}

func TestIngestMetricsSkipsUnknownVariant(t *testing.T) {
	engine, store, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	detail, err := engine.Create(ctx, twoVariantInput(job.ID))
	require.NoError(t, err)
	a := detail.Variants[0].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: "not-a-variant", ImpressionsDelta: 500},
		{VariantID: a.ID, ImpressionsDelta: 10, ClicksDelta: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10), store.stat(a.ID).Impressions)
}

func TestIngestMetricsRejectsNegativeDeltas(t *testing.T) {
	engine, store, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	detail, err := engine.Create(ctx, twoVariantInput(job.ID))
	require.NoError(t, err)
	a := detail.Variants[0].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: a.ID, ImpressionsDelta: 10},
		{VariantID: a.ID, ClicksDelta: -1},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// Validation happens before anything is applied.
	assert.Equal(t, int64(0), store.stat(a.ID).Impressions)
}

func TestIngestMetricsUnknownExperiment(t *testing.T) {
	engine, _, _, _ := newTestExperiments(t)

	err := engine.IngestMetrics(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
}

func TestDecideUnknownExperiment(t *testing.T) {
	engine, _, _, _ := newTestExperiments(t)

	_, err := engine.Decide(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
}

func TestDecideAllocationsWithoutPromotion(t *testing.T) {
	engine, _, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	in := twoVariantInput(job.ID)
	in.MinImpressions = 500
	detail, err := engine.Create(ctx, in)
	require.NoError(t, err)
	a, b := detail.Variants[0].Variant, detail.Variants[1].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: a.ID, ImpressionsDelta: 100, ClicksDelta: 10},
		{VariantID: b.ID, ImpressionsDelta: 100, ClicksDelta: 20},
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	decision, err := engine.Decide(ctx, detail.Experiment.ID)
	require.NoError(t, err)

	assert.Nil(t, decision.Promoted, "200 impressions < minImpressions 500")
	assert.Equal(t, domain.ExperimentStateRunning, decision.State)
	require.Len(t, decision.Allocations, 2)
	assert.Greater(t, decision.Allocations[b.ID], decision.Allocations[a.ID])

	var sum float64
	for _, share := range decision.Allocations {
		sum += share
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestDecideRuntimeGateBlocksEarlyPromotion(t *testing.T) {
	engine, store, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	in := twoVariantInput(job.ID)
	in.MinImpressions = 150
	in.MinRuntimeSeconds = 3600
	detail, err := engine.Create(ctx, in)
	require.NoError(t, err)
	a, b := detail.Variants[0].Variant, detail.Variants[1].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: a.ID, ImpressionsDelta: 100, ClicksDelta: 10},
		{VariantID: b.ID, ImpressionsDelta: 100, ClicksDelta: 20},
	})
	require.NoError(t, err)

	// Impressions suffice (200 >= 150) but only 10 minutes have elapsed.
	clock.Advance(10 * time.Minute)
	decision, err := engine.Decide(ctx, detail.Experiment.ID)
	require.NoError(t, err)
	assert.Nil(t, decision.Promoted)
	assert.Equal(t, domain.ExperimentStateRunning, decision.State)

	// Once the runtime gate opens, the same posteriors promote variant B.
	clock.Advance(time.Hour)
	decision, err = engine.Decide(ctx, detail.Experiment.ID)
	require.NoError(t, err)
	require.NotNil(t, decision.Promoted)
	assert.Equal(t, b.ID, decision.Promoted.VariantID)
	assert.InDelta(t, 21.0/102.0, decision.Promoted.PosteriorMean, 1e-12)
	assert.Equal(t, domain.ExperimentStatePromoted, decision.State)

	assert.Equal(t, domain.VariantStatePromoted, store.variantState(detail.Experiment.ID, b.ID))
	assert.Equal(t, domain.VariantStateReady, store.variantState(detail.Experiment.ID, a.ID),
		"losing sibling keeps its prior state")
}

func TestDecideStillReturnsAllocationsAfterPromotion(t *testing.T) {
	engine, _, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	in := twoVariantInput(job.ID)
	in.MinImpressions = 100
	in.MinRuntimeSeconds = 60
	detail, err := engine.Create(ctx, in)
	require.NoError(t, err)
	a, b := detail.Variants[0].Variant, detail.Variants[1].Variant

	err = engine.IngestMetrics(ctx, detail.Experiment.ID, []domain.MetricsDelta{
		{VariantID: a.ID, ImpressionsDelta: 100, ClicksDelta: 5},
		{VariantID: b.ID, ImpressionsDelta: 100, ClicksDelta: 30},
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	first, err := engine.Decide(ctx, detail.Experiment.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Promoted)

	second, err := engine.Decide(ctx, detail.Experiment.ID)
	require.NoError(t, err)
	require.NotNil(t, second.Promoted)
	assert.Equal(t, first.Promoted.VariantID, second.Promoted.VariantID)
	assert.Len(t, second.Allocations, 2)
}

func TestExperimentDetailRoundTrip(t *testing.T) {
	engine, _, jobs, clock := newTestExperiments(t)
	job := seedJob(t, jobs, clock)
	ctx := context.Background()

	created, err := engine.Create(ctx, twoVariantInput(job.ID))
	require.NoError(t, err)

	fetched, err := engine.Experiment(ctx, created.Experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Experiment.ID, fetched.Experiment.ID)
	require.Len(t, fetched.Variants, 2)
	assert.Equal(t, "hook a", fetched.Variants[0].HookText)
}
