package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unitylab/clipforge/internal/domain"
)

// ExperimentRepository handles experiment, variant and variant-stat data
// access.
type ExperimentRepository struct {
	db *sqlx.DB
}

// NewExperimentRepository creates a new ExperimentRepository.
func NewExperimentRepository(db *sqlx.DB) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

// CreateExperiment persists the experiment, its variants and their zeroed
// stats in one transaction.
func (r *ExperimentRepository) CreateExperiment(ctx context.Context, exp domain.Experiment, variants []domain.Variant, stats []domain.VariantStat) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO experiments (id, job_id, org_id, name, platform, target_metric,
		                          min_impressions, min_runtime_seconds, prior_alpha,
		                          prior_beta, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exp.ID, exp.JobID, exp.OrgID, exp.Name, exp.Platform, exp.TargetMetric,
		exp.MinImpressions, exp.MinRuntimeSeconds, exp.PriorAlpha, exp.PriorBeta,
		exp.State, exp.CreatedAt, exp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}

	for _, v := range variants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variants (id, experiment_id, index, state, hook_text,
			                       caption_text, style_preset, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			v.ID, v.ExperimentID, v.Index, v.State, v.HookText, v.CaptionText,
			v.StylePreset, v.CreatedAt); err != nil {
			return fmt.Errorf("insert variant %d: %w", v.Index, err)
		}
	}
	for _, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variant_stats (variant_id, impressions, clicks, watch3s,
			                            watch30s, alpha, beta, last_ingested_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			st.VariantID, st.Impressions, st.Clicks, st.Watch3s, st.Watch30s,
			st.Alpha, st.Beta, st.LastIngestedAt); err != nil {
			return fmt.Errorf("insert variant stats: %w", err)
		}
	}
	return tx.Commit()
}

// FindExperiment retrieves an experiment by ID.
func (r *ExperimentRepository) FindExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	var exp domain.Experiment
	err := r.db.GetContext(ctx, &exp,
		`SELECT id, job_id, org_id, name, platform, target_metric, min_impressions,
		        min_runtime_seconds, prior_alpha, prior_beta, state, created_at, updated_at
		 FROM experiments WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
		}
		return nil, fmt.Errorf("find experiment %s: %w", id, err)
	}
	return &exp, nil
}

// Variants returns the experiment's variants ordered by index.
func (r *ExperimentRepository) Variants(ctx context.Context, experimentID string) ([]domain.Variant, error) {
	var variants []domain.Variant
	err := r.db.SelectContext(ctx, &variants,
		`SELECT id, experiment_id, index, state, hook_text, caption_text,
		        style_preset, created_at
		 FROM variants WHERE experiment_id = $1 ORDER BY index`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("select variants: %w", err)
	}
	return variants, nil
}

// Stats returns one consistent snapshot of the experiment's variant stats.
// The single statement reads all rows at the same instant under read
// committed, which is what the decision step needs.
func (r *ExperimentRepository) Stats(ctx context.Context, experimentID string) ([]domain.VariantStat, error) {
	var stats []domain.VariantStat
	err := r.db.SelectContext(ctx, &stats,
		`SELECT s.variant_id, s.impressions, s.clicks, s.watch3s, s.watch30s,
		        s.alpha, s.beta, s.last_ingested_at
		 FROM variant_stats s
		 JOIN variants v ON v.id = s.variant_id
		 WHERE v.experiment_id = $1
		 ORDER BY v.index`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("select variant stats: %w", err)
	}
	return stats, nil
}

// ApplyMetrics adds the delta to one variant's counters and recomputes its
// posterior inside a transaction; the row lock makes the counter update and
// the recompute one atomic unit per variant.
func (r *ExperimentRepository) ApplyMetrics(ctx context.Context, experimentID string, d domain.MetricsDelta, metric domain.TargetMetric, priorAlpha, priorBeta float64, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var st domain.VariantStat
	err = tx.GetContext(ctx, &st,
		`SELECT s.variant_id, s.impressions, s.clicks, s.watch3s, s.watch30s,
		        s.alpha, s.beta, s.last_ingested_at
		 FROM variant_stats s
		 JOIN variants v ON v.id = s.variant_id
		 WHERE s.variant_id = $1 AND v.experiment_id = $2
		 FOR UPDATE OF s`, d.VariantID, experimentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrVariantNotFound, d.VariantID)
		}
		return fmt.Errorf("lock variant stats: %w", err)
	}

	st.Apply(d, at)
	st.Recompute(metric, priorAlpha, priorBeta)

	if _, err := tx.ExecContext(ctx,
		`UPDATE variant_stats
		 SET impressions = $2, clicks = $3, watch3s = $4, watch30s = $5,
		     alpha = $6, beta = $7, last_ingested_at = $8
		 WHERE variant_id = $1`,
		st.VariantID, st.Impressions, st.Clicks, st.Watch3s, st.Watch30s,
		st.Alpha, st.Beta, st.LastIngestedAt); err != nil {
		return fmt.Errorf("update variant stats: %w", err)
	}
	return tx.Commit()
}

// Promote flips the experiment and the winning variant to PROMOTED in one
// transaction. Sibling variants keep their prior state.
func (r *ExperimentRepository) Promote(ctx context.Context, experimentID, variantID string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE experiments SET state = $2, updated_at = $3 WHERE id = $1`,
		experimentID, domain.ExperimentStatePromoted, at); err != nil {
		return fmt.Errorf("update experiment state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE variants SET state = $3 WHERE id = $1 AND experiment_id = $2`,
		variantID, experimentID, domain.VariantStatePromoted); err != nil {
		return fmt.Errorf("update variant state: %w", err)
	}
	return tx.Commit()
}
