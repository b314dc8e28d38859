package domain

import "time"

// ExperimentState represents the lifecycle state of an A/B experiment.
type ExperimentState string

const (
	ExperimentStateDraft    ExperimentState = "DRAFT"
	ExperimentStateRunning  ExperimentState = "RUNNING"
	ExperimentStatePromoted ExperimentState = "PROMOTED"
	ExperimentStateStopped  ExperimentState = "STOPPED"
)

// VariantState represents the state of a single creative arm.
type VariantState string

const (
	VariantStateReady    VariantState = "READY"
	VariantStatePaused   VariantState = "PAUSED"
	VariantStateKilled   VariantState = "KILLED"
	VariantStatePromoted VariantState = "PROMOTED"
)

// TargetMetric selects which counter counts as a success for the posterior.
type TargetMetric string

const (
	MetricCTR      TargetMetric = "CTR"
	MetricWatch3s  TargetMetric = "Watch3s"
	MetricWatch30s TargetMetric = "Watch30s"
)

// Valid reports whether m is a known target metric.
func (m TargetMetric) Valid() bool {
	switch m {
	case MetricCTR, MetricWatch3s, MetricWatch30s:
		return true
	}
	return false
}

// Experiment is an A/B test bound to a completed job. PriorAlpha and
// PriorBeta are the Beta-prior hyperparameters shared by every variant.
type Experiment struct {
	ID                string          `json:"id" db:"id"`
	JobID             string          `json:"job_id" db:"job_id"`
	OrgID             string          `json:"org_id" db:"org_id"`
	Name              string          `json:"name" db:"name"`
	Platform          string          `json:"platform" db:"platform"`
	TargetMetric      TargetMetric    `json:"target_metric" db:"target_metric"`
	MinImpressions    int64           `json:"min_impressions" db:"min_impressions"`
	MinRuntimeSeconds int64           `json:"min_runtime_seconds" db:"min_runtime_seconds"`
	PriorAlpha        float64         `json:"prior_alpha" db:"prior_alpha"`
	PriorBeta         float64         `json:"prior_beta" db:"prior_beta"`
	State             ExperimentState `json:"state" db:"state"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Variant is one creative arm of an experiment. Index is 0-based, unique
// within the experiment, assigned at creation and immutable.
type Variant struct {
	ID           string       `json:"id" db:"id"`
	ExperimentID string       `json:"experiment_id" db:"experiment_id"`
	Index        int          `json:"index" db:"index"`
	State        VariantState `json:"state" db:"state"`
	HookText     string       `json:"hook_text" db:"hook_text"`
	CaptionText  string       `json:"caption_text" db:"caption_text"`
	StylePreset  *string      `json:"style_preset,omitempty" db:"style_preset"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// VariantStat holds the monotonically non-decreasing engagement counters and
// the current Beta posterior for one variant. Alpha and Beta are derived:
// alpha = priorAlpha + successes, beta = priorBeta + max(impressions-successes, 0).
type VariantStat struct {
	VariantID      string    `json:"variant_id" db:"variant_id"`
	Impressions    int64     `json:"impressions" db:"impressions"`
	Clicks         int64     `json:"clicks" db:"clicks"`
	Watch3s        int64     `json:"watch3s" db:"watch3s"`
	Watch30s       int64     `json:"watch30s" db:"watch30s"`
	Alpha          float64   `json:"alpha" db:"alpha"`
	Beta           float64   `json:"beta" db:"beta"`
	LastIngestedAt time.Time `json:"last_ingested_at" db:"last_ingested_at"`
}

// Successes returns the counter that counts as a success for the metric.
func (s VariantStat) Successes(metric TargetMetric) int64 {
	switch metric {
	case MetricWatch3s:
		return s.Watch3s
	case MetricWatch30s:
		return s.Watch30s
	default:
		return s.Clicks
	}
}

// Recompute refreshes the posterior from the current counters. The failures
// term is clamped at zero so an inconsistent delta batch (more successes than
// impressions) cannot drive beta below the prior.
func (s *VariantStat) Recompute(metric TargetMetric, priorAlpha, priorBeta float64) {
	successes := s.Successes(metric)
	failures := s.Impressions - successes
	if failures < 0 {
		failures = 0
	}
	s.Alpha = priorAlpha + float64(successes)
	s.Beta = priorBeta + float64(failures)
}

// MetricsDelta is one item of an ingest batch. All fields are non-negative
// increments to the corresponding counters.
type MetricsDelta struct {
	VariantID        string `json:"variant_id"`
	ImpressionsDelta int64  `json:"impressions_delta"`
	ClicksDelta      int64  `json:"clicks_delta"`
	Watch3sDelta     int64  `json:"watch3s_delta"`
	Watch30sDelta    int64  `json:"watch30s_delta"`
}

// Apply adds the delta to the stat counters. Callers recompute the posterior
// afterwards; the two steps together form one atomic unit at the store.
func (s *VariantStat) Apply(d MetricsDelta, now time.Time) {
	s.Impressions += d.ImpressionsDelta
	s.Clicks += d.ClicksDelta
	s.Watch3s += d.Watch3sDelta
	s.Watch30s += d.Watch30sDelta
	s.LastIngestedAt = now
}
